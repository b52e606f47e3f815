//go:build !linux
// +build !linux

package mergelib

// VerifyMounted is not supported without /proc/self/mountinfo.
func VerifyMounted(mountPoint string) (bool, error) {
	return false, nil
}

// CanVerifyMounted is set if VerifyMounted is functional.
var CanVerifyMounted = false
