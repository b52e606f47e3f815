//go:build linux
// +build linux

package mergelib

import (
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
)

// VerifyMounted checks against /proc/self/mountinfo whether mountPoint
// carries a mergerfs mount. It never touches the path itself, so it is
// safe to call on a hung FUSE mount.
func VerifyMounted(mountPoint string) (bool, error) {
	mountPointAbs, err := filepath.Abs(mountPoint)
	if err != nil {
		return false, errors.Wrapf(err, "cannot get absolute path: %s", mountPoint)
	}
	infos, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(mountPointAbs))
	if err != nil {
		return false, errors.Wrap(err, "cannot get mounts")
	}
	for _, info := range infos {
		if info.FSType == MergerfsFSType {
			return true, nil
		}
	}
	return false, nil
}

// CanVerifyMounted is set if VerifyMounted is functional.
var CanVerifyMounted = true
