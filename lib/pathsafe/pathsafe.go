// Package pathsafe validates and normalizes the paths and path segments
// sourcemerge writes under its managed roots.
//
// Everything here is lexical. No function in this package touches the
// file system, so the planners that build on it stay pure.
package pathsafe

import (
	"path"
	"runtime"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Segments a title must never be allowed to spell, as they would be
// interpreted as navigation tokens when joined into a path.
const (
	escapedDot    = "_ssm_dot_"
	escapedDotDot = "_ssm_dotdot_"
)

// invalidSegmentChars are rejected in link name segments over and above
// path separators. They match the Windows reserved set so branch link
// names stay portable.
const invalidSegmentChars = `:*?"<>|`

// reservedDeviceNames are the Windows device names which are invalid as
// file names on that platform, upper-cased.
var reservedDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// caseInsensitive reports whether path comparison should ignore case on
// this OS.
func caseInsensitive() bool {
	return runtime.GOOS == "windows"
}

// Normalize rewrites p into the canonical form used for all path
// comparisons: forward slashes, `.` and `..` collapsed, no trailing
// separator (except for the root itself).
func Normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, `/`)
	p = path.Clean(p)
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// ArePathsEqual reports whether a and b name the same location after
// normalization, using OS-appropriate case sensitivity.
func ArePathsEqual(a, b string) bool {
	return ComparisonKey(a) == ComparisonKey(b)
}

// ComparisonKey returns the string under which p should be indexed so
// that two paths equal under ArePathsEqual get the same key.
func ComparisonKey(p string) string {
	key := Normalize(p)
	if caseInsensitive() {
		key = strings.ToLower(key)
	}
	return key
}

// IsFullyQualified reports whether p is an absolute path in either
// slash style. Windows drive-relative paths ("C:foo") don't count.
func IsFullyQualified(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	if len(p) >= 3 && p[1] == ':' && (p[2] == '/' || p[2] == '\\') {
		return true
	}
	return false
}

// EscapeReservedSegment rewrites the segments "." and ".." into inert
// sentinel names. Any other input is returned unchanged. It is applied
// whenever a canonical title is placed as a single path segment.
func EscapeReservedSegment(segment string) string {
	switch segment {
	case ".":
		return escapedDot
	case "..":
		return escapedDotDot
	}
	return segment
}

// EnsureStrictChildPath resolves candidate and verifies that it is a
// proper descendant of root: equal to root, or outside it, is a
// contract violation. Both arguments must be fully qualified. The
// returned path is the normalized candidate.
func EnsureStrictChildPath(root, candidate, param string) (string, error) {
	if !IsFullyQualified(root) {
		return "", errors.Errorf("%s: root path %q is not fully qualified", param, root)
	}
	if !IsFullyQualified(candidate) {
		return "", errors.Errorf("%s: path %q is not fully qualified", param, candidate)
	}
	rootN := Normalize(root)
	candN := Normalize(candidate)
	rootCmp, candCmp := rootN, candN
	if caseInsensitive() {
		rootCmp, candCmp = strings.ToLower(rootN), strings.ToLower(candN)
	}
	if candCmp == rootCmp {
		return "", errors.Errorf("%s: path %q is the root itself, not a child of it", param, candidate)
	}
	prefix := rootCmp
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(candCmp, prefix) {
		return "", errors.Errorf("%s: path %q escapes root %q", param, candidate, root)
	}
	return candN, nil
}

// IsStrictChildPath reports whether candidate is a proper descendant of
// root, without treating a failure as an error.
func IsStrictChildPath(root, candidate string) bool {
	_, err := EnsureStrictChildPath(root, candidate, "candidate")
	return err == nil
}

// ValidateLinkNameSegment checks that value can be used as a single
// branch link file name on any OS sourcemerge runs on.
func ValidateLinkNameSegment(value, param string) error {
	if strings.TrimSpace(value) == "" {
		return errors.Errorf("%s: link name must not be empty", param)
	}
	if strings.ContainsAny(value, `/\`) {
		return errors.Errorf("%s: link name %q must not contain path separators", param, value)
	}
	if value == "." || value == ".." {
		return errors.Errorf("%s: link name %q is a reserved path segment", param, value)
	}
	if strings.ContainsAny(value, invalidSegmentChars) {
		return errors.Errorf("%s: link name %q contains a reserved character", param, value)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return errors.Errorf("%s: link name %q contains a control character", param, value)
		}
	}
	if strings.HasSuffix(value, ".") || strings.HasSuffix(value, " ") {
		return errors.Errorf("%s: link name %q must not end with a dot or space", param, value)
	}
	upper := strings.ToUpper(value)
	stem := upper
	if i := strings.IndexByte(upper, '.'); i >= 0 {
		stem = upper[:i]
	}
	if reservedDeviceNames[upper] || reservedDeviceNames[stem] {
		return errors.Errorf("%s: link name %q is a reserved device name", param, value)
	}
	return nil
}
