package mergelib

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/suwayomi/sourcemerge/lib/runner"
	"github.com/suwayomi/sourcemerge/ssm"
)

// MergerfsFSType is the filesystem type findmnt reports for a mergerfs
// mount.
const MergerfsFSType = "fuse.mergerfs"

// SnapshotEntry is one live OS mount as reported by findmnt.
type SnapshotEntry struct {
	MountPoint string
	FSType     string
	Source     string
	Options    string
	// Healthy is not set by the parser. It defaults to true and is
	// downgraded by the readiness probe when health checks are on.
	Healthy bool
}

// FSName extracts the fsname= token from the entry's mount options, or
// "" if there is none.
func (e *SnapshotEntry) FSName() string {
	for _, opt := range strings.Split(e.Options, ",") {
		if v, ok := strings.CutPrefix(opt, "fsname="); ok {
			return v
		}
	}
	return ""
}

// Snapshot is the parsed state of the OS mount table plus any lines
// that could not be parsed.
type Snapshot struct {
	Entries  []SnapshotEntry
	Warnings []string
}

// ParseSnapshotLine parses one findmnt --pairs output line of the form
//
//	TARGET="..." FSTYPE="..." SOURCE="..." OPTIONS="..."
//
// Quoted values may contain \" and \\ literal escapes and \NNN octal
// byte escapes; octal bytes are accumulated and decoded as UTF-8, so
// multi-byte sequences reconstruct correctly and invalid sequences are
// replaced with U+FFFD rather than failing. An unknown \<char> escape
// keeps the backslash verbatim.
func ParseSnapshotLine(line string) (SnapshotEntry, error) {
	entry := SnapshotEntry{Healthy: true}
	if strings.TrimSpace(line) == "" {
		return entry, errors.New("line is null, empty, or whitespace")
	}
	i := 0
	sawTarget := false
	for i < len(line) {
		// skip separators between KEY="VALUE" tokens
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}
		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			return entry, errors.Errorf("malformed token at offset %d: no '='", i)
		}
		key := line[i : i+eq]
		i += eq + 1
		if i >= len(line) || line[i] != '"' {
			return entry, errors.Errorf("value for %s is not quoted", key)
		}
		i++
		value, next, err := parseQuotedValue(line, i)
		if err != nil {
			return entry, err
		}
		i = next
		switch key {
		case "TARGET":
			entry.MountPoint = value
			sawTarget = true
		case "FSTYPE":
			entry.FSType = value
		case "SOURCE":
			entry.Source = value
		case "OPTIONS":
			entry.Options = value
		default:
			// findmnt emits only the requested columns; tolerate extras
		}
	}
	if !sawTarget {
		return entry, errors.New("line has no TARGET field")
	}
	return entry, nil
}

// parseQuotedValue decodes a quoted findmnt value starting just after
// the opening quote at line[start], returning the decoded value and
// the offset just past the closing quote.
func parseQuotedValue(line string, start int) (string, int, error) {
	var buf []byte
	i := start
	for i < len(line) {
		c := line[i]
		if c == '"' {
			s := string(buf)
			if !utf8.ValidString(s) {
				s = strings.ToValidUTF8(s, "�")
			}
			return s, i + 1, nil
		}
		if c != '\\' {
			buf = append(buf, c)
			i++
			continue
		}
		if i+1 >= len(line) {
			break // lone backslash at end of line: unterminated
		}
		next := line[i+1]
		switch {
		case next == '\\' || next == '"':
			buf = append(buf, next)
			i += 2
		case i+3 < len(line) && isOctal(next) && isOctal(line[i+2]) && isOctal(line[i+3]):
			b := (next-'0')<<6 | (line[i+2]-'0')<<3 | (line[i+3] - '0')
			buf = append(buf, b)
			i += 4
		default:
			// Unknown escape: keep the backslash verbatim, no data loss.
			buf = append(buf, '\\')
			i++
		}
	}
	return "", i, errors.Errorf("unterminated quoted value starting at offset %d", start)
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

// ParseSnapshot parses full findmnt output, collecting one warning per
// unparseable line. Blank lines at the end of output are skipped, not
// warned about.
func ParseSnapshot(output string) Snapshot {
	var snap Snapshot
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := ParseSnapshotLine(line)
		if err != nil {
			snap.Warnings = append(snap.Warnings, err.Error())
			continue
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return snap
}

// findmnt invocation shape. TARGET first so a mangled line still
// fails towards "no TARGET" rather than a misattributed field.
var findmntArgs = []string{"--pairs", "-o", "TARGET,FSTYPE,SOURCE,OPTIONS"}

// FetchSnapshot invokes findmnt and parses its output. findmnt is the
// sole source of truth for actual mount state.
func FetchSnapshot(ctx context.Context, r runner.Runner, timeout, pollInterval time.Duration) (Snapshot, error) {
	res, err := r.Run(ctx, runner.Request{
		Path:           "findmnt",
		Args:           findmntArgs,
		Timeout:        timeout,
		PollInterval:   pollInterval,
		MaxOutputBytes: 4 * 1024 * 1024,
	})
	if err != nil {
		return Snapshot{}, err
	}
	if !res.Succeeded() {
		return Snapshot{}, errors.Errorf("findmnt failed: %s", commandDiagnostic(&res))
	}
	if res.StdoutTruncated {
		return Snapshot{}, errors.New("findmnt output exceeded the capture limit")
	}
	snap := ParseSnapshot(res.Stdout)
	for _, warning := range snap.Warnings {
		ssm.Logf(nil, "findmnt: skipped unparseable line: %s", warning)
	}
	return snap, nil
}
