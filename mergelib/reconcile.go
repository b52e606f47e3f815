package mergelib

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/suwayomi/sourcemerge/lib/pathsafe"
)

// DesiredMount is one mount the system wants to exist: a mergerfs
// union at MountPoint whose fsname is DesiredIdentity and whose branch
// specification is Payload.
type DesiredMount struct {
	MountPoint      string
	DesiredIdentity string
	Payload         string
}

// ActionKind says what to do with a mount point.
type ActionKind byte

// ActionKind values.
const (
	ActionMount ActionKind = iota
	ActionRemount
	ActionUnmount
)

var actionKindToString = []string{
	ActionMount:   "Mount",
	ActionRemount: "Remount",
	ActionUnmount: "Unmount",
}

// String turns an ActionKind into a string
func (k ActionKind) String() string {
	if int(k) >= len(actionKindToString) {
		return "Unknown"
	}
	return actionKindToString[k]
}

// ActionReason records which decision-table rule produced an action.
type ActionReason byte

// ActionReason values.
const (
	// MissingMount: nothing is mounted at the desired mount point.
	MissingMount ActionReason = iota
	// NonMergerfsAtTarget: something other than mergerfs occupies it.
	NonMergerfsAtTarget
	// DesiredIdentityMismatch: the live fsname does not match desired state.
	DesiredIdentityMismatch
	// ForcedRemount: the caller demanded a remount regardless of state.
	ForcedRemount
	// UnhealthyMount: the mount exists but failed its readiness probe.
	UnhealthyMount
	// StaleMount: a managed mergerfs mount no longer wanted.
	StaleMount
)

var actionReasonToString = []string{
	MissingMount:            "MissingMount",
	NonMergerfsAtTarget:     "NonMergerfsAtTarget",
	DesiredIdentityMismatch: "DesiredIdentityMismatch",
	ForcedRemount:           "ForcedRemount",
	UnhealthyMount:          "UnhealthyMount",
	StaleMount:              "StaleMount",
}

// String turns an ActionReason into a string
func (r ActionReason) String() string {
	if int(r) >= len(actionReasonToString) {
		return "Unknown"
	}
	return actionReasonToString[r]
}

// Action is one planned mount-table change. DesiredIdentity and
// Payload are empty for unmounts.
type Action struct {
	Kind            ActionKind
	MountPoint      string
	DesiredIdentity string
	Payload         string
	Reason          ActionReason
}

// String returns e.g. "Remount /mnt/union/T (DesiredIdentityMismatch)"
func (a Action) String() string {
	return fmt.Sprintf("%v %s (%v)", a.Kind, a.MountPoint, a.Reason)
}

// ReconcilePlan is an ordered list of mount-table changes. Actions
// must be applied in order: stale unmounts are sorted deepest first so
// a nested mount is torn down before its parent.
type ReconcilePlan struct {
	Actions []Action
}

// ReconcileInput is one diffing request.
type ReconcileInput struct {
	Desired []DesiredMount
	Actual  Snapshot
	// ManagedRoots are the directories under which sourcemerge owns
	// every mergerfs mount and may unmount stale ones.
	ManagedRoots []string
	// HealthChecks enables rule 5 (remount unhealthy mounts).
	HealthChecks bool
	// ForceRemount lists mount points that must be remounted even if
	// they match desired state and are healthy.
	ForceRemount []string
}

// Reconcile diffs desired mounts against the live snapshot. It is a
// pure function of its input: permuting the input lists never changes
// the returned action order.
func Reconcile(input ReconcileInput) (ReconcilePlan, error) {
	for _, root := range input.ManagedRoots {
		if !pathsafe.IsFullyQualified(root) {
			return ReconcilePlan{}, errors.Errorf("managed mount root %q must be absolute", root)
		}
	}

	desiredByKey := make(map[string]DesiredMount, len(input.Desired))
	desiredKeys := make([]string, 0, len(input.Desired))
	for _, want := range input.Desired {
		key := pathsafe.ComparisonKey(want.MountPoint)
		if _, dup := desiredByKey[key]; dup {
			return ReconcilePlan{}, errors.Errorf("duplicate desired mount point %q", want.MountPoint)
		}
		desiredByKey[key] = want
		desiredKeys = append(desiredKeys, key)
	}
	sort.Strings(desiredKeys)

	// Index actual entries by mount point. With an overmount findmnt
	// reports several entries for one target; the last one listed is
	// the topmost and wins.
	actualByKey := make(map[string]SnapshotEntry, len(input.Actual.Entries))
	for _, entry := range input.Actual.Entries {
		actualByKey[pathsafe.ComparisonKey(entry.MountPoint)] = entry
	}

	forced := make(map[string]bool, len(input.ForceRemount))
	for _, mp := range input.ForceRemount {
		forced[pathsafe.ComparisonKey(mp)] = true
	}

	var plan ReconcilePlan
	for _, key := range desiredKeys {
		want := desiredByKey[key]
		entry, mounted := actualByKey[key]
		// Decision table, first match wins.
		switch {
		case !mounted:
			plan.Actions = append(plan.Actions, desiredAction(ActionMount, want, MissingMount))
		case entry.FSType != MergerfsFSType:
			plan.Actions = append(plan.Actions, desiredAction(ActionRemount, want, NonMergerfsAtTarget))
		case entry.FSName() != want.DesiredIdentity:
			plan.Actions = append(plan.Actions, desiredAction(ActionRemount, want, DesiredIdentityMismatch))
		case forced[key]:
			plan.Actions = append(plan.Actions, desiredAction(ActionRemount, want, ForcedRemount))
		case input.HealthChecks && !entry.Healthy:
			plan.Actions = append(plan.Actions, desiredAction(ActionRemount, want, UnhealthyMount))
		}
	}

	// Stale cleanup: every managed mergerfs mount with no desired
	// counterpart gets unmounted.
	var stale []string
	for key, entry := range actualByKey {
		if entry.FSType != MergerfsFSType {
			continue
		}
		if _, wanted := desiredByKey[key]; wanted {
			continue
		}
		if !underAnyRoot(input.ManagedRoots, entry.MountPoint) {
			continue
		}
		stale = append(stale, pathsafe.Normalize(entry.MountPoint))
	}
	// Deepest mounts first so nested stale mounts are torn down before
	// their parents; ties break on ordinal mount point text.
	sort.Slice(stale, func(i, j int) bool {
		di, dj := pathDepth(stale[i]), pathDepth(stale[j])
		if di != dj {
			return di > dj
		}
		return stale[i] < stale[j]
	})
	for _, mountPoint := range stale {
		plan.Actions = append(plan.Actions, Action{
			Kind:       ActionUnmount,
			MountPoint: mountPoint,
			Reason:     StaleMount,
		})
	}
	return plan, nil
}

func desiredAction(kind ActionKind, want DesiredMount, reason ActionReason) Action {
	return Action{
		Kind:            kind,
		MountPoint:      want.MountPoint,
		DesiredIdentity: want.DesiredIdentity,
		Payload:         want.Payload,
		Reason:          reason,
	}
}

func underAnyRoot(roots []string, mountPoint string) bool {
	for _, root := range roots {
		if pathsafe.IsStrictChildPath(root, mountPoint) {
			return true
		}
	}
	return false
}

// pathDepth counts the segments of a normalized path.
func pathDepth(p string) int {
	p = strings.Trim(p, "/")
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}
