package mergelib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mergerfsEntry(mountPoint, identity string) SnapshotEntry {
	return SnapshotEntry{
		MountPoint: mountPoint,
		FSType:     MergerfsFSType,
		Source:     identity,
		Options:    "rw,fsname=" + identity,
		Healthy:    true,
	}
}

func TestReconcileIdempotence(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		Desired: []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "suwayomi_x_y", Payload: "/a=RW:/b=RO"}},
		Actual: Snapshot{Entries: []SnapshotEntry{
			mergerfsEntry("/m/T", "suwayomi_x_y"),
		}},
		ManagedRoots: []string{"/m"},
		HealthChecks: true,
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
}

func TestReconcileMissingMount(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		Desired: []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "x", Payload: "/a=RW:/b=RO"}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	action := plan.Actions[0]
	assert.Equal(t, ActionMount, action.Kind)
	assert.Equal(t, MissingMount, action.Reason)
	assert.Equal(t, "/m/T", action.MountPoint)
	assert.Equal(t, "x", action.DesiredIdentity)
	assert.Equal(t, "/a=RW:/b=RO", action.Payload)
}

func TestReconcilePathEqualityInvariance(t *testing.T) {
	for _, actualPoint := range []string{"/m/T", "/m/T/", `\m\T`} {
		plan, err := Reconcile(ReconcileInput{
			Desired: []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "suwayomi_x_y"}},
			Actual:  Snapshot{Entries: []SnapshotEntry{mergerfsEntry(actualPoint, "suwayomi_x_y")}},
		})
		require.NoError(t, err)
		assert.Empty(t, plan.Actions, "actual mount point %q", actualPoint)
	}
}

func TestReconcileNonMergerfsAtTarget(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		Desired: []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "x"}},
		Actual: Snapshot{Entries: []SnapshotEntry{{
			MountPoint: "/m/T", FSType: "ext4", Source: "/dev/sda1", Options: "rw", Healthy: true,
		}}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionRemount, plan.Actions[0].Kind)
	assert.Equal(t, NonMergerfsAtTarget, plan.Actions[0].Reason)
}

func TestReconcileIdentityMismatch(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		Desired: []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "suwayomi_new"}},
		Actual:  Snapshot{Entries: []SnapshotEntry{mergerfsEntry("/m/T", "suwayomi_old")}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionRemount, plan.Actions[0].Kind)
	assert.Equal(t, DesiredIdentityMismatch, plan.Actions[0].Reason)
}

func TestReconcileForcePrecedence(t *testing.T) {
	// Healthy, matching mount which is force-listed still remounts,
	// and the force check outranks the health check.
	entry := mergerfsEntry("/m/T", "suwayomi_x_y")
	entry.Healthy = false
	plan, err := Reconcile(ReconcileInput{
		Desired:      []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "suwayomi_x_y"}},
		Actual:       Snapshot{Entries: []SnapshotEntry{entry}},
		HealthChecks: true,
		ForceRemount: []string{"/m/T/"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionRemount, plan.Actions[0].Kind)
	assert.Equal(t, ForcedRemount, plan.Actions[0].Reason)
}

func TestReconcileUnhealthyMount(t *testing.T) {
	entry := mergerfsEntry("/m/T", "suwayomi_x_y")
	entry.Healthy = false

	// With health checks on the mount is remounted...
	plan, err := Reconcile(ReconcileInput{
		Desired:      []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "suwayomi_x_y"}},
		Actual:       Snapshot{Entries: []SnapshotEntry{entry}},
		HealthChecks: true,
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, UnhealthyMount, plan.Actions[0].Reason)

	// ...with them off it is left alone.
	plan, err = Reconcile(ReconcileInput{
		Desired: []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "suwayomi_x_y"}},
		Actual:  Snapshot{Entries: []SnapshotEntry{entry}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
}

func TestReconcileDepthFirstStaleTeardown(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		ManagedRoots: []string{"/root"},
		Actual: Snapshot{Entries: []SnapshotEntry{
			mergerfsEntry("/root/B", "suwayomi_b"),
			mergerfsEntry("/root/A/Inner", "suwayomi_i"),
			mergerfsEntry("/root/A", "suwayomi_a"),
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 3)
	var got []string
	for _, action := range plan.Actions {
		assert.Equal(t, ActionUnmount, action.Kind)
		assert.Equal(t, StaleMount, action.Reason)
		got = append(got, action.MountPoint)
	}
	assert.Equal(t, []string{"/root/A/Inner", "/root/A", "/root/B"}, got)
}

func TestReconcileStaleNeedsManagedRoot(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		ManagedRoots: []string{"/managed"},
		Actual: Snapshot{Entries: []SnapshotEntry{
			mergerfsEntry("/elsewhere/T", "suwayomi_x"),
			{MountPoint: "/managed/T", FSType: "ext4", Source: "/dev/sda1", Healthy: true},
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
}

func TestReconcileMountAtManagedRootItselfIsNotStale(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		ManagedRoots: []string{"/managed"},
		Actual:       Snapshot{Entries: []SnapshotEntry{mergerfsEntry("/managed", "suwayomi_x")}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
}

func TestReconcileDesiredActionsPrecedeStaleUnmounts(t *testing.T) {
	plan, err := Reconcile(ReconcileInput{
		Desired:      []DesiredMount{{MountPoint: "/m/New", DesiredIdentity: "suwayomi_n", Payload: "/a=RW"}},
		ManagedRoots: []string{"/m"},
		Actual:       Snapshot{Entries: []SnapshotEntry{mergerfsEntry("/m/Old", "suwayomi_o")}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, ActionMount, plan.Actions[0].Kind)
	assert.Equal(t, ActionUnmount, plan.Actions[1].Kind)
}

func TestReconcileOrderInvariance(t *testing.T) {
	desired := []DesiredMount{
		{MountPoint: "/m/C", DesiredIdentity: "c"},
		{MountPoint: "/m/A", DesiredIdentity: "a"},
		{MountPoint: "/m/B", DesiredIdentity: "b"},
	}
	actual := []SnapshotEntry{
		mergerfsEntry("/m/Stale2", "s2"),
		mergerfsEntry("/m/Stale1", "s1"),
	}
	first, err := Reconcile(ReconcileInput{Desired: desired, Actual: Snapshot{Entries: actual}, ManagedRoots: []string{"/m"}})
	require.NoError(t, err)

	permDesired := []DesiredMount{desired[1], desired[2], desired[0]}
	permActual := []SnapshotEntry{actual[1], actual[0]}
	second, err := Reconcile(ReconcileInput{Desired: permDesired, Actual: Snapshot{Entries: permActual}, ManagedRoots: []string{"/m"}})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReconcileDuplicateDesiredMountPoints(t *testing.T) {
	_, err := Reconcile(ReconcileInput{
		Desired: []DesiredMount{
			{MountPoint: "/m/T", DesiredIdentity: "a"},
			{MountPoint: "/m/T/", DesiredIdentity: "b"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate desired mount point")
}

func TestReconcileRelativeManagedRoot(t *testing.T) {
	_, err := Reconcile(ReconcileInput{ManagedRoots: []string{"managed"}})
	assert.Error(t, err)
}

func TestReconcileOvermountLastEntryWins(t *testing.T) {
	// findmnt lists overmounts bottom-up; the topmost (last) entry is
	// the one that matters.
	plan, err := Reconcile(ReconcileInput{
		Desired: []DesiredMount{{MountPoint: "/m/T", DesiredIdentity: "suwayomi_x_y"}},
		Actual: Snapshot{Entries: []SnapshotEntry{
			{MountPoint: "/m/T", FSType: "ext4", Source: "/dev/sda1", Healthy: true},
			mergerfsEntry("/m/T", "suwayomi_x_y"),
		}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Actions)
}
