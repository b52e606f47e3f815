package mergelib

import (
	"context"
	"os"
	"path"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suwayomi/sourcemerge/lib/pathsafe"
	"github.com/suwayomi/sourcemerge/lib/runner"
	"github.com/suwayomi/sourcemerge/lib/titles"
	"github.com/suwayomi/sourcemerge/ssm"
)

// PassOutcome aggregates the apply results of one reconciliation pass.
type PassOutcome byte

// PassOutcome values.
const (
	// PassSuccess: every action succeeded (or there was nothing to do).
	PassSuccess PassOutcome = iota
	// PassBusy: only transient busy conditions; worth retrying soon.
	PassBusy
	// PassMixed: both busy conditions and hard failures.
	PassMixed
	// PassFailure: hard failures only.
	PassFailure
)

var passOutcomeToString = []string{
	PassSuccess: "Success",
	PassBusy:    "Busy",
	PassMixed:   "Mixed",
	PassFailure: "Failure",
}

// String turns a PassOutcome into a string
func (o PassOutcome) String() string {
	if int(o) >= len(passOutcomeToString) {
		return "Unknown"
	}
	return passOutcomeToString[o]
}

// PassReport is everything one pass computed and did.
type PassReport struct {
	Desired  []DesiredMount
	Plan     ReconcilePlan
	Results  []ApplyResult
	Outcome  PassOutcome
	Warnings []string
}

// probeConcurrency bounds parallel readiness probes; each one is a
// spawned process.
const probeConcurrency = 4

// Pass wires planning, diffing and applying into one reconciliation
// pass over the whole library. It holds no mutable state; Run may be
// called repeatedly and concurrently (though mount actions from
// overlapping passes would race on the OS mount table, so callers
// sequence runs).
type Pass struct {
	Planner    *Planner
	Commands   *CommandService
	Runner     runner.Runner
	Normalizer titles.Normalizer

	Sources         []SourceBranch
	OverrideVolumes []string
	BranchLinksRoot string
	MountRoot       string

	HealthChecks     bool
	PruneBranchLinks bool
	SnapshotTimeout  time.Duration
	ProbeTimeout     time.Duration
	PollInterval     time.Duration
}

// TitleGroup is one canonical title with its chosen display spelling.
type TitleGroup struct {
	GroupKey string
	Display  string
}

// DiscoverTitles lists the title directories of every source and
// groups them by canonical key. The display spelling of a group is the
// ordinally smallest raw spelling seen, which keeps mount points
// stable however source scan order changes.
func (p *Pass) DiscoverTitles() ([]TitleGroup, []string) {
	var warnings []string
	displayByKey := map[string]string{}
	for _, src := range p.Sources {
		entries, err := os.ReadDir(src.Path)
		if err != nil {
			warning := "cannot scan source " + src.Name + ": " + err.Error()
			ssm.Logf(nil, "%s", warning)
			warnings = append(warnings, warning)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			raw := entry.Name()
			key := p.Normalizer.Canonicalize(raw)
			if key == "" {
				continue
			}
			if current, ok := displayByKey[key]; !ok || raw < current {
				displayByKey[key] = raw
			}
		}
	}
	groups := make([]TitleGroup, 0, len(displayByKey))
	for key, display := range displayByKey {
		groups = append(groups, TitleGroup{GroupKey: key, Display: display})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupKey < groups[j].GroupKey })
	return groups, warnings
}

// Run executes one full reconciliation pass. forceRemount lists mount
// points to remount regardless of their state. The returned error is
// reserved for contract violations and a failed mount-table snapshot;
// per-action failures land in the report.
func (p *Pass) Run(ctx context.Context, forceRemount []string) (*PassReport, error) {
	report, err := p.compute(ctx, forceRemount, true)
	if err != nil {
		return report, err
	}

	// Actions are applied strictly in plan order: stale unmounts are
	// deepest first, and a failed action must not stop the rest.
	for _, action := range report.Plan.Actions {
		result := p.Commands.ApplyAction(ctx, action)
		report.Results = append(report.Results, result)
		switch result.Outcome {
		case ApplySuccess:
			ssm.Logf(nil, "%v: done", action)
		case ApplyBusy:
			ssm.Logf(nil, "%v: busy: %s", action, result.Diagnostic)
		default:
			ssm.Errorf(nil, "%v: failed: %s", action, result.Diagnostic)
		}
	}
	report.Outcome = aggregateOutcome(report.Results)
	ssm.Logf(nil, "pass finished: %d actions, outcome %v", len(report.Results), report.Outcome)
	return report, nil
}

// Diff computes what Run would do without touching the disk or the
// mount table (apart from readiness probes when health checks are on).
func (p *Pass) Diff(ctx context.Context) (*PassReport, error) {
	return p.compute(ctx, nil, false)
}

func (p *Pass) compute(ctx context.Context, forceRemount []string, materialize bool) (*PassReport, error) {
	report := &PassReport{}

	groups, warnings := p.DiscoverTitles()
	report.Warnings = warnings
	ssm.Infof(nil, "discovered %d titles across %d sources", len(groups), len(p.Sources))

	keepGroupIDs := make(map[string]bool, len(groups))
	for _, group := range groups {
		plan, err := p.Planner.Plan(PlanRequest{
			GroupKey:        group.GroupKey,
			CanonicalTitle:  group.Display,
			BranchLinksRoot: p.BranchLinksRoot,
			OverrideVolumes: p.OverrideVolumes,
			Sources:         p.Sources,
		})
		if err != nil {
			return report, err
		}
		if materialize {
			if err := MaterializeBranchLinks(&plan); err != nil {
				return report, err
			}
		}
		keepGroupIDs[plan.GroupID] = true
		report.Desired = append(report.Desired, DesiredMount{
			MountPoint:      path.Join(pathsafe.Normalize(p.MountRoot), pathsafe.EscapeReservedSegment(group.Display)),
			DesiredIdentity: plan.DesiredIdentity,
			Payload:         plan.BranchSpec,
		})
	}

	if materialize && p.PruneBranchLinks {
		removed, err := PruneBranchDirs(p.BranchLinksRoot, keepGroupIDs)
		if err != nil {
			return report, err
		}
		for _, name := range removed {
			ssm.Infof(nil, "pruned stale branch directory %s", name)
		}
	}

	snapshot, err := FetchSnapshot(ctx, p.Runner, p.SnapshotTimeout, p.PollInterval)
	if err != nil {
		return report, err
	}
	report.Warnings = append(report.Warnings, snapshot.Warnings...)
	if p.HealthChecks {
		p.probeHealth(ctx, &snapshot)
	}

	plan, err := Reconcile(ReconcileInput{
		Desired:      report.Desired,
		Actual:       snapshot,
		ManagedRoots: []string{p.MountRoot},
		HealthChecks: p.HealthChecks,
		ForceRemount: forceRemount,
	})
	if err != nil {
		return report, err
	}
	report.Plan = plan
	return report, nil
}

// probeHealth marks managed mergerfs mounts unhealthy when a directory
// listing hangs or errors. Probes run in parallel; each entry is
// written by exactly one goroutine.
func (p *Pass) probeHealth(ctx context.Context, snapshot *Snapshot) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i := range snapshot.Entries {
		entry := &snapshot.Entries[i]
		if entry.FSType != MergerfsFSType || !pathsafe.IsStrictChildPath(p.MountRoot, entry.MountPoint) {
			continue
		}
		g.Go(func() error {
			probe := p.Commands.ProbeReadiness(ctx, entry.MountPoint, p.ProbeTimeout)
			if !probe.Ready {
				ssm.Logf(nil, "mount %s failed its readiness probe: %s", entry.MountPoint, probe.Diagnostic)
				entry.Healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()
}

// aggregateOutcome folds per-action outcomes into the pass outcome:
// any busy with no failure is busy, busy mixed with failure is mixed,
// failure only is failure.
func aggregateOutcome(results []ApplyResult) PassOutcome {
	busy, failed := 0, 0
	for _, result := range results {
		switch result.Outcome {
		case ApplyBusy:
			busy++
		case ApplyFailure:
			failed++
		}
	}
	switch {
	case busy == 0 && failed == 0:
		return PassSuccess
	case failed == 0:
		return PassBusy
	case busy == 0:
		return PassFailure
	}
	return PassMixed
}
