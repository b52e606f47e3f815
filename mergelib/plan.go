package mergelib

import (
	"fmt"
	"math"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/suwayomi/sourcemerge/lib/pathsafe"
)

// AccessMode is a mergerfs branch write policy.
type AccessMode byte

// AccessMode values.
const (
	// ReadWrite branches receive new chapters and edits.
	ReadWrite AccessMode = iota
	// ReadOnly branches are source material, never written.
	ReadOnly
)

// String returns the mergerfs branch-spec suffix for the mode.
func (m AccessMode) String() string {
	if m == ReadOnly {
		return "RO"
	}
	return "RW"
}

// SourceBranch is one source-directory candidate for a title.
type SourceBranch struct {
	Name string // source name, used for priority lookup and link naming
	Path string // absolute path of the source root
}

// PlanRequest carries everything needed to compute the branch plan for
// one canonical title.
type PlanRequest struct {
	GroupKey        string
	CanonicalTitle  string // a single path segment, never contains separators
	BranchLinksRoot string
	OverrideVolumes []string
	Sources         []SourceBranch
}

// BranchLink is one entry of the branch directory: a symlink Name
// placed at Path pointing at Target, mounted with Mode.
type BranchLink struct {
	Name   string
	Path   string
	Target string
	Mode   AccessMode
}

// BranchPlan is the computed desired branch layout for one title.
type BranchPlan struct {
	PreferredOverridePath string
	BranchDir             string
	BranchSpec            string
	DesiredIdentity       string
	GroupID               string
	Links                 []BranchLink
}

// PriorityLookup resolves a source name to its configured priority.
// Lower values sort first; an unconfigured source must report
// math.MaxInt.
type PriorityLookup interface {
	PriorityOrDefault(sourceName string) int
}

// PriorityFunc adapts a function to PriorityLookup.
type PriorityFunc func(sourceName string) int

// PriorityOrDefault implements PriorityLookup.
func (f PriorityFunc) PriorityOrDefault(sourceName string) int {
	return f(sourceName)
}

// NoPriorities is a PriorityLookup with nothing configured.
var NoPriorities = PriorityFunc(func(string) int { return math.MaxInt })

// Link name layout inside a branch directory. The numeric prefixes
// keep override branches sorted ahead of source branches, which is
// what makes the override win mergerfs's path-preserving policies.
const (
	primaryOverrideLinkName = "00_override_primary"
	overrideLinkPrefix      = "01_override_"
	sourceLinkPrefix        = "10_source_"
)

// priorityVolumeName marks the override volume preferred for writes.
// Matched case-sensitively against the volume's final path segment.
const priorityVolumeName = "priority"

// Planner turns override/source candidates for one title into an
// ordered branch plan. It is pure apart from the DirExists probe and
// safe for concurrent use.
type Planner struct {
	Priorities PriorityLookup
	// DirExists reports whether a directory exists. It defaults to an
	// os.Stat check and is injectable for tests.
	DirExists func(string) bool
}

// NewPlanner returns a Planner using priorities and the real file
// system.
func NewPlanner(priorities PriorityLookup) *Planner {
	return &Planner{
		Priorities: priorities,
		DirExists: func(p string) bool {
			fi, err := os.Stat(p)
			return err == nil && fi.IsDir()
		},
	}
}

// Plan computes the branch plan for req. All failures are contract
// violations: bad requests fail here and never reach mount execution.
func (p *Planner) Plan(req PlanRequest) (BranchPlan, error) {
	title := req.CanonicalTitle
	if strings.TrimSpace(title) == "" {
		return BranchPlan{}, errors.New("canonicalTitle must not be empty")
	}
	if strings.ContainsAny(title, `/\`) {
		return BranchPlan{}, errors.Errorf("canonicalTitle %q must not contain path separators", title)
	}
	if !pathsafe.IsFullyQualified(req.BranchLinksRoot) {
		return BranchPlan{}, errors.Errorf("branchLinksRootPath %q must be absolute", req.BranchLinksRoot)
	}
	if len(req.OverrideVolumes) == 0 {
		return BranchPlan{}, errors.New("at least one override volume path is required")
	}
	escapedTitle := pathsafe.EscapeReservedSegment(title)

	groupID, err := BuildGroupID(req.GroupKey)
	if err != nil {
		return BranchPlan{}, err
	}
	branchDir := path.Join(pathsafe.Normalize(req.BranchLinksRoot), groupID)

	overrides, err := dedupeOverrides(req.OverrideVolumes)
	if err != nil {
		return BranchPlan{}, err
	}
	preferred := pickPreferredOverride(overrides)
	preferredOverridePath := path.Join(preferred.path, escapedTitle)

	links := []BranchLink{{
		Name:   primaryOverrideLinkName,
		Path:   path.Join(branchDir, primaryOverrideLinkName),
		Target: preferredOverridePath,
		Mode:   ReadWrite,
	}}

	secondary := make([]overrideVolume, 0, len(overrides))
	for _, vol := range overrides {
		if vol.path != preferred.path {
			secondary = append(secondary, vol)
		}
	}
	sort.SliceStable(secondary, func(i, j int) bool {
		if secondary[i].folderName != secondary[j].folderName {
			return secondary[i].folderName < secondary[j].folderName
		}
		return secondary[i].index < secondary[j].index
	})
	overrideSeq := map[string]int{}
	for _, vol := range secondary {
		target := path.Join(vol.path, escapedTitle)
		// Secondary override branches are only mounted if the title
		// already has content there.
		if !p.dirExists(target) {
			continue
		}
		name := fmt.Sprintf("%s%s_%03d", overrideLinkPrefix, vol.folderName, overrideSeq[vol.folderName])
		overrideSeq[vol.folderName]++
		links = append(links, BranchLink{
			Name:   name,
			Path:   path.Join(branchDir, name),
			Target: target,
			Mode:   ReadWrite,
		})
	}

	sources, err := p.orderSources(req.Sources)
	if err != nil {
		return BranchPlan{}, err
	}
	sourceSeq := map[string]int{}
	for _, src := range sources {
		name := fmt.Sprintf("%s%s_%03d", sourceLinkPrefix, src.Name, sourceSeq[src.Name])
		sourceSeq[src.Name]++
		links = append(links, BranchLink{
			Name:   name,
			Path:   path.Join(branchDir, name),
			Target: path.Join(pathsafe.Normalize(src.Path), escapedTitle),
			Mode:   ReadOnly,
		})
	}

	seen := map[string]bool{}
	for _, link := range links {
		if err := pathsafe.ValidateLinkNameSegment(link.Name, "linkName"); err != nil {
			return BranchPlan{}, err
		}
		if seen[link.Name] {
			return BranchPlan{}, errors.Errorf("branch link name %q is not unique", link.Name)
		}
		seen[link.Name] = true
	}

	specParts := make([]string, len(links))
	for i, link := range links {
		specParts[i] = link.Path + "=" + link.Mode.String()
	}
	branchSpec := strings.Join(specParts, ":")
	desiredIdentity, err := BuildDesiredIdentity(req.GroupKey, branchSpec)
	if err != nil {
		return BranchPlan{}, err
	}

	return BranchPlan{
		PreferredOverridePath: preferredOverridePath,
		BranchDir:             branchDir,
		BranchSpec:            branchSpec,
		DesiredIdentity:       desiredIdentity,
		GroupID:               groupID,
		Links:                 links,
	}, nil
}

func (p *Planner) dirExists(dir string) bool {
	if p.DirExists != nil {
		return p.DirExists(dir)
	}
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

type overrideVolume struct {
	path       string // normalized
	folderName string
	index      int // position in the request, for stable tie-breaks
}

func dedupeOverrides(volumes []string) ([]overrideVolume, error) {
	var out []overrideVolume
	seen := map[string]bool{}
	for i, vol := range volumes {
		if !pathsafe.IsFullyQualified(vol) {
			return nil, errors.Errorf("override volume path %q must be absolute", vol)
		}
		norm := pathsafe.Normalize(vol)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, overrideVolume{path: norm, folderName: path.Base(norm), index: i})
	}
	return out, nil
}

// pickPreferredOverride selects the volume new writes should land on:
// the one literally named "priority", else the ordinally first
// normalized path.
func pickPreferredOverride(volumes []overrideVolume) overrideVolume {
	for _, vol := range volumes {
		if vol.folderName == priorityVolumeName {
			return vol
		}
	}
	best := volumes[0]
	for _, vol := range volumes[1:] {
		if vol.path < best.path {
			best = vol
		}
	}
	return best
}

// orderSources dedupes by resolved path, rejects conflicting reuse of
// a source name, and orders by (priority, name).
func (p *Planner) orderSources(sources []SourceBranch) ([]SourceBranch, error) {
	var out []SourceBranch
	seenPath := map[string]bool{}
	pathByName := map[string]string{}
	for _, src := range sources {
		if strings.TrimSpace(src.Name) == "" {
			return nil, errors.New("source name must not be empty")
		}
		if !pathsafe.IsFullyQualified(src.Path) {
			return nil, errors.Errorf("source %q path %q must be absolute", src.Name, src.Path)
		}
		norm := pathsafe.Normalize(src.Path)
		if prev, ok := pathByName[src.Name]; ok && prev != norm {
			return nil, errors.Errorf("source name %q is used with different paths (%q and %q)", src.Name, prev, norm)
		}
		pathByName[src.Name] = norm
		if seenPath[norm] {
			continue
		}
		seenPath[norm] = true
		out = append(out, SourceBranch{Name: src.Name, Path: norm})
	}
	priorities := p.Priorities
	if priorities == nil {
		priorities = NoPriorities
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi := priorities.PriorityOrDefault(out[i].Name)
		pj := priorities.PriorityOrDefault(out[j].Name)
		if pi != pj {
			return pi < pj
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

