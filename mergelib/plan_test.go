package mergelib

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlanner(existing ...string) *Planner {
	dirs := map[string]bool{}
	for _, dir := range existing {
		dirs[dir] = true
	}
	return &Planner{
		Priorities: PriorityFunc(func(name string) int {
			switch name {
			case "mangadex":
				return 1
			case "comick":
				return 2
			}
			return math.MaxInt
		}),
		DirExists: func(dir string) bool { return dirs[dir] },
	}
}

func basicRequest() PlanRequest {
	return PlanRequest{
		GroupKey:        "one piece",
		CanonicalTitle:  "One Piece",
		BranchLinksRoot: "/var/lib/sourcemerge/links",
		OverrideVolumes: []string{"/vols/priority"},
		Sources: []SourceBranch{
			{Name: "comick", Path: "/data/comick"},
			{Name: "mangadex", Path: "/data/mangadex"},
		},
	}
}

func TestPlanBasic(t *testing.T) {
	plan, err := testPlanner().Plan(basicRequest())
	require.NoError(t, err)

	groupID, err := BuildGroupID("one piece")
	require.NoError(t, err)
	assert.Equal(t, groupID, plan.GroupID)
	assert.Equal(t, "/var/lib/sourcemerge/links/"+groupID, plan.BranchDir)
	assert.Equal(t, "/vols/priority/One Piece", plan.PreferredOverridePath)

	require.Len(t, plan.Links, 3)
	assert.Equal(t, "00_override_primary", plan.Links[0].Name)
	assert.Equal(t, plan.BranchDir+"/00_override_primary", plan.Links[0].Path)
	assert.Equal(t, "/vols/priority/One Piece", plan.Links[0].Target)
	assert.Equal(t, ReadWrite, plan.Links[0].Mode)

	// mangadex has priority 1, comick 2
	assert.Equal(t, "10_source_mangadex_000", plan.Links[1].Name)
	assert.Equal(t, "/data/mangadex/One Piece", plan.Links[1].Target)
	assert.Equal(t, ReadOnly, plan.Links[1].Mode)
	assert.Equal(t, "10_source_comick_000", plan.Links[2].Name)

	wantSpec := plan.Links[0].Path + "=RW:" + plan.Links[1].Path + "=RO:" + plan.Links[2].Path + "=RO"
	assert.Equal(t, wantSpec, plan.BranchSpec)

	wantIdentity, err := BuildDesiredIdentity("one piece", wantSpec)
	require.NoError(t, err)
	assert.Equal(t, wantIdentity, plan.DesiredIdentity)
}

func TestPlanPrefersPriorityVolume(t *testing.T) {
	req := basicRequest()
	req.OverrideVolumes = []string{"/vols/b", "/vols/priority", "/vols/a"}
	plan, err := testPlanner().Plan(req)
	require.NoError(t, err)
	assert.Equal(t, "/vols/priority/One Piece", plan.PreferredOverridePath)
}

func TestPlanPriorityVolumeIsCaseSensitive(t *testing.T) {
	req := basicRequest()
	req.OverrideVolumes = []string{"/vols/b", "/vols/Priority", "/vols/a"}
	plan, err := testPlanner().Plan(req)
	require.NoError(t, err)
	// No volume named exactly "priority": ordinally first normalized path wins
	assert.Equal(t, "/vols/Priority/One Piece", plan.PreferredOverridePath)
}

func TestPlanFallsBackToOrdinalFirstVolume(t *testing.T) {
	req := basicRequest()
	req.OverrideVolumes = []string{"/vols/b", "/vols/a"}
	plan, err := testPlanner().Plan(req)
	require.NoError(t, err)
	assert.Equal(t, "/vols/a/One Piece", plan.PreferredOverridePath)
}

func TestPlanSecondaryOverridesNeedExistingDir(t *testing.T) {
	req := basicRequest()
	req.OverrideVolumes = []string{"/vols/priority", "/vols/extra", "/vols/absent"}
	req.Sources = nil
	plan, err := testPlanner("/vols/extra/One Piece").Plan(req)
	require.NoError(t, err)

	require.Len(t, plan.Links, 2)
	assert.Equal(t, "01_override_extra_000", plan.Links[1].Name)
	assert.Equal(t, "/vols/extra/One Piece", plan.Links[1].Target)
	assert.Equal(t, ReadWrite, plan.Links[1].Mode)
}

func TestPlanOverrideFolderNameCollision(t *testing.T) {
	req := basicRequest()
	req.OverrideVolumes = []string{"/vols/priority", "/y/vol", "/x/vol"}
	req.Sources = nil
	plan, err := testPlanner("/y/vol/One Piece", "/x/vol/One Piece").Plan(req)
	require.NoError(t, err)

	require.Len(t, plan.Links, 3)
	// same folder name "vol": ordered by original index, numbered per name
	assert.Equal(t, "01_override_vol_000", plan.Links[1].Name)
	assert.Equal(t, "/y/vol/One Piece", plan.Links[1].Target)
	assert.Equal(t, "01_override_vol_001", plan.Links[2].Name)
	assert.Equal(t, "/x/vol/One Piece", plan.Links[2].Target)
}

func TestPlanDedupesOverrideVolumes(t *testing.T) {
	req := basicRequest()
	req.OverrideVolumes = []string{"/vols/priority", "/vols/priority/", `\vols\priority`}
	req.Sources = nil
	plan, err := testPlanner().Plan(req)
	require.NoError(t, err)
	assert.Len(t, plan.Links, 1)
}

func TestPlanDedupesSourcesByPath(t *testing.T) {
	req := basicRequest()
	req.Sources = []SourceBranch{
		{Name: "mangadex", Path: "/data/mangadex"},
		{Name: "mangadex", Path: "/data/mangadex/"},
	}
	plan, err := testPlanner().Plan(req)
	require.NoError(t, err)
	require.Len(t, plan.Links, 2)
	assert.Equal(t, "10_source_mangadex_000", plan.Links[1].Name)
}

func TestPlanRejectsSourceNameWithTwoPaths(t *testing.T) {
	req := basicRequest()
	req.Sources = []SourceBranch{
		{Name: "mangadex", Path: "/data/mangadex"},
		{Name: "mangadex", Path: "/other/mangadex"},
	}
	_, err := testPlanner().Plan(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different paths")
}

func TestPlanUnknownSourcesSortByName(t *testing.T) {
	req := basicRequest()
	req.Sources = []SourceBranch{
		{Name: "zzz", Path: "/data/zzz"},
		{Name: "aaa", Path: "/data/aaa"},
		{Name: "mangadex", Path: "/data/mangadex"},
	}
	plan, err := testPlanner().Plan(req)
	require.NoError(t, err)
	require.Len(t, plan.Links, 4)
	assert.Equal(t, "10_source_mangadex_000", plan.Links[1].Name)
	assert.Equal(t, "10_source_aaa_000", plan.Links[2].Name)
	assert.Equal(t, "10_source_zzz_000", plan.Links[3].Name)
}

func TestPlanEscapesReservedTitle(t *testing.T) {
	req := basicRequest()
	req.CanonicalTitle = ".."
	req.Sources = nil
	plan, err := testPlanner().Plan(req)
	require.NoError(t, err)
	assert.Equal(t, "/vols/priority/_ssm_dotdot_", plan.PreferredOverridePath)
	assert.Equal(t, "/vols/priority/_ssm_dotdot_", plan.Links[0].Target)
}

func TestPlanDeterministicUnderPermutation(t *testing.T) {
	req := basicRequest()
	req.OverrideVolumes = []string{"/vols/priority", "/vols/extra"}
	planner := testPlanner("/vols/extra/One Piece")
	first, err := planner.Plan(req)
	require.NoError(t, err)

	permuted := basicRequest()
	permuted.OverrideVolumes = []string{"/vols/extra", "/vols/priority"}
	permuted.Sources = []SourceBranch{
		{Name: "mangadex", Path: "/data/mangadex"},
		{Name: "comick", Path: "/data/comick"},
	}
	second, err := planner.Plan(permuted)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlanContractViolations(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(*PlanRequest)
	}{
		{"empty title", func(r *PlanRequest) { r.CanonicalTitle = " " }},
		{"title with slash", func(r *PlanRequest) { r.CanonicalTitle = "a/b" }},
		{"title with backslash", func(r *PlanRequest) { r.CanonicalTitle = `a\b` }},
		{"empty group key", func(r *PlanRequest) { r.GroupKey = "" }},
		{"relative links root", func(r *PlanRequest) { r.BranchLinksRoot = "links" }},
		{"no override volumes", func(r *PlanRequest) { r.OverrideVolumes = nil }},
		{"relative override volume", func(r *PlanRequest) { r.OverrideVolumes = []string{"vols"} }},
		{"relative source path", func(r *PlanRequest) { r.Sources[0].Path = "data" }},
		{"empty source name", func(r *PlanRequest) { r.Sources[0].Name = "" }},
		{"unsafe source name", func(r *PlanRequest) { r.Sources[0].Name = "bad:name" }},
	} {
		req := basicRequest()
		test.mutate(&req)
		_, err := testPlanner().Plan(req)
		assert.Error(t, err, test.name)
	}
}
