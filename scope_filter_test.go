package welfarekit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// TestBuildScopeFilter tests the predicate built for each kind of user
func TestBuildScopeFilter(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	f.seed("user-coordinator", RoleProjectCoordinator)
	a := f.seed("user-coordinator-scoped", RoleProjectCoordinator)
	a.Projects = []string{"project-water"}
	require.NoError(t, f.store.UpdateAssignment(context.Background(), a))
	ctx := context.Background()

	t.Run("super admin is unrestricted", func(t *testing.T) {
		pred, err := f.service.BuildScopeFilter(ctx, userRoot, ResourceApplications)
		require.NoError(t, err)
		assert.True(t, pred.Unrestricted)
	})

	t.Run("area admin sees its area and units below", func(t *testing.T) {
		pred, err := f.service.BuildScopeFilter(ctx, userArea, ResourceApplications)
		require.NoError(t, err)
		assert.Equal(t, []string{"A1", "U1", "U2"}, pred.Regions)
		assert.Empty(t, pred.OwnerID)
	})

	t.Run("beneficiary sees own records", func(t *testing.T) {
		pred, err := f.service.BuildScopeFilter(ctx, userApplicant, ResourceApplications)
		require.NoError(t, err)
		assert.Equal(t, userApplicant, pred.OwnerID)
		assert.Empty(t, pred.Regions)
	})

	t.Run("coordinator without projects sees nothing", func(t *testing.T) {
		pred, err := f.service.BuildScopeFilter(ctx, "user-coordinator", ResourceApplications)
		require.NoError(t, err)
		assert.True(t, pred.IsMatchNothing())
	})

	t.Run("coordinator sees its projects", func(t *testing.T) {
		pred, err := f.service.BuildScopeFilter(ctx, "user-coordinator-scoped", ResourceApplications)
		require.NoError(t, err)
		assert.Equal(t, []string{"project-water"}, pred.Projects)
	})

	t.Run("unknown user sees nothing", func(t *testing.T) {
		pred, err := f.service.BuildScopeFilter(ctx, "nobody", ResourceBeneficiaries)
		require.NoError(t, err)
		assert.True(t, pred.IsMatchNothing())
	})
}

// TestRegionalPermissionWithoutRegions tests that an empty regional scope matches nothing
func TestRegionalPermissionWithoutRegions(t *testing.T) {
	f := newFixture(t)
	f.seedStandardUsers()
	f.seed("user-unscoped", RoleDistrictAdmin)
	f.submit(userApplicant, "U1")
	f.submit(userOther, "U4")

	pred, err := f.service.BuildScopeFilter(context.Background(), "user-unscoped", ResourceApplications)
	require.NoError(t, err)
	assert.True(t, pred.IsMatchNothing())

	apps, err := f.service.ListApplications(context.Background(), "user-unscoped", NewApplicationFilter())
	require.NoError(t, err)
	assert.Empty(t, apps)
}

type testResource struct {
	regions []string
	project string
	scheme  string
	owner   string
}

func (r testResource) ResourceRegions() []string { return r.regions }
func (r testResource) ResourceProject() string   { return r.project }
func (r testResource) ResourceScheme() string    { return r.scheme }
func (r testResource) ResourceOwner() string     { return r.owner }

// TestScopePredicateMatches tests evaluation against single records
func TestScopePredicateMatches(t *testing.T) {
	inU1 := testResource{regions: []string{"U1", "A1", "D1", "S1"}, project: "p1", scheme: "s1", owner: "alice"}

	assert.True(t, Unrestricted().Matches(inU1))
	assert.False(t, MatchNothing().Matches(inU1))
	assert.True(t, ScopePredicate{Regions: []string{"D1"}}.Matches(inU1))
	assert.False(t, ScopePredicate{Regions: []string{"D2", "U4"}}.Matches(inU1))
	assert.True(t, ScopePredicate{Projects: []string{"p1"}}.Matches(inU1))
	assert.True(t, ScopePredicate{Schemes: []string{"s1"}}.Matches(inU1))
	assert.True(t, ScopePredicate{OwnerID: "alice"}.Matches(inU1))
	assert.False(t, ScopePredicate{OwnerID: "bob"}.Matches(inU1))

	// An empty project never matches
	assert.False(t, ScopePredicate{Projects: []string{""}}.Matches(testResource{}))

	union := ScopePredicate{Regions: []string{"U1"}}.union(ScopePredicate{OwnerID: "alice", Regions: []string{"U2"}})
	assert.ElementsMatch(t, []string{"U1", "U2"}, union.Regions)
	assert.Equal(t, "alice", union.OwnerID)
}

// TestScopePredicateApply tests the SQL rendered for each predicate
func TestScopePredicateApply(t *testing.T) {
	db := bun.NewDB(nil, pgdialect.New())
	regionsOnly := ScopeColumns{Regions: []string{"location_id"}}

	render := func(p ScopePredicate, cols ScopeColumns) string {
		return p.Apply(db.NewSelect().Table("beneficiaries").Column("id"), cols).String()
	}

	tests := []struct {
		name     string
		pred     ScopePredicate
		cols     ScopeColumns
		contains string
	}{
		{"unrestricted adds nothing", Unrestricted(), regionsOnly, `SELECT "id" FROM "beneficiaries"`},
		{"match nothing", MatchNothing(), ApplicationScopeColumns, "WHERE (1 = 0)"},
		{"regions", ScopePredicate{Regions: []string{"U1"}}, regionsOnly, `"location_id" IN ('U1')`},
		{"owner", ScopePredicate{OwnerID: "user-x"}, ApplicationScopeColumns, `"app"."applicant_id" = 'user-x'`},
		{"owner without an owner column", ScopePredicate{OwnerID: "user-x"}, regionsOnly, "WHERE (1 = 0)"},
		{"projects without a project column", ScopePredicate{Projects: []string{"p1"}}, regionsOnly, "WHERE (1 = 0)"},
		{"no columns at all", ScopePredicate{Regions: []string{"U1"}, OwnerID: "user-x"}, ScopeColumns{}, "WHERE (1 = 0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, render(tt.pred, tt.cols), tt.contains)
		})
	}

	// Only the expressible part is kept
	sql := render(ScopePredicate{Regions: []string{"U1"}, OwnerID: "user-x"}, regionsOnly)
	assert.Contains(t, sql, `"location_id" IN ('U1')`)
	assert.NotContains(t, sql, "user-x")
	assert.NotContains(t, render(Unrestricted(), regionsOnly), "WHERE")
}
