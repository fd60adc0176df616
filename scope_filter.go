package welfarekit

import (
	"context"
	"sort"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ResourceType names a module whose records are filtered by scope.
type ResourceType string

const (
	ResourceApplications  ResourceType = "applications"
	ResourceBeneficiaries ResourceType = "beneficiaries"
)

// ScopePredicate decides which records a user may see.
// The zero value matches nothing.
type ScopePredicate struct {
	Unrestricted bool
	Regions      []string // location ids, descendants included
	Projects     []string
	Schemes      []string
	OwnerID      string
}

// MatchNothing returns a predicate that excludes every record.
func MatchNothing() ScopePredicate {
	return ScopePredicate{}
}

// Unrestricted returns a predicate that includes every record.
func Unrestricted() ScopePredicate {
	return ScopePredicate{Unrestricted: true}
}

// IsMatchNothing reports whether the predicate excludes every record.
func (p ScopePredicate) IsMatchNothing() bool {
	return !p.Unrestricted && len(p.Regions) == 0 && len(p.Projects) == 0 && len(p.Schemes) == 0 && p.OwnerID == ""
}

// Matches evaluates the predicate against a single record.
func (p ScopePredicate) Matches(r ScopedResource) bool {
	if p.Unrestricted {
		return true
	}
	if p.OwnerID != "" && r.ResourceOwner() == p.OwnerID {
		return true
	}
	if len(p.Regions) > 0 {
		for _, id := range r.ResourceRegions() {
			if containsString(p.Regions, id) {
				return true
			}
		}
	}
	if project := r.ResourceProject(); project != "" && containsString(p.Projects, project) {
		return true
	}
	if scheme := r.ResourceScheme(); scheme != "" && containsString(p.Schemes, scheme) {
		return true
	}
	return false
}

// ScopeColumns maps predicate parts onto the columns of a table.
type ScopeColumns struct {
	Regions []string
	Project string
	Scheme  string
	Owner   string
}

// ApplicationScopeColumns are the columns of the applications table.
var ApplicationScopeColumns = ScopeColumns{
	Regions: []string{"app.location_unit", "app.location_area", "app.location_district", "app.location_state"},
	Project: "app.project_id",
	Scheme:  "app.scheme_id",
	Owner:   "app.applicant_id",
}

// Apply adds the predicate to a select query.
// A predicate with no part the columns can express renders as "1 = 0" so the
// query returns no rows.
func (p ScopePredicate) Apply(q *bun.SelectQuery, cols ScopeColumns) *bun.SelectQuery {
	if p.Unrestricted {
		return q
	}
	if !p.expressible(cols) {
		return q.Where("1 = 0")
	}
	return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
		if p.OwnerID != "" && cols.Owner != "" {
			q = q.WhereOr("? = ?", bun.Ident(cols.Owner), p.OwnerID)
		}
		if len(p.Regions) > 0 {
			for _, col := range cols.Regions {
				q = q.WhereOr("? IN (?)", bun.Ident(col), bun.In(p.Regions))
			}
		}
		if len(p.Projects) > 0 && cols.Project != "" {
			q = q.WhereOr("? IN (?)", bun.Ident(cols.Project), bun.In(p.Projects))
		}
		if len(p.Schemes) > 0 && cols.Scheme != "" {
			q = q.WhereOr("? IN (?)", bun.Ident(cols.Scheme), bun.In(p.Schemes))
		}
		return q
	})
}

// expressible reports whether at least one part of the predicate maps onto a column.
func (p ScopePredicate) expressible(cols ScopeColumns) bool {
	switch {
	case p.OwnerID != "" && cols.Owner != "":
		return true
	case len(p.Regions) > 0 && len(cols.Regions) > 0:
		return true
	case len(p.Projects) > 0 && cols.Project != "":
		return true
	case len(p.Schemes) > 0 && cols.Scheme != "":
		return true
	}
	return false
}

// BuildScopeFilter returns the predicate restricting which records of resource the user may read.
//
// A user whose highest-privilege role carries the global scope flag, or who holds the
// global read permission, sees everything. Otherwise every held read permission adds
// its scope: regional adds the assigned regions and their descendants, assigned adds
// projects and schemes, own adds the user's own records. No read permission or an
// empty scope contributes nothing, so the predicate fails closed.
// On a resolution error the predicate matches nothing and the error is returned.
func (s *Service) BuildScopeFilter(ctx context.Context, userID string, resource ResourceType) (ScopePredicate, error) {
	eff, err := s.resolve(ctx, userID, s.now())
	if err != nil {
		return MatchNothing(), err
	}
	return s.readPredicate(ctx, eff, userID, resource)
}

func (s *Service) readPredicate(ctx context.Context, eff *EffectivePermissions, userID string, resource ResourceType) (ScopePredicate, error) {
	if eff.HasGlobalScope() {
		return Unrestricted(), nil
	}

	pred := MatchNothing()
	for _, rp := range eff.Candidates(string(resource), "read") {
		p, err := s.predicateFor(ctx, eff, userID, rp)
		if err != nil {
			return MatchNothing(), err
		}
		if p.Unrestricted {
			return p, nil
		}
		pred = pred.union(p)
	}
	return pred, nil
}

// predicateFor returns the records a single resolved permission reaches.
func (s *Service) predicateFor(ctx context.Context, eff *EffectivePermissions, userID string, rp *ResolvedPermission) (ScopePredicate, error) {
	if eff.HasGlobalScope() {
		return Unrestricted(), nil
	}

	switch rp.Scope {
	case ScopeGlobal:
		return Unrestricted(), nil
	case ScopeRegional:
		if len(rp.Regions) == 0 {
			s.logger.Debug("regional permission without regions", zap.String("user_id", userID), zap.String("permission", rp.Name))
			return MatchNothing(), nil
		}
		regions, err := s.expandRegions(ctx, rp.Regions)
		if err != nil {
			return MatchNothing(), err
		}
		return ScopePredicate{Regions: regions}, nil
	case ScopeAssigned:
		return ScopePredicate{
			Projects: append([]string(nil), rp.Projects...),
			Schemes:  append([]string(nil), rp.Schemes...),
		}, nil
	case ScopeOwn:
		return ScopePredicate{OwnerID: userID}, nil
	}
	return MatchNothing(), nil
}

func (s *Service) expandRegions(ctx context.Context, regions []string) ([]string, error) {
	set := make(map[string]bool)
	for _, r := range regions {
		set[r] = true
		var descendants []string
		err := withReadRetry(ctx, s.readRetries, func(ctx context.Context) error {
			var err error
			descendants, err = s.locations.Descendants(ctx, r)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, d := range descendants {
			set[d] = true
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (p ScopePredicate) union(o ScopePredicate) ScopePredicate {
	out := ScopePredicate{
		Unrestricted: p.Unrestricted || o.Unrestricted,
		Regions:      unionStrings(p.Regions, o.Regions),
		Projects:     unionStrings(p.Projects, o.Projects),
		Schemes:      unionStrings(p.Schemes, o.Schemes),
		OwnerID:      p.OwnerID,
	}
	if out.OwnerID == "" {
		out.OwnerID = o.OwnerID
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
