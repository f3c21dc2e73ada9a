package project

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/types"
)

// SearchQuery selects and orders issues.
type SearchQuery struct {
	// Fulltext is matched case-insensitively against property values and
	// entry messages.
	Fulltext string
	// FilterIn keeps issues having, for every listed property, at least
	// one of the listed values. An empty value matches an unset property.
	FilterIn map[string][]string
	// FilterOut drops issues having any of the listed values. It wins
	// over FilterIn.
	FilterOut map[string][]string
	// Sort orders the result; nil sorts by id.
	Sort []types.SortKey
}

// Get returns a snapshot of issue id.
func (p *Project) Get(ctx context.Context, id string) (_ *types.IssueCopy, err error) {
	_, done := p.in.Start(ctx, "get", attribute.String("smit.project", p.name), attribute.String("smit.issue", id))
	defer func() { done(err) }()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.requireLoaded(); err != nil {
		return nil, err
	}
	issue, ok := p.issues[id]
	if !ok {
		return nil, storage.NotFoundf("issue %s in project %s", id, p.name)
	}
	return p.snapshot(issue), nil
}

// IssueOfEntry returns the id of the issue holding entryID.
func (p *Project) IssueOfEntry(entryID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.entries[entryID]
	return id, ok
}

// snapshot must be called with p.mu held.
func (p *Project) snapshot(issue *types.Issue) *types.IssueCopy {
	c := issue.Copy()
	c.Associations = p.assoc.Forward(issue.ID)
	c.ReverseAssociations = p.assoc.Reverse(issue.ID)
	return c
}

// Search returns the issues selected by q, ordered by q.Sort.
func (p *Project) Search(ctx context.Context, q SearchQuery) (_ []*types.IssueCopy, err error) {
	_, done := p.in.Start(ctx, "search", attribute.String("smit.project", p.name))
	defer func() { done(err) }()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.requireLoaded(); err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(q.Fulltext))
	var hits []*types.Issue
	for _, issue := range p.issues {
		if !matchFilterIn(issue, q.FilterIn) || matchFilterOut(issue, q.FilterOut) {
			continue
		}
		if needle != "" && !matchFulltext(issue, needle) {
			continue
		}
		hits = append(hits, issue)
	}

	keys := q.Sort
	if len(keys) == 0 {
		keys = types.DefaultSort()
	}
	// Map iteration order is random: settle on id order before the
	// stable multi-key sort.
	slices.SortFunc(hits, func(a, b *types.Issue) int { return types.CompareIDs(a.ID, b.ID) })
	slices.SortStableFunc(hits, func(a, b *types.Issue) int {
		for _, k := range keys {
			c := compareOn(p.cfg, a, b, k.Property)
			if k.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})

	out := make([]*types.IssueCopy, len(hits))
	for i, issue := range hits {
		out[i] = p.snapshot(issue)
	}
	return out, nil
}

// fieldValues returns the values of prop for filtering, including the
// id pseudo-property.
func fieldValues(issue *types.Issue, prop string) []string {
	if prop == types.FieldID {
		return []string{issue.ID}
	}
	values, _ := issue.Fields.Get(prop)
	return values
}

func hasValue(values []string, want string) bool {
	if want == "" {
		return isUnset(values)
	}
	return slices.Contains(values, want)
}

func isUnset(values []string) bool {
	return !slices.ContainsFunc(values, func(v string) bool { return v != "" })
}

func matchFilterIn(issue *types.Issue, filter map[string][]string) bool {
	for prop, wanted := range filter {
		if len(wanted) == 0 {
			continue
		}
		values := fieldValues(issue, prop)
		if !slices.ContainsFunc(wanted, func(w string) bool { return hasValue(values, w) }) {
			return false
		}
	}
	return true
}

func matchFilterOut(issue *types.Issue, filter map[string][]string) bool {
	for prop, unwanted := range filter {
		values := fieldValues(issue, prop)
		if slices.ContainsFunc(unwanted, func(w string) bool { return hasValue(values, w) }) {
			return true
		}
	}
	return false
}

func matchFulltext(issue *types.Issue, needle string) bool {
	if strings.Contains(issue.ID, needle) {
		return true
	}
	for _, prop := range issue.Fields {
		for _, v := range prop.Values {
			if strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
	}
	for _, e := range issue.Entries {
		if strings.Contains(strings.ToLower(e.Message), needle) {
			return true
		}
	}
	return false
}

func compareOn(cfg *projectconfig.Config, a, b *types.Issue, prop string) int {
	switch prop {
	case types.FieldID:
		return types.CompareIDs(a.ID, b.ID)
	case types.FieldCtime:
		return a.Ctime.Compare(b.Ctime)
	case types.FieldMtime:
		return a.Mtime.Compare(b.Mtime)
	}

	av, bv := a.Fields.First(prop), b.Fields.First(prop)
	if spec, ok := cfg.Property(prop); ok {
		switch spec.Type {
		case projectconfig.KindSelect:
			// Select values sort in declaration order; unknown values last.
			return cmp.Compare(optionRank(spec.Options, av), optionRank(spec.Options, bv))
		case projectconfig.KindAssociation:
			return types.CompareIDs(av, bv)
		}
	}
	return strings.Compare(strings.ToLower(av), strings.ToLower(bv))
}

func optionRank(options []string, v string) int {
	if i := slices.Index(options, v); i >= 0 {
		return i
	}
	return len(options)
}
