// Package assoc maintains the forward and reverse adjacency of issue
// associations.
//
// The forward map holds, per issue and association property, the target
// issues. The reverse map is kept as its exact inverse on every update.
// An Index is not safe for concurrent use; the owning project guards it.
package assoc

import (
	"fmt"
	"maps"
	"slices"

	"github.com/goeb/smit/internal/types"
)

// Index is a bidirectional association index.
type Index struct {
	// forward[issue][prop] = targets
	forward map[string]map[string][]string
	// reverse[target][prop] = sources
	reverse map[string]map[string][]string
}

// New returns an empty index.
func New() *Index {
	return &Index{
		forward: make(map[string]map[string][]string),
		reverse: make(map[string]map[string][]string),
	}
}

// Update replaces the targets of issue through prop. An empty target set
// removes the association.
func (x *Index) Update(issue, prop string, targets []string) {
	targets = normalize(targets)

	for _, old := range x.forward[issue][prop] {
		x.unlink(old, prop, issue)
	}
	if len(targets) == 0 {
		if props := x.forward[issue]; props != nil {
			delete(props, prop)
			if len(props) == 0 {
				delete(x.forward, issue)
			}
		}
		return
	}

	if x.forward[issue] == nil {
		x.forward[issue] = make(map[string][]string)
	}
	x.forward[issue][prop] = targets
	for _, t := range targets {
		x.link(t, prop, issue)
	}
}

func (x *Index) link(target, prop, source string) {
	props := x.reverse[target]
	if props == nil {
		props = make(map[string][]string)
		x.reverse[target] = props
	}
	sources := props[prop]
	i, found := slices.BinarySearchFunc(sources, source, types.CompareIDs)
	if !found {
		props[prop] = slices.Insert(sources, i, source)
	}
}

func (x *Index) unlink(target, prop, source string) {
	props := x.reverse[target]
	sources := props[prop]
	i, found := slices.BinarySearchFunc(sources, source, types.CompareIDs)
	if !found {
		return
	}
	sources = slices.Delete(sources, i, i+1)
	if len(sources) == 0 {
		delete(props, prop)
		if len(props) == 0 {
			delete(x.reverse, target)
		}
		return
	}
	props[prop] = sources
}

func normalize(ids []string) []string {
	out := slices.Clone(ids)
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.SortFunc(out, types.CompareIDs)
	return slices.Compact(out)
}

// Forward returns a copy of the associations of issue, by property.
func (x *Index) Forward(issue string) map[string][]string {
	return cloneProps(x.forward[issue])
}

// Reverse returns a copy of the issues pointing at issue, by property.
func (x *Index) Reverse(issue string) map[string][]string {
	return cloneProps(x.reverse[issue])
}

func cloneProps(m map[string][]string) map[string][]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

// Len returns the number of issues with outgoing associations.
func (x *Index) Len() int {
	return len(x.forward)
}

// Check verifies that the reverse map is the exact inverse of the
// forward map.
func (x *Index) Check() error {
	expected := New()
	for _, issue := range slices.Sorted(maps.Keys(x.forward)) {
		for prop, targets := range x.forward[issue] {
			for _, t := range targets {
				expected.link(t, prop, issue)
			}
		}
	}
	if len(expected.reverse) != len(x.reverse) {
		return fmt.Errorf("reverse index has %d targets, expected %d", len(x.reverse), len(expected.reverse))
	}
	for target, props := range expected.reverse {
		got := x.reverse[target]
		if len(got) != len(props) {
			return fmt.Errorf("target %s: reverse has %d properties, expected %d", target, len(got), len(props))
		}
		for prop, sources := range props {
			if !slices.Equal(got[prop], sources) {
				return fmt.Errorf("target %s property %s: reverse %v, expected %v", target, prop, got[prop], sources)
			}
		}
	}
	return nil
}
