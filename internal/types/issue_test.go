package types

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(id string, sec int64, props ...Property) *Entry {
	return &Entry{ID: id, Author: "fred", Ctime: time.Unix(sec, 0), Properties: props}
}

func prop(name string, values ...string) Property {
	return Property{Name: name, Values: values}
}

func TestFoldMatchesSequentialApply(t *testing.T) {
	chains := [][]*Entry{
		{entryAt("a", 1, prop("status", "open"), prop("summary", "x"))},
		{
			entryAt("a", 1, prop("status", "open")),
			entryAt("b", 2, prop("status", "closed"), prop("owner", "ann")),
			entryAt("c", 3, prop("labels", "ui", "db")),
			entryAt("d", 4, prop("status", "open"), prop("labels")),
		},
	}
	for n, chain := range chains {
		t.Run(fmt.Sprintf("chain%d", n), func(t *testing.T) {
			folded := Fold("1", chain)

			sequential := NewIssue("1")
			for _, e := range chain {
				sequential.Apply(e)
			}
			assert.Equal(t, folded.Fields, sequential.Fields)
			assert.Equal(t, folded.Mtime, sequential.Mtime)
			assert.Equal(t, chain[0].Ctime, folded.Ctime)
			assert.Len(t, folded.Entries, len(chain))
		})
	}

	last := Fold("1", chains[1])
	assert.Equal(t, []string{"open"}, mustGet(t, last.Fields, "status"))
	assert.Equal(t, []string{"ann"}, mustGet(t, last.Fields, "owner"))
	assert.Empty(t, mustGet(t, last.Fields, "labels"))
	assert.Equal(t, []string{"status", "owner", "labels"}, last.Fields.Names())
}

func mustGet(t *testing.T, p Properties, name string) []string {
	t.Helper()
	v, ok := p.Get(name)
	require.True(t, ok, "property %s missing", name)
	return v
}

func TestDeltaElidesUnchanged(t *testing.T) {
	issue := Fold("1", []*Entry{entryAt("a", 1, prop("summary", "bug"), prop("status", "open"))})

	delta := issue.Delta(Properties{prop("summary", "bug"), prop("status", "closed"), prop("owner", "")})
	assert.Equal(t, Properties{prop("status", "closed")}, delta)

	assert.Empty(t, issue.Delta(Properties{prop("summary", "bug")}))
}

func TestAmendSupersedesMessage(t *testing.T) {
	first := entryAt("a", 1, prop("status", "open"))
	first.Message = "teh bug"
	amend := &Entry{ID: "b", Author: "fred", Ctime: time.Unix(2, 0), Amends: "a", Message: "the bug"}

	issue := Fold("1", []*Entry{first, amend})
	assert.Equal(t, "the bug", issue.Message("a"))
	assert.Equal(t, "teh bug", issue.Entry("a").Message, "history is never rewritten")
	assert.Equal(t, []string{"open"}, mustGet(t, issue.Fields, "status"))

	c := issue.Copy()
	assert.Equal(t, "the bug", c.Message("a"))
}

func TestCopyDoesNotAlias(t *testing.T) {
	issue := Fold("1", []*Entry{entryAt("a", 1, prop("labels", "x"))})
	issue.Tags["a"] = []string{"urgent"}

	c := issue.Copy()
	c.Fields[0].Values[0] = "mutated"
	c.Entries[0].Properties[0].Values[0] = "mutated"
	c.Tags["a"][0] = "mutated"

	assert.Equal(t, "x", issue.Fields.First("labels"))
	assert.Equal(t, "x", issue.Entries[0].Properties.First("labels"))
	assert.Equal(t, "urgent", issue.Tags["a"][0])
}
