package types

import (
	"maps"
	"slices"
	"time"
)

// Issue is a ticket whose state is the ordered fold of its entries.
// It is mutated only through Apply and is rebuilt wholesale on reload.
type Issue struct {
	ID      string
	Entries []*Entry
	Fields  Properties
	Ctime   time.Time
	Mtime   time.Time
	// Tags holds the active tags of each entry, keyed by entry id.
	Tags map[string][]string
	// Amendments maps an entry id to the id of its latest amending entry.
	Amendments map[string]string

	byID map[string]*Entry
}

// NewIssue returns an issue without entries.
func NewIssue(id string) *Issue {
	return &Issue{
		ID:         id,
		Tags:       make(map[string][]string),
		Amendments: make(map[string]string),
		byID:       make(map[string]*Entry),
	}
}

// Fold builds an issue by applying entries in commit order.
func Fold(id string, entries []*Entry) *Issue {
	issue := NewIssue(id)
	for _, e := range entries {
		issue.Apply(e)
	}
	return issue
}

// Apply appends e to the issue and folds its delta into Fields.
func (i *Issue) Apply(e *Entry) {
	if i.byID == nil {
		i.byID = make(map[string]*Entry)
	}
	if len(i.Entries) == 0 {
		i.Ctime = e.Ctime
	}
	i.Entries = append(i.Entries, e)
	i.byID[e.ID] = e
	if e.Ctime.After(i.Mtime) {
		i.Mtime = e.Ctime
	}
	if e.IsAmend() {
		i.Amendments[e.Amends] = e.ID
		return
	}
	for _, prop := range e.Properties {
		i.Fields.Set(prop.Name, prop.Values)
	}
}

// Entry returns the entry with the given id, or nil.
func (i *Issue) Entry(id string) *Entry {
	return i.byID[id]
}

// FirstEntry returns the root entry of the issue, or nil.
func (i *Issue) FirstEntry() *Entry {
	if len(i.Entries) == 0 {
		return nil
	}
	return i.Entries[0]
}

// LastEntry returns the newest entry of the issue, or nil.
func (i *Issue) LastEntry() *Entry {
	if len(i.Entries) == 0 {
		return nil
	}
	return i.Entries[len(i.Entries)-1]
}

// Message returns the effective message of an entry, taking amendments
// into account.
func (i *Issue) Message(entryID string) string {
	if amendID, ok := i.Amendments[entryID]; ok {
		if amend := i.byID[amendID]; amend != nil {
			return amend.Message
		}
	}
	if e := i.byID[entryID]; e != nil {
		return e.Message
	}
	return ""
}

// Delta returns the subset of props that differs from the current fields.
func (i *Issue) Delta(props Properties) Properties {
	var delta Properties
	for _, prop := range props {
		current, ok := i.Fields.Get(prop.Name)
		if ok && slices.Equal(current, prop.Values) {
			continue
		}
		if !ok && isBlank(prop.Values) {
			continue
		}
		delta = append(delta, Property{Name: prop.Name, Values: slices.Clone(prop.Values)})
	}
	return delta
}

func isBlank(values []string) bool {
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}

// Copy returns a snapshot that shares no mutable state with i.
func (i *Issue) Copy() *IssueCopy {
	c := &IssueCopy{
		ID:         i.ID,
		Fields:     i.Fields.Clone(),
		Ctime:      i.Ctime,
		Mtime:      i.Mtime,
		Entries:    make([]*Entry, len(i.Entries)),
		Tags:       make(map[string][]string, len(i.Tags)),
		Amendments: maps.Clone(i.Amendments),
	}
	for n, e := range i.Entries {
		c.Entries[n] = e.Clone()
	}
	for id, tags := range i.Tags {
		c.Tags[id] = slices.Clone(tags)
	}
	return c
}

// IssueCopy is an immutable snapshot of an issue with its resolved
// associations, safe to use outside the project lock.
type IssueCopy struct {
	ID         string
	Fields     Properties
	Ctime      time.Time
	Mtime      time.Time
	Entries    []*Entry
	Tags       map[string][]string
	Amendments map[string]string

	// Associations maps an association property to its target issues.
	Associations map[string][]string
	// ReverseAssociations maps an association property to the issues
	// that point at this one through it.
	ReverseAssociations map[string][]string
}

// Field returns the first value of a field, or "".
func (c *IssueCopy) Field(name string) string {
	return c.Fields.First(name)
}

// Message returns the effective message of an entry of the copy.
func (c *IssueCopy) Message(entryID string) string {
	target := entryID
	if amendID, ok := c.Amendments[entryID]; ok {
		target = amendID
	}
	for _, e := range c.Entries {
		if e.ID == target {
			return e.Message
		}
	}
	return ""
}

// HasTag reports whether entryID carries tag.
func (c *IssueCopy) HasTag(entryID, tag string) bool {
	return slices.Contains(c.Tags[entryID], tag)
}
