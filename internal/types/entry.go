// Package types defines core data structures for the smit issue tracker.
package types

import (
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

// Property is one named, ordered list of values.
type Property struct {
	Name   string   `yaml:"name"`
	Values []string `yaml:"values"`
}

// Properties is an ordered map of property name to values. Order is the
// order of first insertion, which is the order written to payloads.
type Properties []Property

// Get returns the values of name and whether it is present.
func (p Properties) Get(name string) ([]string, bool) {
	for _, prop := range p {
		if prop.Name == name {
			return prop.Values, true
		}
	}
	return nil, false
}

// First returns the first value of name, or "".
func (p Properties) First(name string) string {
	values, _ := p.Get(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set replaces the values of name, appending it when absent.
func (p *Properties) Set(name string, values []string) {
	values = slices.Clone(values)
	for i := range *p {
		if (*p)[i].Name == name {
			(*p)[i].Values = values
			return
		}
	}
	*p = append(*p, Property{Name: name, Values: values})
}

// Names returns the property names in order.
func (p Properties) Names() []string {
	names := make([]string, len(p))
	for i, prop := range p {
		names[i] = prop.Name
	}
	return names
}

// Clone returns a deep copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for i, prop := range p {
		out[i] = Property{Name: prop.Name, Values: slices.Clone(prop.Values)}
	}
	return out
}

// Map returns the properties as a plain map.
func (p Properties) Map() map[string][]string {
	m := make(map[string][]string, len(p))
	for _, prop := range p {
		m[prop.Name] = slices.Clone(prop.Values)
	}
	return m
}

// AttachedFileRef references a content-addressed file attached to an entry.
type AttachedFileRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// String renders the reference for logs.
func (f AttachedFileRef) String() string {
	return fmt.Sprintf("%s (%s, %s)", f.Filename, humanize.Bytes(uint64(f.Size)), shortID(f.ID))
}

// TreePath is the path of the file inside the commit tree. The object id
// prefix keeps two uploads with the same name distinct.
func (f AttachedFileRef) TreePath() string {
	return f.ID + "-" + f.Filename
}

// Entry is one committed, immutable delta to an issue.
type Entry struct {
	ID         string
	ParentID   string
	Author     string
	Ctime      time.Time
	Properties Properties
	Message    string
	Files      []AttachedFileRef
	// Amends is the id of the entry whose message this entry supersedes.
	Amends string
}

// IsAmend reports whether e is an amending entry.
func (e *Entry) IsAmend() bool {
	return e.Amends != ""
}

// IsEmpty reports whether e carries nothing worth committing.
func (e *Entry) IsEmpty() bool {
	return len(e.Properties) == 0 && e.Message == "" && len(e.Files) == 0 && e.Amends == ""
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Properties = e.Properties.Clone()
	c.Files = slices.Clone(e.Files)
	return &c
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
