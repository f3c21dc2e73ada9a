// Package projectconfig holds the schema of a project: which properties
// an issue may carry, their types and options, the tags entries may be
// marked with, and how new issue ids are numbered.
//
// The configuration is stored as YAML in project.yaml, which also marks a
// directory as a project, and versioned on the "config" branch whose
// commit messages carry the same YAML document.
package projectconfig

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/types"
)

// FileName is the project marker and configuration file.
const FileName = "project.yaml"

// SummaryProperty is declared in every project.
const SummaryProperty = "summary"

// DefaultEditDelay is the amend window when neither the project nor the
// application configuration sets one.
const DefaultEditDelay = 10 * time.Minute

// Kind is the type of a property.
type Kind string

const (
	KindText        Kind = "text"
	KindTextarea    Kind = "textarea"
	KindTextarea2   Kind = "textarea2"
	KindSelect      Kind = "select"
	KindMultiselect Kind = "multiselect"
	KindSelectUser  Kind = "selectUser"
	KindAssociation Kind = "association"
)

// Valid reports whether k is a known property kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindTextarea, KindTextarea2, KindSelect, KindMultiselect, KindSelectUser, KindAssociation:
		return true
	}
	return false
}

// Numbering selects the scope in which new issue ids are allocated.
type Numbering string

const (
	NumberingProject Numbering = "per-project"
	NumberingGlobal  Numbering = "global"
)

// PropertySpec declares one property.
type PropertySpec struct {
	Name    string   `yaml:"name"`
	Type    Kind     `yaml:"type"`
	Label   string   `yaml:"label,omitempty"`
	Options []string `yaml:"options,omitempty"`
	// ReverseLabel names the association when seen from its targets.
	ReverseLabel string `yaml:"reverseLabel,omitempty"`
}

// DisplayLabel returns the label, defaulting to the name.
func (p PropertySpec) DisplayLabel() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Name
}

// TagSpec declares a tag entries can be marked with.
type TagSpec struct {
	Name    string `yaml:"name"`
	Label   string `yaml:"label,omitempty"`
	Display bool   `yaml:"display,omitempty"`
}

// Config is the schema of a project.
type Config struct {
	Properties []PropertySpec `yaml:"properties"`
	Tags       []TagSpec      `yaml:"tags,omitempty"`
	Numbering  Numbering      `yaml:"numbering,omitempty"`
	EditDelay  time.Duration  `yaml:"editDelay,omitempty"`
}

// Default returns the configuration of a new project.
func Default() *Config {
	c := &Config{Numbering: NumberingProject}
	c.ensureSummary()
	return c
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing project config: %v: %w", err, storage.ErrValidation)
	}
	c.ensureSummary()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding project config: %w", err)
	}
	return data, nil
}

func (c *Config) ensureSummary() {
	if _, ok := c.Property(SummaryProperty); ok {
		return
	}
	c.Properties = append([]PropertySpec{{Name: SummaryProperty, Type: KindText, Label: "Summary"}}, c.Properties...)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// reservedNames are pseudo-properties computed from the issue itself.
var reservedNames = []string{types.FieldID, types.FieldCtime, types.FieldMtime}

// Validate checks names, kinds and options.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Properties {
		switch {
		case !namePattern.MatchString(p.Name):
			return storage.Validationf("invalid property name %q", p.Name)
		case slices.Contains(reservedNames, p.Name):
			return storage.Validationf("property name %q is reserved", p.Name)
		case seen[p.Name]:
			return storage.Validationf("duplicate property %q", p.Name)
		case !p.Type.Valid():
			return storage.Validationf("property %q: unknown type %q", p.Name, p.Type)
		case (p.Type == KindSelect || p.Type == KindMultiselect) && len(p.Options) == 0:
			return storage.Validationf("property %q: %s requires options", p.Name, p.Type)
		}
		seen[p.Name] = true
	}
	if p, ok := c.Property(SummaryProperty); !ok || p.Type != KindText {
		return storage.Validationf("property %q must be declared as text", SummaryProperty)
	}

	tags := make(map[string]bool)
	for _, t := range c.Tags {
		if !namePattern.MatchString(t.Name) {
			return storage.Validationf("invalid tag name %q", t.Name)
		}
		if tags[t.Name] {
			return storage.Validationf("duplicate tag %q", t.Name)
		}
		tags[t.Name] = true
	}

	switch c.Numbering {
	case "", NumberingProject, NumberingGlobal:
	default:
		return storage.Validationf("unknown numbering %q", c.Numbering)
	}
	if c.EditDelay < 0 {
		return storage.Validationf("negative edit delay")
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Properties = make([]PropertySpec, len(c.Properties))
	for i, p := range c.Properties {
		p.Options = slices.Clone(p.Options)
		out.Properties[i] = p
	}
	out.Tags = slices.Clone(c.Tags)
	return &out
}

// Property returns the declaration of property name.
func (c *Config) Property(name string) (PropertySpec, bool) {
	for _, p := range c.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertySpec{}, false
}

// PropertyNames returns declared property names in order.
func (c *Config) PropertyNames() []string {
	names := make([]string, len(c.Properties))
	for i, p := range c.Properties {
		names[i] = p.Name
	}
	return names
}

// Tag returns the declaration of tag name.
func (c *Config) Tag(name string) (TagSpec, bool) {
	for _, t := range c.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return TagSpec{}, false
}

// AssociationNames returns the names of association properties.
func (c *Config) AssociationNames() []string {
	var names []string
	for _, p := range c.Properties {
		if p.Type == KindAssociation {
			names = append(names, p.Name)
		}
	}
	return names
}

// IsGlobalNumbering reports whether ids are allocated repository-wide.
func (c *Config) IsGlobalNumbering() bool {
	return c.Numbering == NumberingGlobal
}

// EffectiveEditDelay returns the amend window, falling back to def.
func (c *Config) EffectiveEditDelay(def time.Duration) time.Duration {
	if c.EditDelay > 0 {
		return c.EditDelay
	}
	if def > 0 {
		return def
	}
	return DefaultEditDelay
}

// Sanitize filters raw submitted properties against the schema. Declared
// properties are returned in configuration order with their values
// validated and normalized; undeclared names are returned in dropped.
func (c *Config) Sanitize(props map[string][]string) (types.Properties, []string, error) {
	var out types.Properties
	for _, spec := range c.Properties {
		values, ok := props[spec.Name]
		if !ok {
			continue
		}
		clean, err := sanitizeValues(spec, values)
		if err != nil {
			return nil, nil, err
		}
		out.Set(spec.Name, clean)
	}

	var dropped []string
	for name := range props {
		if _, ok := c.Property(name); !ok {
			dropped = append(dropped, name)
		}
	}
	slices.Sort(dropped)
	return out, dropped, nil
}

func sanitizeValues(spec PropertySpec, values []string) ([]string, error) {
	switch spec.Type {
	case KindSelect:
		if len(values) > 1 {
			return nil, storage.Validationf("property %q accepts a single value", spec.Name)
		}
		for _, v := range values {
			if v != "" && !slices.Contains(spec.Options, v) {
				return nil, storage.Validationf("property %q: %q is not an option", spec.Name, v)
			}
		}
		return slices.Clone(values), nil
	case KindMultiselect:
		var out []string
		for _, v := range values {
			if v == "" {
				continue
			}
			if !slices.Contains(spec.Options, v) {
				return nil, storage.Validationf("property %q: %q is not an option", spec.Name, v)
			}
			if !slices.Contains(out, v) {
				out = append(out, v)
			}
		}
		return out, nil
	case KindAssociation:
		ids, err := ParseAssociation(values)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", spec.Name, err)
		}
		return ids, nil
	case KindText, KindSelectUser:
		out := make([]string, len(values))
		for i, v := range values {
			out[i] = strings.TrimSpace(v)
		}
		return out, nil
	default:
		return slices.Clone(values), nil
	}
}
