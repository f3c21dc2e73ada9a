package project

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/types"
)

// ViewsFileName holds the predefined views of a project.
const ViewsFileName = "views.toml"

// View is a saved search: filters, sort order and displayed columns.
type View struct {
	Name      string              `toml:"name"`
	Fulltext  string              `toml:"search,omitempty"`
	FilterIn  map[string][]string `toml:"filterin,omitempty"`
	FilterOut map[string][]string `toml:"filterout,omitempty"`
	Sort      string              `toml:"sort,omitempty"`
	Columns   []string            `toml:"columns,omitempty"`
	// Default marks the view shown when none is requested.
	Default bool `toml:"default,omitempty"`
}

// Query converts the view into a search query.
func (v View) Query() SearchQuery {
	return SearchQuery{
		Fulltext:  v.Fulltext,
		FilterIn:  v.FilterIn,
		FilterOut: v.FilterOut,
		Sort:      types.ParseSort(v.Sort),
	}
}

func (v View) clone() View {
	c := v
	c.FilterIn = cloneFilter(v.FilterIn)
	c.FilterOut = cloneFilter(v.FilterOut)
	c.Columns = slices.Clone(v.Columns)
	return c
}

func cloneFilter(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

type viewsFile struct {
	Views []View `toml:"view"`
}

func loadViews(dir string) ([]View, error) {
	path := filepath.Join(dir, ViewsFileName)
	data, err := os.ReadFile(path) // #nosec G304 -- project directory is trusted
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ViewsFileName, err)
	}
	var f viewsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ViewsFileName, err)
	}
	return f.Views, nil
}

func saveViews(dir string, views []View) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(viewsFile{Views: views}); err != nil {
		return fmt.Errorf("encode %s: %w", ViewsFileName, err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, ViewsFileName), &buf); err != nil {
		return fmt.Errorf("write %s: %w", ViewsFileName, err)
	}
	return nil
}

// Views returns the predefined views, in file order.
func (p *Project) Views() []View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]View, len(p.views))
	for i, v := range p.views {
		out[i] = v.clone()
	}
	return out
}

// View returns the predefined view called name.
func (p *Project) View(name string) (View, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, v := range p.views {
		if v.Name == name {
			return v.clone(), nil
		}
	}
	return View{}, storage.NotFoundf("view %q in project %s", name, p.name)
}

// SaveView creates or replaces the view with the same name. Setting
// Default clears it on every other view.
func (p *Project) SaveView(ctx context.Context, v View) (err error) {
	_, done := p.in.Start(ctx, "save_view", attribute.String("smit.project", p.name))
	defer func() { done(err) }()

	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return storage.Validationf("view name is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	views := make([]View, 0, len(p.views)+1)
	replaced := false
	for _, old := range p.views {
		if old.Name == v.Name {
			old = v.clone()
			replaced = true
		} else if v.Default {
			old.Default = false
		}
		views = append(views, old)
	}
	if !replaced {
		views = append(views, v.clone())
	}
	if err := saveViews(p.repo.Dir(), views); err != nil {
		return err
	}
	p.views = views
	return nil
}

// DeleteView removes the view called name.
func (p *Project) DeleteView(ctx context.Context, name string) (err error) {
	_, done := p.in.Start(ctx, "delete_view", attribute.String("smit.project", p.name))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	i := slices.IndexFunc(p.views, func(v View) bool { return v.Name == name })
	if i < 0 {
		return storage.NotFoundf("view %q in project %s", name, p.name)
	}
	views := slices.Delete(slices.Clone(p.views), i, i+1)
	if err := saveViews(p.repo.Dir(), views); err != nil {
		return err
	}
	p.views = views
	return nil
}
