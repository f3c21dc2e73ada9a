// Package database is the registry of the projects of one repository
// root. It is built once at process start and passed to whatever needs
// project lookup; there is no package-level registry.
package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goeb/smit/internal/idgen"
	"github.com/goeb/smit/internal/project"
	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/telemetry"
)

// Reserved top-level names of a repository root.
const (
	PublicDir = "public"
	ConfigDir = ".smit"
)

// Options configure a Database.
type Options struct {
	Logger *slog.Logger
	// Project is the template of the options given to every project.
	// Its Global counter is owned by the database and overwritten.
	Project project.Options
	// Concurrency bounds how many projects load at once (default 4).
	Concurrency int
}

func (o Options) concurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return 4
}

// Database holds the loaded projects of a repository root.
type Database struct {
	driver storage.Driver
	log    *slog.Logger
	opts   Options
	global *idgen.Counter

	mu       sync.RWMutex
	root     string
	projects map[string]*project.Project
}

// New returns an empty database opening repositories with driver.
func New(driver storage.Driver, opts Options) *Database {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Database{
		driver:   driver,
		log:      opts.Logger,
		opts:     opts,
		global:   &idgen.Counter{},
		projects: make(map[string]*project.Project),
	}
	d.opts.Project.Logger = opts.Logger
	d.opts.Project.Global = d.global
	return d
}

// Root returns the repository root set by LoadProjects.
func (d *Database) Root() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// LoadProjects scans root for projects, recognized by their
// configuration file, and loads them concurrently. Without recurse only
// root itself can be registered. Projects that fail to load are left
// out and their errors joined in the result.
func (d *Database) LoadProjects(ctx context.Context, root string, recurse bool) error {
	start := time.Now()
	root = filepath.Clean(root)
	d.mu.Lock()
	d.root = root
	d.mu.Unlock()

	found, err := Scan(root, recurse, d.driver.Exists)
	if err != nil {
		return err
	}

	var (
		failMu   sync.Mutex
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.concurrency())
	for _, dir := range found {
		name := ProjectName(root, dir)
		g.Go(func() error {
			if err := d.register(gctx, name, dir); err != nil {
				d.log.Warn("project not loaded", "project", name, "error", err)
				failMu.Lock()
				failures = append(failures, fmt.Errorf("project %s: %w", name, err))
				failMu.Unlock()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.log.Info("projects loaded", "root", root, "projects", len(found)-len(failures),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return errors.Join(failures...)
}

// Scan returns the project directories under root. Hidden directories
// are skipped, and no repository is descended into.
func Scan(root string, recurse bool, isRepo func(string) bool) ([]string, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, storage.Validationf("%s is not a directory", root)
	}
	if projectconfig.Exists(root) {
		return []string{root}, nil
	}
	if !recurse {
		return nil, nil
	}

	var found []string
	err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return fs.SkipDir
		}
		if !de.IsDir() || p == root {
			return nil
		}
		if strings.HasPrefix(de.Name(), ".") {
			return fs.SkipDir
		}
		if projectconfig.Exists(p) {
			found = append(found, p)
			return fs.SkipDir
		}
		if isRepo(p) {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return found, nil
}

// ProjectName returns the name of the project in dir relative to root.
func ProjectName(root, dir string) string {
	if dir == root {
		return filepath.Base(root)
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return filepath.Base(dir)
	}
	return filepath.ToSlash(rel)
}

func (d *Database) register(ctx context.Context, name, dir string) error {
	repo, err := d.driver.Open(dir)
	if err != nil {
		return err
	}
	p := project.New(name, telemetry.WrapRepository(repo), d.opts.Project)
	if err := p.Load(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.projects[name] = p
	d.mu.Unlock()
	d.log.Debug("project registered", "project", name, "issues", p.Len(), "max_id", p.MaxID())
	return nil
}

// ValidateProjectName rejects names that are empty, escape the root or
// collide with the reserved areas of a repository.
func ValidateProjectName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return storage.Validationf("invalid project name %q", name)
	}
	for _, seg := range strings.Split(name, "/") {
		switch {
		case seg == "" || seg == "." || seg == "..":
			return storage.Validationf("invalid project name %q", name)
		case strings.HasPrefix(seg, ".") || strings.HasPrefix(seg, "_"):
			return storage.Validationf("project name %q: %q may not start with '.' or '_'", name, seg)
		case strings.ContainsAny(seg, "\\*?[]\x00"):
			return storage.Validationf("project name %q contains reserved characters", name)
		}
	}
	if first, _, _ := strings.Cut(name, "/"); first == PublicDir {
		return storage.Validationf("project name %q is reserved", name)
	}
	return nil
}

// CreateProject initializes a new project under the root with cfg (the
// default configuration when nil) and registers it.
func (d *Database) CreateProject(ctx context.Context, name string, cfg *projectconfig.Config, author string) (*project.Project, error) {
	if err := ValidateProjectName(name); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = projectconfig.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.root == "" {
		return nil, fmt.Errorf("create project %s: no repository root loaded", name)
	}
	if _, ok := d.projects[name]; ok {
		return nil, fmt.Errorf("project %s: %w", name, storage.ErrAlreadyExists)
	}
	dir := filepath.Join(d.root, filepath.FromSlash(name))
	if d.driver.Exists(dir) || projectconfig.Exists(dir) {
		return nil, fmt.Errorf("project %s: %w", name, storage.ErrAlreadyExists)
	}

	repo, err := d.driver.Init(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := projectconfig.Save(dir, cfg); err != nil {
		return nil, err
	}
	if _, err := projectconfig.Commit(ctx, repo, cfg, author, time.Now()); err != nil {
		return nil, err
	}

	p := project.New(name, telemetry.WrapRepository(repo), d.opts.Project)
	if err := p.Load(ctx); err != nil {
		return nil, err
	}
	d.projects[name] = p
	d.log.Info("project created", "project", name, "author", author)
	return p, nil
}

// Project returns the project registered under exactly name.
func (d *Database) Project(name string) (*project.Project, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.projects[name]
	if !ok {
		return nil, storage.NotFoundf("project %s", name)
	}
	return p, nil
}

// Projects returns the registered project names, sorted.
func (d *Database) Projects() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.projects))
	for name := range d.projects {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AllocateNewIssueID returns a fresh id for a new issue of the named
// project, drawn from the project's own sequence or from the repository
// wide one depending on its numbering.
func (d *Database) AllocateNewIssueID(name string) (string, error) {
	p, err := d.Project(name)
	if err != nil {
		return "", err
	}
	return p.AllocateID(), nil
}

// LookupProject finds the project whose name is the longest
// slash-separated prefix of urlPath, and returns the remainder.
func (d *Database) LookupProject(urlPath string) (*project.Project, string, error) {
	clean := strings.Trim(urlPath, "/")
	d.mu.RLock()
	defer d.mu.RUnlock()

	best := ""
	for name := range d.projects {
		if (clean == name || strings.HasPrefix(clean, name+"/")) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return nil, "", storage.NotFoundf("no project for path %q", urlPath)
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(clean, best), "/")
	return d.projects[best], rest, nil
}

// LookupProjectsWildcard returns every project whose name matches
// pattern (path.Match syntax), sorted by name.
func (d *Database) LookupProjectsWildcard(pattern string) ([]*project.Project, error) {
	pattern = strings.Trim(pattern, "/")
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, storage.Validationf("bad project pattern %q", pattern)
	}
	var out []*project.Project
	for _, name := range d.Projects() {
		if ok, _ := path.Match(pattern, name); ok {
			p, err := d.Project(name)
			if err == nil {
				out = append(out, p)
			}
		}
	}
	return out, nil
}
