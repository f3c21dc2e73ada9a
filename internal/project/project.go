// Package project is the read/write API of one issue-tracking project.
//
// A Project owns the in-memory index of its issues, rebuilt from the
// per-issue entry logs of its repository on Load. Every public method
// holds the project's reader/writer lock for its whole duration: reads
// take the shared lock, writes the exclusive one.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/assoc"
	"github.com/goeb/smit/internal/entrylog"
	"github.com/goeb/smit/internal/idgen"
	"github.com/goeb/smit/internal/objstore"
	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/telemetry"
	"github.com/goeb/smit/internal/types"
)

const instrumentationScope = "github.com/goeb/smit/project"

// ErrNotLoaded is returned by reads and writes on a project that is not
// in the Loaded state.
var ErrNotLoaded = errors.New("project not loaded")

// State is the load state of a project.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Options configure a Project.
type Options struct {
	Logger *slog.Logger
	// EditDelay is the amend window used when the project config sets none.
	EditDelay time.Duration
	// MaxUploadSize bounds attached files; zero means unlimited.
	MaxUploadSize int64
	// Global, when set, allocates ids for projects configured with global
	// numbering.
	Global *idgen.Counter
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Project is one project: a repository, its configuration and the index
// of its issues.
type Project struct {
	name  string
	repo  storage.Repository
	store *objstore.Store
	log   *slog.Logger
	opts  Options
	in    *telemetry.Instrument

	mu      sync.RWMutex
	state   State
	cfg     *projectconfig.Config
	views   []View
	issues  map[string]*types.Issue
	entries map[string]string // entry id -> issue id
	assoc   *assoc.Index
	counter idgen.Counter
	mtime   time.Time
}

// New returns an unloaded project named name backed by repo.
func New(name string, repo storage.Repository, opts Options) *Project {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EditDelay <= 0 {
		opts.EditDelay = projectconfig.DefaultEditDelay
	}
	return &Project{
		name: name,
		repo: repo,
		store: objstore.New(repo.ObjectsDir(), objstore.Options{
			MaxSize: opts.MaxUploadSize,
			Logger:  opts.Logger,
		}),
		log:   opts.Logger.With("project", name),
		opts:  opts,
		in:    telemetry.NewInstrument(instrumentationScope, "smit.project"),
		cfg:   projectconfig.Default(),
		assoc: assoc.New(),
	}
}

// Name returns the project name, its path relative to the repository root.
func (p *Project) Name() string { return p.name }

// Dir returns the project directory.
func (p *Project) Dir() string { return p.repo.Dir() }

// Repository returns the version-control repository of the project.
func (p *Project) Repository() storage.Repository { return p.repo }

// State returns the current load state.
func (p *Project) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Config returns a copy of the project configuration.
func (p *Project) Config() *projectconfig.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Clone()
}

// Mtime returns the latest modification time of any issue.
func (p *Project) Mtime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mtime
}

// MaxID returns the highest numeric issue id seen or allocated.
func (p *Project) MaxID() int {
	return p.counter.Last()
}

// Len returns the number of issues.
func (p *Project) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.issues)
}

// Load reads the configuration, the predefined views and every issue of
// the project.
func (p *Project) Load(ctx context.Context) (err error) {
	ctx, done := p.in.Start(ctx, "load", attribute.String("smit.project", p.name))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(ctx)
}

// Reload discards the in-memory state and loads the project again.
func (p *Project) Reload(ctx context.Context) (err error) {
	ctx, done := p.in.Start(ctx, "reload", attribute.String("smit.project", p.name))
	defer func() { done(err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Debug("reloading project")
	return p.load(ctx)
}

// load must be called with p.mu held.
func (p *Project) load(ctx context.Context) error {
	start := time.Now()
	p.state = Loading
	p.issues = make(map[string]*types.Issue)
	p.entries = make(map[string]string)
	p.assoc = assoc.New()
	p.mtime = time.Time{}

	cfg, err := p.readConfig(ctx)
	if err != nil {
		p.state = Unloaded
		return err
	}
	p.cfg = cfg

	views, err := loadViews(p.repo.Dir())
	if err != nil {
		p.state = Unloaded
		return err
	}
	p.views = views

	_, err = p.repo.ShowRef(ctx, storage.TagsNotesRef)
	hasTags := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.state = Unloaded
		return err
	}

	for id, err := range entrylog.ListIssues(ctx, p.repo, "") {
		if err != nil {
			p.state = Unloaded
			return err
		}
		issue, err := p.readIssue(ctx, id, hasTags)
		if err != nil {
			p.state = Unloaded
			return err
		}
		if issue == nil {
			continue
		}
		p.index(issue)
	}

	// Ids of remote issues are reserved too: a pull may bring them in.
	for id, err := range entrylog.ListIssues(ctx, p.repo, storage.DefaultRemote) {
		if err != nil {
			p.state = Unloaded
			return err
		}
		p.observe(id)
	}

	p.state = Loaded
	p.log.Debug("project loaded",
		"issues", len(p.issues),
		"max_id", p.counter.Last(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (p *Project) readConfig(ctx context.Context) (*projectconfig.Config, error) {
	cfg, err := projectconfig.Load(p.repo.Dir())
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	cfg, err = projectconfig.ReadRef(ctx, p.repo, storage.ConfigBranch)
	if errors.Is(err, storage.ErrNotFound) {
		return projectconfig.Default(), nil
	}
	return cfg, err
}

func (p *Project) readIssue(ctx context.Context, id string, hasTags bool) (*types.Issue, error) {
	l, err := entrylog.Open(ctx, p.repo, id)
	if err != nil {
		return nil, err
	}
	entries, err := l.All(func(derr *entrylog.DecodeError) {
		p.log.Warn("skipping undecodable entry", "issue", id, "entry", derr.CommitID, "error", derr.Err)
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		p.log.Warn("skipping issue without entries", "issue", id)
		return nil, nil
	}

	issue := types.Fold(id, entries)
	if !hasTags {
		return issue, nil
	}
	for _, e := range entries {
		tags, err := entrylog.ReadTags(ctx, p.repo, e.ID)
		if err != nil {
			p.log.Warn("ignoring unreadable tags", "issue", id, "entry", e.ID, "error", err)
			continue
		}
		if len(tags) > 0 {
			issue.Tags[e.ID] = tags
		}
	}
	return issue, nil
}

// index registers issue in every derived structure. Must be called with
// p.mu held.
func (p *Project) index(issue *types.Issue) {
	p.issues[issue.ID] = issue
	for _, e := range issue.Entries {
		p.entries[e.ID] = issue.ID
	}
	for _, name := range p.cfg.AssociationNames() {
		targets, _ := issue.Fields.Get(name)
		p.assoc.Update(issue.ID, name, targets)
	}
	if issue.Mtime.After(p.mtime) {
		p.mtime = issue.Mtime
	}
	p.observe(issue.ID)
}

func (p *Project) observe(id string) {
	p.counter.Observe(id)
	if p.opts.Global != nil && p.cfg.IsGlobalNumbering() {
		p.opts.Global.Observe(id)
	}
}

// AllocateID returns a fresh issue id. Ids are strictly increasing and
// never reused, including across reloads.
func (p *Project) AllocateID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateID()
}

func (p *Project) allocateID() string {
	if p.opts.Global != nil && p.cfg.IsGlobalNumbering() {
		id := p.opts.Global.Next()
		p.counter.Observe(id)
		return id
	}
	return p.counter.Next()
}

// ObserveID reserves an id allocated elsewhere, such as by a repository
// wide counter.
func (p *Project) ObserveID(id string) {
	p.counter.Observe(id)
}

func (p *Project) requireLoaded() error {
	if p.state != Loaded {
		return fmt.Errorf("project %s is %s: %w", p.name, p.state, ErrNotLoaded)
	}
	return nil
}
