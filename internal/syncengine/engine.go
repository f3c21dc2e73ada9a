// Package syncengine replicates a repository root between a server and
// a clone: clone, pull and push, plus the server-side reception of
// issues created on clones.
//
// Issue ids are allocated independently on every replica, so the same id
// may name different issues. Push never resolves such collisions: issues
// unknown to the server are pushed to refs/incoming/<id> and the server
// gives them their final number. The next pull recognizes a renumbered
// issue by its root entry and renames the local branch accordingly.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goeb/smit/internal/lockfile"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/telemetry"
)

const instrumentationScope = "github.com/goeb/smit/syncengine"

// State is the phase of the transfer in progress.
type State int

const (
	Idle State = iota
	Authenticating
	Cloning
	Pulling
	Pushing
	Reconciling
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Cloning:
		return "cloning"
	case Pulling:
		return "pulling"
	case Pushing:
		return "pushing"
	case Reconciling:
		return "reconciling"
	default:
		return "idle"
	}
}

// Credentials identify the user to the remote.
type Credentials struct {
	User     string
	Password string
}

// Options configure an Engine.
type Options struct {
	Logger *slog.Logger
	// LockTimeout bounds the wait for another sync on the same clone.
	LockTimeout time.Duration
	// Remote configures the remotes opened from URLs.
	Remote RemoteOptions
	// OpenRemote overrides how a URL becomes a Remote (default OpenRemote).
	OpenRemote func(url string) Remote
}

// Report summarizes a transfer. Per-issue failures do not abort the
// transfer; they are counted here and logged.
type Report struct {
	Projects      int
	Adopted       int
	FastForwarded int
	Renamed       int
	Rebased       int
	Pushed        int
	Received      int
	Failed        int
	Failures      []string
}

func (r *Report) fail(format string, args ...any) {
	r.Failed++
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// Engine runs transfers. One Engine serves one transfer at a time.
type Engine struct {
	driver storage.Driver
	log    *slog.Logger
	opts   Options
	in     *telemetry.Instrument

	mu    sync.Mutex
	state State
}

// New returns an engine using driver for local repositories.
func New(driver storage.Driver, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = lockfile.DefaultTimeout
	}
	if opts.Remote.Driver == nil {
		opts.Remote.Driver = driver
	}
	if opts.Remote.Logger == nil {
		opts.Remote.Logger = opts.Logger
	}
	return &Engine{
		driver: driver,
		log:    opts.Logger,
		opts:   opts,
		in:     telemetry.NewInstrument(instrumentationScope, "smit.sync"),
	}
}

// State returns the phase of the current transfer.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debug("sync state", "from", prev, "to", s)
	}
}

func (e *Engine) openRemote(url string) Remote {
	if e.opts.OpenRemote != nil {
		return e.opts.OpenRemote(url)
	}
	return OpenRemote(url, e.opts.Remote)
}

// authenticate runs the Authenticate phase and returns the caller's
// permissions. Failures abort the transfer.
func (e *Engine) authenticate(ctx context.Context, remote Remote, creds Credentials) (*Permissions, error) {
	e.setState(Authenticating)
	if err := remote.Authenticate(ctx, creds); err != nil {
		return nil, fmt.Errorf("authenticating to %s: %w", remote.URL(), err)
	}
	perms, err := remote.Permissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading permissions from %s: %w", remote.URL(), err)
	}
	e.log.Debug("permissions", "superadmin", perms.Superadmin, "projects", len(perms.Projects))
	return perms, nil
}

func (e *Engine) withLock(ctx context.Context, localDir string, fn func() error) error {
	if err := os.MkdirAll(localDir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", localDir, err)
	}
	defer e.setState(Idle)
	return lockfile.With(ctx, localDir, e.opts.LockTimeout, fn)
}
