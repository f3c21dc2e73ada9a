// Package gitcli implements storage.Repository on top of the git command
// line. Every operation is a synchronous "git -C <dir>" child process;
// stderr is captured and included in returned errors.
//
// Project repositories are bare: the project directory itself is the git
// directory, so its objects/ subdirectory doubles as the attachment store
// and project.yaml / views.toml sit next to refs/ and HEAD.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/goeb/smit/internal/storage"
)

// Identity used for commits git creates on our behalf (notes, rebases).
const (
	botName  = "smit"
	botEmail = "smit@localhost"
)

// Driver creates Repository values backed by the git binary.
type Driver struct {
	log     *slog.Logger
	headers []string
}

// New returns a driver. A nil logger discards output.
func New(log *slog.Logger) *Driver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Driver{log: log}
}

// Available reports whether a git binary can be found in PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// WithHTTPHeaders returns a copy of d that sends headers on HTTP transport.
func (d *Driver) WithHTTPHeaders(headers ...string) storage.Driver {
	c := *d
	c.headers = append(append([]string(nil), d.headers...), headers...)
	return &c
}

// Exists reports whether dir is a bare repository.
func (d *Driver) Exists(dir string) bool {
	if fi, err := os.Stat(filepath.Join(dir, "objects")); err != nil || !fi.IsDir() {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, "HEAD"))
	return err == nil
}

// Open returns the repository at dir.
func (d *Driver) Open(dir string) (storage.Repository, error) {
	if !d.Exists(dir) {
		return nil, storage.NotFoundf("repository %s", dir)
	}
	return d.repo(dir), nil
}

// Init creates a bare repository at dir, or opens it if it exists.
func (d *Driver) Init(ctx context.Context, dir string) (storage.Repository, error) {
	if d.Exists(dir) {
		return d.repo(dir), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	r := d.repo(dir)
	if _, err := r.run(ctx, nil, "init", "--bare", "--quiet"); err != nil {
		return nil, err
	}
	// Attachments are written as loose objects directly into objects/;
	// auto-gc would pack them away from the object store's paths.
	if _, err := r.run(ctx, nil, "config", "gc.auto", "0"); err != nil {
		return nil, err
	}
	d.log.Debug("initialized repository", "dir", dir)
	return r, nil
}

// Clone initializes dir and fetches everything from url. Local branches
// are not created; callers decide which remote branches to track.
func (d *Driver) Clone(ctx context.Context, url, dir string) (storage.Repository, error) {
	if d.Exists(dir) {
		return nil, fmt.Errorf("clone into %s: %w", dir, storage.ErrAlreadyExists)
	}
	r, err := d.Init(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := r.AddRemote(ctx, storage.DefaultRemote, url); err != nil {
		return nil, err
	}
	if err := r.Fetch(ctx, storage.DefaultRemote); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Driver) repo(dir string) *Repository {
	return &Repository{dir: dir, log: d.log, headers: d.headers}
}

// Repository is a bare git repository driven through the git CLI.
type Repository struct {
	dir     string
	log     *slog.Logger
	headers []string
}

var _ storage.Repository = (*Repository)(nil)

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// ObjectsDir returns the loose object directory.
func (r *Repository) ObjectsDir() string {
	return filepath.Join(r.dir, "objects")
}

// gitError is returned when git exits non-zero.
type gitError struct {
	args   []string
	dir    string
	err    error
	stderr string
}

func (e *gitError) Error() string {
	return fmt.Sprintf("git %s in %s: %v (stderr: %s)", strings.Join(e.args, " "), e.dir, e.err, e.stderr)
}

func (e *gitError) Unwrap() []error {
	return []error{e.err, storage.ErrTransport}
}

func (e *gitError) exitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (r *Repository) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	full := []string{"-C", dir}
	for _, h := range r.headers {
		full = append(full, "-c", "http.extraHeader="+h)
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME="+botName,
		"GIT_AUTHOR_EMAIL="+botEmail,
		"GIT_COMMITTER_NAME="+botName,
		"GIT_COMMITTER_EMAIL="+botEmail,
	)
	return cmd
}

// run executes git in the repository and returns stdout.
func (r *Repository) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	return r.runIn(ctx, r.dir, stdin, nil, args...)
}

func (r *Repository) runIn(ctx context.Context, dir string, stdin io.Reader, env []string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := r.command(ctx, dir, args...)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &gitError{args: args, dir: dir, err: err, stderr: strings.TrimSpace(stderr.String())}
	}
	return stdout.String(), nil
}

// exitStatus runs a predicate command where exit status 1 means false.
func (r *Repository) exitStatus(ctx context.Context, args ...string) (bool, error) {
	_, err := r.run(ctx, nil, args...)
	if err == nil {
		return true, nil
	}
	var gerr *gitError
	if errors.As(err, &gerr) && gerr.exitCode() == 1 {
		return false, nil
	}
	return false, err
}
