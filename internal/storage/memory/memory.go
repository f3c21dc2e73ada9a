// Package memory implements storage.Repository entirely in memory.
//
// Commits, refs and notes live in maps; attached blobs are still written
// to the repository's objects directory on disk so that objstore keeps
// working unchanged. Repositories registered in the same Network can
// fetch from and push to each other by directory path, which is enough
// to exercise clone/pull/push reconciliation without a git binary.
package memory

import (
	"context"
	"crypto/sha1" // #nosec G505 -- ids only need to be deterministic
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/goeb/smit/internal/storage"
)

// Network is a set of in-memory repositories addressable by directory.
type Network struct {
	mu    sync.Mutex
	repos map[string]*Repository
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{repos: make(map[string]*Repository)}
}

func (n *Network) lookup(dir string) (*Repository, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.repos[filepath.Clean(dir)]
	return r, ok
}

// Driver returns a driver creating repositories in n.
func (n *Network) Driver() *Driver {
	return &Driver{net: n}
}

// Driver implements storage.Driver for a Network.
type Driver struct {
	net     *Network
	headers []string
}

var _ storage.Driver = (*Driver)(nil)

// Headers returns the HTTP headers configured with WithHTTPHeaders.
func (d *Driver) Headers() []string {
	return d.headers
}

func (d *Driver) WithHTTPHeaders(headers ...string) storage.Driver {
	return &Driver{net: d.net, headers: append(slices.Clone(d.headers), headers...)}
}

func (d *Driver) Exists(dir string) bool {
	_, ok := d.net.lookup(dir)
	return ok
}

func (d *Driver) Open(dir string) (storage.Repository, error) {
	r, ok := d.net.lookup(dir)
	if !ok {
		return nil, storage.NotFoundf("repository %s", dir)
	}
	return r, nil
}

func (d *Driver) Init(_ context.Context, dir string) (storage.Repository, error) {
	dir = filepath.Clean(dir)
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	if r, ok := d.net.repos[dir]; ok {
		return r, nil
	}
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	r := &Repository{
		net:     d.net,
		dir:     dir,
		refs:    make(map[string]string),
		commits: make(map[string]*commitObj),
		notes:   make(map[string]map[string]string),
		remotes: make(map[string]string),
	}
	d.net.repos[dir] = r
	return r, nil
}

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

type commitObj struct {
	storage.Commit
	// files maps tree path to blob id (cumulative, like a git tree).
	files map[string]string
}

// Repository is an in-memory repository.
type Repository struct {
	net *Network
	dir string

	mu      sync.Mutex
	refs    map[string]string
	commits map[string]*commitObj
	notes   map[string]map[string]string
	remotes map[string]string
}

var _ storage.Repository = (*Repository)(nil)

func (r *Repository) Dir() string        { return r.dir }
func (r *Repository) ObjectsDir() string { return filepath.Join(r.dir, "objects") }

func commitID(parent string, files map[string]string, author string, unix int64, message string) string {
	h := sha1.New() // #nosec G401
	fmt.Fprintf(h, "parent %s\nauthor %s\ntime %d\n", parent, author, unix)
	for _, path := range slices.Sorted(maps.Keys(files)) {
		fmt.Fprintf(h, "file %s %s\n", files[path], path)
	}
	fmt.Fprintf(h, "\n%s", message)
	return hex.EncodeToString(h.Sum(nil))
}

// newCommit creates and records a commit. Caller holds r.mu.
func (r *Repository) newCommit(parent string, files map[string]string, c storage.Commit) *commitObj {
	id := commitID(parent, files, c.Author, c.Time.Unix(), c.Message)
	if existing, ok := r.commits[id]; ok {
		return existing
	}
	obj := &commitObj{
		Commit: storage.Commit{ID: id, ParentID: parent, Author: c.Author, Time: c.Time.UTC(), Message: c.Message},
		files:  files,
	}
	r.commits[id] = obj
	return obj
}

// chain returns the first-parent history of id, newest first. Caller
// holds r.mu.
func (r *Repository) chain(id string) []*commitObj {
	var out []*commitObj
	for id != "" {
		c, ok := r.commits[id]
		if !ok {
			break
		}
		out = append(out, c)
		id = c.ParentID
	}
	return out
}

func (r *Repository) resolve(ref string) (string, error) {
	id, ok := r.refs[storage.FullRef(ref)]
	if !ok {
		// Raw commit ids resolve to themselves.
		if _, isCommit := r.commits[ref]; isCommit {
			return ref, nil
		}
		return "", storage.NotFoundf("ref %s", ref)
	}
	return id, nil
}

type sliceIterator struct {
	commits []*storage.Commit
	pos     int
}

func (it *sliceIterator) Next() (*storage.Commit, error) {
	if it.pos >= len(it.commits) {
		return nil, io.EOF
	}
	c := it.commits[it.pos]
	it.pos++
	return c, nil
}

func (it *sliceIterator) Close() error {
	it.pos = len(it.commits)
	return nil
}

func (r *Repository) OpenLog(_ context.Context, ref string) (storage.CommitIterator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	chain := r.chain(tip)
	commits := make([]*storage.Commit, len(chain))
	for i, c := range chain {
		cc := c.Commit
		commits[len(chain)-1-i] = &cc
	}
	return &sliceIterator{commits: commits}, nil
}

func (r *Repository) AddCommit(_ context.Context, branch string, c storage.NewCommit) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := storage.FullRef(branch)
	parent := r.refs[ref]
	files := make(map[string]string)
	if p, ok := r.commits[parent]; ok {
		maps.Copy(files, p.files)
	}
	for _, f := range c.Files {
		if _, ok := files[f.Path]; !ok {
			files[f.Path] = f.BlobID
		}
	}
	obj := r.newCommit(parent, files, storage.Commit{Author: c.Author, Time: c.Time, Message: c.Message})
	r.refs[ref] = obj.ID
	return obj.ID, nil
}

func (r *Repository) RootCommit(_ context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, err := r.resolve(ref)
	if err != nil {
		return "", err
	}
	chain := r.chain(tip)
	if len(chain) == 0 {
		return "", storage.NotFoundf("root of %s", ref)
	}
	return chain[len(chain)-1].ID, nil
}

func (r *Repository) IsAncestor(_ context.Context, ancestor, descendant string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isAncestor(ancestor, descendant), nil
}

func (r *Repository) isAncestor(ancestor, descendant string) bool {
	for _, c := range r.chain(descendant) {
		if c.ID == ancestor {
			return true
		}
	}
	return false
}

func (r *Repository) ListBranches(_ context.Context, remote, prefix string) iter.Seq2[string, error] {
	namespace := "refs/heads/"
	if remote != "" {
		namespace = "refs/remotes/" + remote + "/"
	}
	r.mu.Lock()
	var names []string
	for ref := range r.refs {
		if strings.HasPrefix(ref, namespace+prefix) {
			names = append(names, strings.TrimPrefix(ref, namespace))
		}
	}
	r.mu.Unlock()
	slices.Sort(names)

	return func(yield func(string, error) bool) {
		for _, name := range names {
			if !yield(name, nil) {
				return
			}
		}
	}
}

func (r *Repository) ShowRef(_ context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if notes, ok := r.notes[ref]; ok {
		return notesDigest(notes), nil
	}
	id, ok := r.refs[storage.FullRef(ref)]
	if !ok {
		return "", storage.NotFoundf("ref %s", ref)
	}
	return id, nil
}

func (r *Repository) ListRefs(_ context.Context, prefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []string
	for ref := range r.refs {
		if strings.HasPrefix(ref, prefix) {
			refs = append(refs, ref)
		}
	}
	slices.Sort(refs)
	return refs, nil
}

func (r *Repository) UpdateRef(_ context.Context, ref, newID, oldID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	full := storage.FullRef(ref)
	if r.refs[full] != oldID {
		return fmt.Errorf("update %s: expected %q, found %q: %w", full, oldID, r.refs[full], storage.ErrConflict)
	}
	if _, ok := r.commits[newID]; !ok {
		return storage.NotFoundf("commit %s", newID)
	}
	r.refs[full] = newID
	return nil
}

func (r *Repository) DeleteRef(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, storage.FullRef(ref))
	return nil
}

func (r *Repository) RenameBranch(_ context.Context, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, dst := storage.FullRef(from), storage.FullRef(to)
	id, ok := r.refs[src]
	if !ok {
		return storage.NotFoundf("branch %s", from)
	}
	if _, exists := r.refs[dst]; exists {
		return fmt.Errorf("rename %s to %s: target exists: %w", from, to, storage.ErrConflict)
	}
	r.refs[dst] = id
	delete(r.refs, src)
	return nil
}

// Rebase replays branch-only commits on top of onto. Tree contents merge
// by path with the local blob winning, and tag notes follow the rewritten
// commits.
func (r *Repository) Rebase(_ context.Context, branch, onto string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, err := r.resolve(branch)
	if err != nil {
		return "", err
	}
	base, err := r.resolve(onto)
	if err != nil {
		return "", err
	}

	var replay []*commitObj
	for _, c := range r.chain(tip) {
		if r.isAncestor(c.ID, base) {
			break
		}
		replay = append(replay, c)
	}
	slices.Reverse(replay)

	newTip := base
	for _, c := range replay {
		files := maps.Clone(r.commits[newTip].files)
		var parentFiles map[string]string
		if p, ok := r.commits[c.ParentID]; ok {
			parentFiles = p.files
		}
		for path, blob := range c.files {
			if _, inherited := parentFiles[path]; !inherited {
				files[path] = blob
			}
		}
		obj := r.newCommit(newTip, files, c.Commit)
		if notes, ok := r.notes[storage.TagsNotesRef]; ok {
			if body, ok := notes[c.ID]; ok {
				notes[obj.ID] = body
			}
		}
		newTip = obj.ID
	}
	r.refs[storage.FullRef(branch)] = newTip
	return newTip, nil
}
