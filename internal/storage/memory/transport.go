package memory

import (
	"context"
	"crypto/sha1" // #nosec G505
	"encoding/hex"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goeb/smit/internal/objstore"
	"github.com/goeb/smit/internal/storage"
)

func (r *Repository) ReadBlob(_ context.Context, id string) ([]byte, error) {
	return objstore.New(r.ObjectsDir(), objstore.Options{}).Load(id)
}

func notesDigest(notes map[string]string) string {
	h := sha1.New() // #nosec G401
	for _, k := range slices.Sorted(maps.Keys(notes)) {
		fmt.Fprintf(h, "%s\x00%s\x00", k, notes[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Repository) ReadNote(_ context.Context, notesRef, commit string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.notes[notesRef][commit]
	if !ok {
		return "", storage.NotFoundf("note on %s", commit)
	}
	return body, nil
}

func (r *Repository) WriteNote(_ context.Context, notesRef, commit, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if body == "" {
		delete(r.notes[notesRef], commit)
		return nil
	}
	if r.notes[notesRef] == nil {
		r.notes[notesRef] = make(map[string]string)
	}
	r.notes[notesRef][commit] = body
	return nil
}

func (r *Repository) MergeNotes(_ context.Context, notesRef, otherRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeNotes(notesRef, r.notes[otherRef])
	return nil
}

// mergeNotes unions other into notesRef; differing bodies are resolved
// by concatenating, sorting and de-duplicating lines. Caller holds r.mu.
func (r *Repository) mergeNotes(notesRef string, other map[string]string) {
	if len(other) == 0 {
		return
	}
	local := r.notes[notesRef]
	if local == nil {
		local = make(map[string]string)
		r.notes[notesRef] = local
	}
	for commit, body := range other {
		mine, ok := local[commit]
		if !ok || mine == body {
			local[commit] = body
			continue
		}
		local[commit] = catSortUniq(mine, body)
	}
}

func catSortUniq(a, b string) string {
	var lines []string
	for _, l := range strings.Split(a+"\n"+b, "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	slices.Sort(lines)
	return strings.Join(slices.Compact(lines), "\n") + "\n"
}

func (r *Repository) AddRemote(_ context.Context, name, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[name] = url
	return nil
}

func (r *Repository) remote(name string) (*Repository, error) {
	r.mu.Lock()
	url, ok := r.remotes[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no remote %q: %w", name, storage.ErrNotFound)
	}
	other, ok := r.net.lookup(url)
	if !ok {
		return nil, fmt.Errorf("remote %s unreachable: %w", url, storage.ErrTransport)
	}
	return other, nil
}

// snapshot is a consistent copy of a repository's content.
type snapshot struct {
	refs    map[string]string
	commits map[string]*commitObj
	notes   map[string]map[string]string
}

func (r *Repository) snapshot() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := snapshot{
		refs:    maps.Clone(r.refs),
		commits: maps.Clone(r.commits),
		notes:   make(map[string]map[string]string, len(r.notes)),
	}
	for ref, n := range r.notes {
		s.notes[ref] = maps.Clone(n)
	}
	return s
}

// copyObjects copies loose blobs missing from dst.
func copyObjects(src, dst *Repository) error {
	from := objstore.New(src.ObjectsDir(), objstore.Options{})
	to := objstore.New(dst.ObjectsDir(), objstore.Options{})
	return from.Walk(func(id string) error {
		if to.Exists(id) {
			return nil
		}
		srcPath, _ := from.Path(id)
		dstPath, _ := to.Path(id)
		data, err := os.ReadFile(srcPath) // #nosec G304
		if err != nil {
			return fmt.Errorf("copying object %s: %w", id, err)
		}
		if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dstPath, data, 0o444)
	})
}

func (r *Repository) Fetch(_ context.Context, remote string) error {
	other, err := r.remote(remote)
	if err != nil {
		return err
	}
	snap := other.snapshot()
	if err := copyObjects(other, r); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	maps.Copy(r.commits, snap.commits)
	for ref, id := range snap.refs {
		if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
			r.refs[storage.RemoteRef(remote, name)] = id
		}
	}
	for ref, notes := range snap.notes {
		if name, ok := strings.CutPrefix(ref, "refs/notes/"); ok && !strings.HasPrefix(name, "remotes/") {
			r.notes["refs/notes/remotes/"+remote+"/"+name] = notes
		}
	}
	return nil
}

func (r *Repository) Push(_ context.Context, remote string, refspecs []string) ([]storage.PushResult, error) {
	other, err := r.remote(remote)
	if err != nil {
		return nil, err
	}
	snap := r.snapshot()
	if err := copyObjects(r, other); err != nil {
		return nil, err
	}

	other.mu.Lock()
	defer other.mu.Unlock()
	maps.Copy(other.commits, snap.commits)

	results := make([]storage.PushResult, 0, len(refspecs))
	for _, spec := range refspecs {
		force := strings.HasPrefix(spec, "+")
		src, dst, _ := strings.Cut(strings.TrimPrefix(spec, "+"), ":")
		if dst == "" {
			dst = src
		}
		src, dst = storage.FullRef(src), storage.FullRef(dst)
		res := storage.PushResult{Refspec: src + ":" + dst}

		if notes, ok := snap.notes[src]; ok {
			if force {
				other.notes[dst] = maps.Clone(notes)
			} else {
				other.mergeNotes(dst, notes)
			}
			results = append(results, res)
			continue
		}

		id, ok := snap.refs[src]
		if !ok {
			res.Rejected, res.Reason = true, "src refspec does not match any"
			results = append(results, res)
			continue
		}
		if current, exists := other.refs[dst]; exists && !force && current != id && !other.isAncestor(current, id) {
			res.Rejected, res.Reason = true, "non-fast-forward"
			results = append(results, res)
			continue
		}
		other.refs[dst] = id
		results = append(results, res)
	}
	return results, nil
}
