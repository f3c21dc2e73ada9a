package gitcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/goeb/smit/internal/storage"
)

// ShowRef resolves ref (a branch name or a full ref) to a commit id.
func (r *Repository) ShowRef(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, nil, "rev-parse", "--verify", "--quiet", storage.FullRef(ref)+"^{commit}")
	if err != nil {
		var gerr *gitError
		if errors.As(err, &gerr) && gerr.exitCode() == 1 {
			return "", storage.NotFoundf("ref %s", ref)
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListRefs returns the full names of all refs under prefix.
func (r *Repository) ListRefs(ctx context.Context, prefix string) ([]string, error) {
	out, err := r.run(ctx, nil, "for-each-ref", "--format=%(refname)", strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" && strings.HasPrefix(line, prefix) {
			refs = append(refs, line)
		}
	}
	return refs, nil
}

// ListBranches yields the names of local branches (remote == "") or of
// remote-tracking branches of remote, restricted to prefix. Names are
// relative to their namespace ("issues/12"). The listing is streamed from
// git for-each-ref.
func (r *Repository) ListBranches(ctx context.Context, remote, prefix string) iter.Seq2[string, error] {
	namespace := "refs/heads/"
	if remote != "" {
		namespace = "refs/remotes/" + remote + "/"
	}
	pattern := strings.TrimSuffix(namespace+prefix, "/")

	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := r.command(ctx, r.dir, "for-each-ref", "--format=%(refname)", pattern)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield("", fmt.Errorf("listing branches: %w", err))
			return
		}
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			yield("", fmt.Errorf("starting git for-each-ref: %v: %w", err, storage.ErrTransport))
			return
		}

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			ref := scanner.Text()
			if !strings.HasPrefix(ref, namespace+prefix) {
				continue
			}
			name := strings.TrimPrefix(ref, namespace)
			if remote != "" && name == "HEAD" {
				continue
			}
			if !yield(name, nil) {
				cancel()
				_ = cmd.Wait()
				return
			}
		}
		if err := cmd.Wait(); err != nil {
			yield("", &gitError{args: []string{"for-each-ref", pattern}, dir: r.dir, err: err, stderr: strings.TrimSpace(stderr.String())})
		}
	}
}

// UpdateRef moves ref to newID if it currently points at oldID. An empty
// oldID requires the ref not to exist.
func (r *Repository) UpdateRef(ctx context.Context, ref, newID, oldID string) error {
	full := storage.FullRef(ref)
	if _, err := r.run(ctx, nil, "update-ref", "-m", "smit", full, newID, oldID); err != nil {
		return fmt.Errorf("update %s: %w: %w", full, storage.ErrConflict, err)
	}
	return nil
}

// DeleteRef removes ref. Deleting a missing ref is not an error.
func (r *Repository) DeleteRef(ctx context.Context, ref string) error {
	full := storage.FullRef(ref)
	if _, err := r.ShowRef(ctx, full); errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	_, err := r.run(ctx, nil, "update-ref", "-d", full)
	return err
}

// RenameBranch renames branch from to to in a single ref transaction.
func (r *Repository) RenameBranch(ctx context.Context, from, to string) error {
	id, err := r.ShowRef(ctx, from)
	if err != nil {
		return err
	}
	if _, err := r.ShowRef(ctx, to); err == nil {
		return fmt.Errorf("rename %s to %s: target exists: %w", from, to, storage.ErrConflict)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	tx := fmt.Sprintf("start\ncreate %s %s\ndelete %s %s\nprepare\ncommit\n",
		storage.FullRef(to), id, storage.FullRef(from), id)
	if _, err := r.run(ctx, strings.NewReader(tx), "update-ref", "--stdin"); err != nil {
		return fmt.Errorf("rename %s to %s: %w: %w", from, to, storage.ErrConflict, err)
	}
	r.log.Debug("renamed branch", "from", from, "to", to)
	return nil
}

// RootCommit returns the first commit of ref's first-parent chain.
func (r *Repository) RootCommit(ctx context.Context, ref string) (string, error) {
	tip, err := r.ShowRef(ctx, ref)
	if err != nil {
		return "", err
	}
	out, err := r.run(ctx, nil, "rev-list", "--first-parent", "--max-parents=0", tip)
	if err != nil {
		return "", err
	}
	lines := strings.Fields(out)
	if len(lines) == 0 {
		return "", storage.NotFoundf("root of %s", ref)
	}
	return lines[len(lines)-1], nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repository) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	return r.exitStatus(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
}

// ReadBlob returns the content of a blob, loose or packed.
func (r *Repository) ReadBlob(ctx context.Context, id string) ([]byte, error) {
	out, err := r.run(ctx, nil, "cat-file", "blob", id)
	if err != nil {
		if ok, _ := r.exitStatus(ctx, "cat-file", "-e", id); !ok {
			return nil, storage.NotFoundf("blob %s", id)
		}
		return nil, err
	}
	return []byte(out), nil
}
