package gitcli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goeb/smit/internal/storage"
)

// AddRemote registers url under name, replacing an existing url.
func (r *Repository) AddRemote(ctx context.Context, name, url string) error {
	if _, err := r.run(ctx, nil, "remote", "add", name, url); err != nil {
		if _, serr := r.run(ctx, nil, "remote", "set-url", name, url); serr != nil {
			return fmt.Errorf("adding remote %s: %w", name, errors.Join(err, serr))
		}
	}
	return nil
}

// Fetch downloads branches into refs/remotes/<remote>/ and tag notes into
// the remote notes namespace.
func (r *Repository) Fetch(ctx context.Context, remote string) error {
	_, err := r.run(ctx, nil, "fetch", "--quiet", remote,
		"+refs/heads/*:refs/remotes/"+remote+"/*",
		"+refs/notes/*:refs/notes/remotes/"+remote+"/*",
	)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", remote, err)
	}
	r.log.Debug("fetched", "remote", remote, "dir", r.dir)
	return nil
}

// Push pushes refspecs and reports the outcome of each one. A push that
// partially succeeds returns results and no error; an error is returned
// only when git produced no per-ref status at all.
func (r *Repository) Push(ctx context.Context, remote string, refspecs []string) ([]storage.PushResult, error) {
	if len(refspecs) == 0 {
		return nil, nil
	}
	args := append([]string{"push", "--porcelain", remote}, refspecs...)
	out, err := r.run(ctx, nil, args...)
	results := parsePorcelain(out)
	if err != nil && len(results) == 0 {
		return nil, fmt.Errorf("push to %s: %w", remote, err)
	}
	return results, nil
}

// parsePorcelain parses "git push --porcelain" status lines:
// "<flag>\t<from>:<to>\t<summary> (<reason>)".
func parsePorcelain(out string) []storage.PushResult {
	var results []storage.PushResult
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 || len(parts[0]) != 1 {
			continue
		}
		res := storage.PushResult{Refspec: parts[1]}
		if parts[0] == "!" {
			res.Rejected = true
			res.Reason = parts[2]
		}
		results = append(results, res)
	}
	return results
}
