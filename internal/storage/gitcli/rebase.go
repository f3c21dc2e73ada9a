package gitcli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/goeb/smit/internal/storage"
)

// Rebase replays the commits of branch missing from onto on top of onto.
// It runs in a disposable detached worktree so no shared working copy is
// touched, keeps the local side of any content conflict and carries tag
// notes over to the rewritten commits. The worktree is removed whatever
// the outcome.
func (r *Repository) Rebase(ctx context.Context, branch, onto string) (string, error) {
	tip, err := r.ShowRef(ctx, branch)
	if err != nil {
		return "", err
	}
	base, err := r.ShowRef(ctx, onto)
	if err != nil {
		return "", err
	}

	work := filepath.Join(r.dir, "smit-rebase-"+uuid.NewString())
	if _, err := r.run(ctx, nil, "worktree", "add", "--detach", "--quiet", work, tip); err != nil {
		return "", fmt.Errorf("creating rebase worktree: %w", err)
	}
	defer func() {
		// Cleanup must run even if ctx was cancelled.
		cleanup := context.WithoutCancel(ctx)
		if _, err := r.run(cleanup, nil, "worktree", "remove", "--force", work); err != nil {
			r.log.Warn("failed to remove rebase worktree", "path", work, "error", err)
		}
		_, _ = r.run(cleanup, nil, "worktree", "prune")
	}()

	args := []string{
		"-c", "notes.rewriteRef=" + storage.TagsNotesRef,
		"-c", "notes.rewrite.rebase=true",
		"-c", "user.name=" + botName,
		"-c", "user.email=" + botEmail,
		"rebase", "--quiet", "--empty=keep", "--strategy-option=theirs", base,
	}
	if _, err := r.runIn(ctx, work, nil, nil, args...); err != nil {
		_, _ = r.runIn(context.WithoutCancel(ctx), work, nil, nil, "rebase", "--abort")
		return "", fmt.Errorf("rebase %s onto %s: %w: %w", branch, onto, storage.ErrConflict, err)
	}

	out, err := r.runIn(ctx, work, nil, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	newTip := strings.TrimSpace(out)
	if err := r.UpdateRef(ctx, branch, newTip, tip); err != nil {
		return "", err
	}
	r.log.Debug("rebased branch", "branch", branch, "onto", onto, "old", tip, "new", newTip)
	return newTip, nil
}
