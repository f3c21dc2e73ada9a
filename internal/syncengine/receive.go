package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goeb/smit/internal/entrylog"
	"github.com/goeb/smit/internal/lockfile"
	"github.com/goeb/smit/internal/storage"
)

// Inbox is the server-side project receiving pushed issues.
type Inbox interface {
	Name() string
	Repository() storage.Repository
	// AllocateID returns a fresh issue id of the project.
	AllocateID() string
	Reload(ctx context.Context) error
}

// Receive turns every refs/incoming/<id> of the project into an issue
// branch. An incoming branch sharing its root entry with an existing
// issue updates that issue; any other gets a freshly allocated id. The
// incoming refs are deleted and the project reloaded. It returns the
// number of incoming branches consumed.
func Receive(ctx context.Context, inbox Inbox, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	repo := inbox.Repository()
	incoming, err := repo.ListRefs(ctx, storage.IncomingPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing incoming issues: %w", err)
	}
	if len(incoming) == 0 {
		return 0, nil
	}

	byRoot, err := issueRoots(ctx, repo, "")
	if err != nil {
		return 0, err
	}

	var (
		received int
		errs     []error
	)
	for _, ref := range incoming {
		localID := strings.TrimPrefix(ref, storage.IncomingPrefix)
		id, err := receiveOne(ctx, repo, inbox, ref, byRoot)
		if err != nil {
			log.Warn("incoming issue not received", "project", inbox.Name(), "incoming", localID, "error", err)
			errs = append(errs, fmt.Errorf("incoming %s: %w", localID, err))
			continue
		}
		if err := repo.DeleteRef(ctx, ref); err != nil {
			errs = append(errs, err)
			continue
		}
		received++
		log.Info("issue received", "project", inbox.Name(), "incoming", localID, "issue", id)
	}

	if err := inbox.Reload(ctx); err != nil {
		errs = append(errs, err)
	}
	return received, errors.Join(errs...)
}

// ReceiveLocked runs Receive under the exclusive sync lock of the
// project directory, after reloading the project so that ids committed
// by an earlier receiver are known. A negative timeout waits
// lockfile.DefaultTimeout.
func ReceiveLocked(ctx context.Context, inbox Inbox, timeout time.Duration, log *slog.Logger) (int, error) {
	var n int
	err := lockfile.With(ctx, inbox.Repository().Dir(), timeout, func() error {
		if err := inbox.Reload(ctx); err != nil {
			return err
		}
		var err error
		n, err = Receive(ctx, inbox, log)
		return err
	})
	return n, err
}

func receiveOne(ctx context.Context, repo storage.Repository, inbox Inbox, ref string, byRoot map[string]string) (string, error) {
	tip, err := repo.ShowRef(ctx, ref)
	if err != nil {
		return "", err
	}
	root, err := repo.RootCommit(ctx, ref)
	if err != nil {
		return "", err
	}

	id, known := byRoot[root]
	if !known {
		id = inbox.AllocateID()
		if err := repo.UpdateRef(ctx, storage.IssueBranch(id), tip, ""); err != nil {
			return "", err
		}
		byRoot[root] = id
		return id, nil
	}

	branch := storage.IssueBranch(id)
	current, err := repo.ShowRef(ctx, branch)
	if err != nil {
		return "", err
	}
	switch rel, err := relate(ctx, repo, current, tip); {
	case err != nil:
		return "", err
	case rel == behind:
		return id, repo.UpdateRef(ctx, branch, tip, current)
	case rel == diverged:
		newTip, err := repo.Rebase(ctx, ref, branch)
		if err != nil {
			return "", err
		}
		return id, repo.UpdateRef(ctx, branch, newTip, current)
	}
	// Same or older than what the server has.
	return id, nil
}

// issueRoots maps the root commit of every issue branch (local, or
// tracking remote) to its issue id.
func issueRoots(ctx context.Context, repo storage.Repository, remote string) (map[string]string, error) {
	roots := make(map[string]string)
	for id, err := range entrylog.ListIssues(ctx, repo, remote) {
		if err != nil {
			return nil, err
		}
		ref := storage.IssueBranch(id)
		if remote != "" {
			ref = storage.RemoteRef(remote, ref)
		}
		root, err := repo.RootCommit(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("root of issue %s: %w", id, err)
		}
		roots[root] = id
	}
	return roots, nil
}

// relation is the position of a local tip relative to a remote one.
type relation int

const (
	same relation = iota
	behind
	ahead
	diverged
)

func relate(ctx context.Context, repo storage.Repository, local, remote string) (relation, error) {
	if local == remote {
		return same, nil
	}
	ok, err := repo.IsAncestor(ctx, local, remote)
	if err != nil {
		return 0, err
	}
	if ok {
		return behind, nil
	}
	ok, err = repo.IsAncestor(ctx, remote, local)
	if err != nil {
		return 0, err
	}
	if ok {
		return ahead, nil
	}
	return diverged, nil
}
