package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/database"
	"github.com/goeb/smit/internal/idgen"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/types"
)

// Pull brings the clone in localDir up to date with its remote. Projects
// that became readable since the last transfer are cloned.
func (e *Engine) Pull(ctx context.Context, localDir string, creds Credentials) (rep *Report, err error) {
	info, err := ReadCloneInfo(localDir)
	if err != nil {
		return nil, err
	}
	ctx, done := e.in.Start(ctx, "pull", attribute.String("smit.remote", info.URL))
	defer func() { done(err) }()

	remote := e.openRemote(info.URL)
	rep = &Report{}
	err = e.withLock(ctx, localDir, func() error {
		perms, err := e.authenticate(ctx, remote, creds)
		if err != nil {
			return err
		}
		drv := remote.Driver(e.driver)

		if perms.Public {
			if err := e.pullArea(ctx, drv, remote, localDir, database.PublicDir, rep); err != nil {
				return err
			}
		}
		projects := perms.Readable()
		for _, name := range projects {
			dir := filepath.Join(localDir, filepath.FromSlash(name))
			if !drv.Exists(dir) {
				e.setState(Cloning)
				if err := e.cloneRepo(ctx, drv, remote, localDir, name, rep); err != nil {
					return err
				}
				continue
			}
			if err := e.pullProject(ctx, drv, remote, dir, name, rep); err != nil {
				return err
			}
		}
		if perms.Superadmin && perms.Config {
			if err := e.pullArea(ctx, drv, remote, localDir, database.ConfigDir, rep); err != nil {
				return err
			}
		}

		info.Superadmin = perms.Superadmin
		info.Projects = projects
		info.PulledAt = time.Now().UTC()
		return WriteCloneInfo(localDir, info)
	})
	if err != nil {
		return rep, err
	}
	e.log.Info("pull complete", "remote", info.URL, "projects", rep.Projects,
		"renamed", rep.Renamed, "rebased", rep.Rebased, "failed", rep.Failed)
	return rep, nil
}

// open returns the repository of one area of the clone, pointed at its
// remote URL, after a fetch.
func (e *Engine) open(ctx context.Context, drv storage.Driver, remote Remote, dir, name string) (storage.Repository, error) {
	repo, err := drv.Open(dir)
	if err != nil {
		return nil, err
	}
	if err := repo.AddRemote(ctx, storage.DefaultRemote, remote.RepoURL(name)); err != nil {
		return nil, err
	}
	if err := repo.Fetch(ctx, storage.DefaultRemote); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", name, err)
	}
	return repo, nil
}

// pullArea fast-forwards every branch of the public or config area.
func (e *Engine) pullArea(ctx context.Context, drv storage.Driver, remote Remote, localDir, name string, rep *Report) error {
	dir := filepath.Join(localDir, name)
	if !drv.Exists(dir) {
		e.setState(Cloning)
		return e.cloneRepo(ctx, drv, remote, localDir, name, rep)
	}
	e.setState(Pulling)
	repo, err := e.open(ctx, drv, remote, dir, name)
	if err != nil {
		return err
	}
	e.setState(Reconciling)
	return e.alignAll(ctx, repo, name, "", false, rep)
}

func (e *Engine) pullProject(ctx context.Context, drv storage.Driver, remote Remote, dir, name string, rep *Report) error {
	e.setState(Pulling)
	repo, err := e.open(ctx, drv, remote, dir, name)
	if err != nil {
		return err
	}

	e.setState(Reconciling)
	if err := repo.MergeNotes(ctx, storage.TagsNotesRef, storage.RemoteNotesRef(storage.DefaultRemote)); err != nil {
		e.log.Warn("tags not merged", "project", name, "error", err)
		rep.fail("%s: merging tags: %v", name, err)
	}
	if err := e.alignConfig(ctx, repo, name, rep); err != nil {
		return err
	}
	if err := writeProjectConfig(ctx, repo); err != nil {
		e.log.Warn("project config not written", "project", name, "error", err)
		rep.fail("%s: writing project config: %v", name, err)
	}
	if err := e.reconcileIssues(ctx, repo, name, rep); err != nil {
		return err
	}
	rep.Projects++
	return nil
}

// alignAll aligns every remote branch whose name starts with prefix.
// Branch failures are reported, not returned.
func (e *Engine) alignAll(ctx context.Context, repo storage.Repository, area, prefix string, rebase bool, rep *Report) error {
	var branches []string
	for name, err := range repo.ListBranches(ctx, storage.DefaultRemote, prefix) {
		if err != nil {
			return fmt.Errorf("listing branches of %s: %w", area, err)
		}
		if name != "HEAD" {
			branches = append(branches, name)
		}
	}
	for _, branch := range branches {
		if err := e.alignBranch(ctx, repo, branch, rebase, rep); err != nil {
			e.log.Warn("branch not updated", "area", area, "branch", branch, "error", err)
			rep.fail("%s: %s: %v", area, branch, err)
		}
	}
	return nil
}

// alignConfig aligns the config branch alone, when the remote has one.
func (e *Engine) alignConfig(ctx context.Context, repo storage.Repository, area string, rep *Report) error {
	_, err := repo.ShowRef(ctx, storage.RemoteRef(storage.DefaultRemote, storage.ConfigBranch))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config branch of %s: %w", area, err)
	}
	if err := e.alignBranch(ctx, repo, storage.ConfigBranch, true, rep); err != nil {
		e.log.Warn("branch not updated", "area", area, "branch", storage.ConfigBranch, "error", err)
		rep.fail("%s: %s: %v", area, storage.ConfigBranch, err)
	}
	return nil
}

// alignBranch brings a local branch up to date with its remote-tracking
// branch: adopt when missing, fast-forward when behind, and when both
// sides moved, rebase the local commits on the remote ones if allowed.
func (e *Engine) alignBranch(ctx context.Context, repo storage.Repository, branch string, rebase bool, rep *Report) error {
	remoteRef := storage.RemoteRef(storage.DefaultRemote, branch)
	remoteTip, err := repo.ShowRef(ctx, remoteRef)
	if err != nil {
		return err
	}
	localTip, err := repo.ShowRef(ctx, branch)
	if errors.Is(err, storage.ErrNotFound) {
		if err := repo.UpdateRef(ctx, branch, remoteTip, ""); err != nil {
			return err
		}
		rep.Adopted++
		return nil
	}
	if err != nil {
		return err
	}

	rel, err := relate(ctx, repo, localTip, remoteTip)
	if err != nil {
		return err
	}
	switch rel {
	case behind:
		if err := repo.UpdateRef(ctx, branch, remoteTip, localTip); err != nil {
			return err
		}
		rep.FastForwarded++
	case diverged:
		if !rebase {
			return fmt.Errorf("%s has diverged from %s: %w", branch, storage.DefaultRemote, storage.ErrConflict)
		}
		if _, err := repo.Rebase(ctx, branch, remoteRef); err != nil {
			return err
		}
		rep.Rebased++
		e.log.Debug("rebased", "branch", branch)
	}
	return nil
}

// reconcileIssues aligns the local issue branches with the remote ones.
//
// A remote issue whose root entry is held locally under another id was
// renumbered by the server: the local branch is renamed to the remote id,
// after moving aside whatever local issue held that id. Then every
// remote issue is aligned; a local issue holding the same id with a
// different root is moved aside first.
func (e *Engine) reconcileIssues(ctx context.Context, repo storage.Repository, name string, rep *Report) error {
	remoteRoots, err := issueRoots(ctx, repo, storage.DefaultRemote)
	if err != nil {
		return err
	}
	localRoots, err := issueRoots(ctx, repo, "")
	if err != nil {
		return err
	}
	localIDs := make(map[string]string, len(localRoots))
	for root, id := range localRoots {
		localIDs[id] = root
	}
	remoteIDs := make(map[string]string, len(remoteRoots))
	var ids []string
	for root, id := range remoteRoots {
		remoteIDs[id] = root
		ids = append(ids, id)
	}
	slices.SortFunc(ids, types.CompareIDs)

	rename := func(from, to string) error {
		if err := repo.RenameBranch(ctx, storage.IssueBranch(from), storage.IssueBranch(to)); err != nil {
			return err
		}
		root := localIDs[from]
		delete(localIDs, from)
		localIDs[to] = root
		localRoots[root] = to
		rep.Renamed++
		e.log.Info("issue renamed", "project", name, "from", from, "to", to)
		return nil
	}
	moveAside := func(id string) error {
		free, err := idgen.FreeSuffix(ctx, id, func(ctx context.Context, candidate string) (bool, error) {
			_, err := repo.ShowRef(ctx, storage.IssueBranch(candidate))
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		})
		if err != nil {
			return err
		}
		return rename(id, free)
	}

	for _, rid := range ids {
		lid, ok := localRoots[remoteIDs[rid]]
		if !ok || lid == rid {
			continue
		}
		if _, taken := localIDs[rid]; taken {
			if err := moveAside(rid); err != nil {
				rep.fail("%s: issue %s: %v", name, rid, err)
				continue
			}
		}
		if err := rename(lid, rid); err != nil {
			rep.fail("%s: issue %s: renaming to %s: %v", name, lid, rid, err)
		}
	}

	for _, rid := range ids {
		if root, ok := localIDs[rid]; ok && root != remoteIDs[rid] {
			if err := moveAside(rid); err != nil {
				rep.fail("%s: issue %s: %v", name, rid, err)
				continue
			}
		}
		if err := e.alignBranch(ctx, repo, storage.IssueBranch(rid), true, rep); err != nil {
			e.log.Warn("issue not updated", "project", name, "issue", rid, "error", err)
			rep.fail("%s: issue %s: %v", name, rid, err)
		}
	}
	return nil
}
