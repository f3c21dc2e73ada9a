package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goeb/smit/internal/database"
	"github.com/goeb/smit/internal/entrylog"
	"github.com/goeb/smit/internal/storage"
)

// Push sends the local work of the clone in localDir to its remote.
// Issues known to the server go to their branch; issues created locally
// go to the server inbox, where they get their final id.
func (e *Engine) Push(ctx context.Context, localDir string, creds Credentials) (rep *Report, err error) {
	info, err := ReadCloneInfo(localDir)
	if err != nil {
		return nil, err
	}
	ctx, done := e.in.Start(ctx, "push", attribute.String("smit.remote", info.URL))
	defer func() { done(err) }()

	remote := e.openRemote(info.URL)
	rep = &Report{}
	err = e.withLock(ctx, localDir, func() error {
		perms, err := e.authenticate(ctx, remote, creds)
		if err != nil {
			return err
		}
		e.setState(Pushing)
		drv := remote.Driver(e.driver)

		for _, name := range perms.Readable() {
			dir := filepath.Join(localDir, filepath.FromSlash(name))
			if !perms.CanWrite(name) || !drv.Exists(dir) {
				continue
			}
			if err := e.pushProject(ctx, drv, remote, dir, name, rep); err != nil {
				return err
			}
		}
		if perms.Superadmin {
			for _, name := range []string{database.PublicDir, database.ConfigDir} {
				dir := filepath.Join(localDir, name)
				if !drv.Exists(dir) {
					continue
				}
				if err := e.pushArea(ctx, drv, remote, dir, name, rep); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	e.log.Info("push complete", "remote", info.URL, "projects", rep.Projects,
		"pushed", rep.Pushed, "failed", rep.Failed)
	return rep, nil
}

func (e *Engine) pushProject(ctx context.Context, drv storage.Driver, remote Remote, dir, name string, rep *Report) error {
	repo, err := e.open(ctx, drv, remote, dir, name)
	if err != nil {
		return err
	}
	remoteRoots, err := issueRoots(ctx, repo, storage.DefaultRemote)
	if err != nil {
		return err
	}

	var refspecs []string
	for id, err := range entrylog.ListIssues(ctx, repo, "") {
		if err != nil {
			return err
		}
		spec, err := e.issueRefspec(ctx, repo, id, remoteRoots)
		if err != nil {
			rep.fail("%s: issue %s: %v", name, id, err)
			continue
		}
		if spec != "" {
			refspecs = append(refspecs, spec)
		}
	}

	if spec, err := e.branchRefspec(ctx, repo, storage.ConfigBranch); err != nil {
		rep.fail("%s: %s: %v", name, storage.ConfigBranch, err)
	} else if spec != "" {
		refspecs = append(refspecs, spec)
	}
	if spec, err := e.notesRefspec(ctx, repo); err != nil {
		rep.fail("%s: tags: %v", name, err)
	} else if spec != "" {
		refspecs = append(refspecs, spec)
	}

	if err := e.pushRefspecs(ctx, repo, name, refspecs, rep); err != nil {
		return err
	}
	if len(refspecs) > 0 {
		if err := remote.AfterPush(ctx, name); err != nil {
			e.log.Warn("remote did not receive issues", "project", name, "error", err)
			rep.fail("%s: after push: %v", name, err)
		}
	}
	rep.Projects++
	return nil
}

// issueRefspec returns the refspec pushing issue id, or "" when the
// remote already has everything. An issue whose root the remote knows
// under the same id goes to its branch; anything else goes to the inbox.
func (e *Engine) issueRefspec(ctx context.Context, repo storage.Repository, id string, remoteRoots map[string]string) (string, error) {
	branch := storage.IssueBranch(id)
	root, err := repo.RootCommit(ctx, branch)
	if err != nil {
		return "", err
	}
	inbox := storage.LocalRef(branch) + ":" + storage.IncomingPrefix + id
	remoteID, known := remoteRoots[root]
	switch {
	case !known:
		return inbox, nil
	case remoteID == id:
		return e.branchRefspec(ctx, repo, branch)
	}

	// Received under another id and not pulled yet: only new entries
	// need to go through the inbox again.
	localTip, err := repo.ShowRef(ctx, branch)
	if err != nil {
		return "", err
	}
	remoteTip, err := repo.ShowRef(ctx, storage.RemoteRef(storage.DefaultRemote, storage.IssueBranch(remoteID)))
	if err != nil {
		return "", err
	}
	rel, err := relate(ctx, repo, localTip, remoteTip)
	if err != nil {
		return "", err
	}
	if rel == same || rel == behind {
		e.log.Debug("issue already received", "issue", id, "remote_id", remoteID)
		return "", nil
	}
	return inbox, nil
}

// branchRefspec returns the refspec pushing branch to the same name when
// the local branch has commits the remote lacks.
func (e *Engine) branchRefspec(ctx context.Context, repo storage.Repository, branch string) (string, error) {
	localTip, err := repo.ShowRef(ctx, branch)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	spec := storage.LocalRef(branch) + ":" + storage.LocalRef(branch)
	remoteTip, err := repo.ShowRef(ctx, storage.RemoteRef(storage.DefaultRemote, branch))
	if errors.Is(err, storage.ErrNotFound) {
		return spec, nil
	}
	if err != nil {
		return "", err
	}
	rel, err := relate(ctx, repo, localTip, remoteTip)
	if err != nil {
		return "", err
	}
	if rel == same || rel == behind {
		return "", nil
	}
	return spec, nil
}

// notesRefspec merges the fetched tags into the local ones and returns
// the refspec pushing them, or "" without local tags.
func (e *Engine) notesRefspec(ctx context.Context, repo storage.Repository) (string, error) {
	if err := repo.MergeNotes(ctx, storage.TagsNotesRef, storage.RemoteNotesRef(storage.DefaultRemote)); err != nil {
		return "", err
	}
	if _, err := repo.ShowRef(ctx, storage.TagsNotesRef); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return storage.TagsNotesRef + ":" + storage.TagsNotesRef, nil
}

func (e *Engine) pushRefspecs(ctx context.Context, repo storage.Repository, name string, refspecs []string, rep *Report) error {
	if len(refspecs) == 0 {
		e.log.Debug("nothing to push", "area", name)
		return nil
	}
	results, err := repo.Push(ctx, storage.DefaultRemote, refspecs)
	if err != nil {
		return fmt.Errorf("pushing %s: %w", name, err)
	}
	for _, res := range results {
		if res.Rejected {
			e.log.Warn("push rejected", "area", name, "refspec", res.Refspec, "reason", res.Reason)
			rep.fail("%s: %s rejected: %s", name, res.Refspec, res.Reason)
			continue
		}
		rep.Pushed++
	}
	return nil
}

// pushArea pushes every local branch of the public or config area.
func (e *Engine) pushArea(ctx context.Context, drv storage.Driver, remote Remote, dir, name string, rep *Report) error {
	repo, err := e.open(ctx, drv, remote, dir, name)
	if err != nil {
		return err
	}
	var refspecs []string
	for branch, err := range repo.ListBranches(ctx, "", "") {
		if err != nil {
			return fmt.Errorf("listing branches of %s: %w", name, err)
		}
		spec, err := e.branchRefspec(ctx, repo, branch)
		if err != nil {
			rep.fail("%s: %s: %v", name, branch, err)
			continue
		}
		if spec != "" {
			refspecs = append(refspecs, spec)
		}
	}
	return e.pushRefspecs(ctx, repo, name, refspecs, rep)
}
