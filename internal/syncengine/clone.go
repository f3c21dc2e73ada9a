package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/goeb/smit/internal/database"
	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/storage"
)

// CloneInfoFile is the metadata file written at the top of a clone.
const CloneInfoFile = ".smitclone.yaml"

// CloneInfo records where a clone comes from.
type CloneInfo struct {
	URL        string    `yaml:"url"`
	User       string    `yaml:"user,omitempty"`
	Superadmin bool      `yaml:"superadmin,omitempty"`
	Projects   []string  `yaml:"projects,omitempty"`
	ClonedAt   time.Time `yaml:"cloned_at"`
	PulledAt   time.Time `yaml:"pulled_at,omitempty"`
}

// ReadCloneInfo reads the clone metadata of localDir.
func ReadCloneInfo(localDir string) (*CloneInfo, error) {
	path := filepath.Join(localDir, CloneInfoFile)
	data, err := os.ReadFile(path) // #nosec G304 -- clone directory is given by the user
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.NotFoundf("%s is not a smit clone", localDir)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var info CloneInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, storage.Validationf("%s: %v", path, err)
	}
	if info.URL == "" {
		return nil, storage.Validationf("%s: missing url", path)
	}
	return &info, nil
}

// WriteCloneInfo replaces the clone metadata of localDir.
func WriteCloneInfo(localDir string, info *CloneInfo) error {
	data, err := yaml.Marshal(info)
	if err != nil {
		return err
	}
	path := filepath.Join(localDir, CloneInfoFile)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Clone copies every area of the remote at remoteURL readable by creds
// into localDir: the public area, the projects and, for superadmins, the
// repository config area.
func (e *Engine) Clone(ctx context.Context, remoteURL, localDir string, creds Credentials) (rep *Report, err error) {
	ctx, done := e.in.Start(ctx, "clone", attribute.String("smit.remote", remoteURL))
	defer func() { done(err) }()

	if _, err := ReadCloneInfo(localDir); err == nil {
		return nil, fmt.Errorf("%s: %w", localDir, storage.ErrAlreadyExists)
	}
	remote := e.openRemote(remoteURL)
	rep = &Report{}
	err = e.withLock(ctx, localDir, func() error {
		perms, err := e.authenticate(ctx, remote, creds)
		if err != nil {
			return err
		}
		e.setState(Cloning)
		drv := remote.Driver(e.driver)

		if perms.Public {
			if err := e.cloneRepo(ctx, drv, remote, localDir, database.PublicDir, rep); err != nil {
				return err
			}
		}
		projects := perms.Readable()
		for _, name := range projects {
			if err := e.cloneRepo(ctx, drv, remote, localDir, name, rep); err != nil {
				return err
			}
		}
		if perms.Superadmin && perms.Config {
			if err := e.cloneRepo(ctx, drv, remote, localDir, database.ConfigDir, rep); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		return WriteCloneInfo(localDir, &CloneInfo{
			URL:        remote.URL(),
			User:       creds.User,
			Superadmin: perms.Superadmin,
			Projects:   projects,
			ClonedAt:   now,
			PulledAt:   now,
		})
	})
	if err != nil {
		return rep, err
	}
	e.log.Info("clone complete", "remote", remote.URL(), "dir", localDir, "projects", rep.Projects)
	return rep, nil
}

// cloneRepo clones one area and creates a local branch for every branch
// of the remote. Projects also get their config file written.
func (e *Engine) cloneRepo(ctx context.Context, drv storage.Driver, remote Remote, localDir, name string, rep *Report) error {
	dir := filepath.Join(localDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dir), err)
	}
	repo, err := drv.Clone(ctx, remote.RepoURL(name), dir)
	if err != nil {
		return fmt.Errorf("cloning %s: %w", name, err)
	}
	e.log.Debug("cloned", "area", name, "dir", dir)

	e.setState(Reconciling)
	defer e.setState(Cloning)
	if err := e.alignAll(ctx, repo, name, "", false, rep); err != nil {
		return err
	}
	if err := repo.MergeNotes(ctx, storage.TagsNotesRef, storage.RemoteNotesRef(storage.DefaultRemote)); err != nil {
		rep.fail("%s: merging tags: %v", name, err)
	}
	if name == database.PublicDir || name == database.ConfigDir {
		return nil
	}
	if err := writeProjectConfig(ctx, repo); err != nil {
		return fmt.Errorf("project %s: %w", name, err)
	}
	rep.Projects++
	return nil
}

// writeProjectConfig rewrites the config file of the project in repo
// from its config branch, or the default configuration without one.
func writeProjectConfig(ctx context.Context, repo storage.Repository) error {
	cfg, err := projectconfig.ReadRef(ctx, repo, storage.ConfigBranch)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if projectconfig.Exists(repo.Dir()) {
			return nil
		}
		cfg = projectconfig.Default()
	case err != nil:
		return err
	}
	return projectconfig.Save(repo.Dir(), cfg)
}
