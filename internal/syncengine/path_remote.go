package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goeb/smit/internal/database"
	"github.com/goeb/smit/internal/storage"
)

// PathRemote is a repository root in a local directory. The caller is
// superadmin over it, and it plays the server itself after a push.
type PathRemote struct {
	root   string
	driver storage.Driver
	log    *slog.Logger
}

var _ Remote = (*PathRemote)(nil)

// NewPathRemote returns the remote for the repository root at dir.
func NewPathRemote(dir string, driver storage.Driver, log *slog.Logger) *PathRemote {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if log == nil {
		log = slog.Default()
	}
	return &PathRemote{root: filepath.Clean(dir), driver: driver, log: log}
}

func (r *PathRemote) URL() string { return r.root }

// Authenticate only checks that the root is there.
func (r *PathRemote) Authenticate(context.Context, Credentials) error {
	fi, err := os.Stat(r.root)
	if err != nil {
		return fmt.Errorf("remote %s: %v: %w", r.root, err, storage.ErrTransport)
	}
	if !fi.IsDir() {
		return fmt.Errorf("remote %s is not a directory: %w", r.root, storage.ErrTransport)
	}
	return nil
}

func (r *PathRemote) Permissions(context.Context) (*Permissions, error) {
	dirs, err := database.Scan(r.root, true, r.driver.Exists)
	if err != nil {
		return nil, err
	}
	perms := &Permissions{
		Superadmin: true,
		Public:     r.driver.Exists(filepath.Join(r.root, database.PublicDir)),
		Config:     r.driver.Exists(filepath.Join(r.root, database.ConfigDir)),
		Projects:   make(map[string]Role, len(dirs)),
	}
	for _, dir := range dirs {
		perms.Projects[database.ProjectName(r.root, dir)] = RoleAdmin
	}
	return perms, nil
}

func (r *PathRemote) RepoURL(name string) string {
	return filepath.Join(r.root, filepath.FromSlash(name))
}

func (r *PathRemote) Driver(base storage.Driver) storage.Driver { return base }

// AfterPush loads the remote root and receives the incoming issues of
// project name, numbering them as the server would.
func (r *PathRemote) AfterPush(ctx context.Context, name string) error {
	if name == database.PublicDir || name == database.ConfigDir {
		return nil
	}
	db := database.New(r.driver, database.Options{Logger: r.log})
	if err := db.LoadProjects(ctx, r.root, true); err != nil {
		r.log.Warn("remote root partially loaded", "root", r.root, "error", err)
	}
	p, err := db.Project(name)
	if err != nil {
		return err
	}
	n, err := ReceiveLocked(ctx, p, -1, r.log)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("issues received", "project", name, "count", n)
	}
	return nil
}
