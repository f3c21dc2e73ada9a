package syncengine

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goeb/smit/internal/storage"
)

// Role is the access level of a user on one project.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReadWrite Role = "rw"
	RoleReadOnly  Role = "ro"
	// RoleReference grants read access for association lookups only.
	RoleReference Role = "ref"
)

// CanRead reports whether r allows cloning and pulling.
func (r Role) CanRead() bool {
	switch r {
	case RoleAdmin, RoleReadWrite, RoleReadOnly, RoleReference:
		return true
	}
	return false
}

// CanWrite reports whether r allows pushing.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleReadWrite
}

// Permissions are the rights of the authenticated user on the remote.
type Permissions struct {
	Superadmin bool `json:"superadmin"`
	// Public and Config report whether the remote serves the public
	// area and the repository config area.
	Public   bool            `json:"public"`
	Config   bool            `json:"config"`
	Projects map[string]Role `json:"projects"`
}

// Readable returns the projects the user may read, sorted.
func (p *Permissions) Readable() []string {
	var names []string
	for name, role := range p.Projects {
		if p.Superadmin || role.CanRead() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// CanWrite reports whether the user may push to project name.
func (p *Permissions) CanWrite(name string) bool {
	return p.Superadmin || p.Projects[name].CanWrite()
}

// Remote is the server side of a transfer.
type Remote interface {
	// URL identifies the remote, as recorded in the clone metadata.
	URL() string
	Authenticate(ctx context.Context, creds Credentials) error
	Permissions(ctx context.Context) (*Permissions, error)
	// RepoURL returns the fetch/push URL of a project, the public area
	// or the repository config area.
	RepoURL(name string) string
	// Driver returns base configured to authenticate to the remote.
	Driver(base storage.Driver) storage.Driver
	// AfterPush runs once the branches of project name were pushed.
	AfterPush(ctx context.Context, name string) error
}

// RemoteOptions configure the remotes built by OpenRemote.
type RemoteOptions struct {
	// Driver opens the repositories of a directory remote.
	Driver storage.Driver
	Logger *slog.Logger
	// Client is the HTTP client of server remotes (default: one with
	// Timeout).
	Client  *http.Client
	Timeout time.Duration
	// MaxElapsed bounds the retries of one HTTP exchange.
	MaxElapsed time.Duration
}

// OpenRemote returns the remote for url: HTTP(S) URLs reach a smit
// server, anything else is a local directory.
func OpenRemote(url string, opts RemoteOptions) Remote {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return NewHTTPRemote(url, opts)
	}
	return NewPathRemote(url, opts.Driver, opts.Logger)
}
