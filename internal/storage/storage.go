// Package storage defines the narrow version-control interface that the
// issue engine is written against.
//
// The concrete implementation used in production lives in the gitcli
// sub-package (git child processes). The memory sub-package provides a
// deterministic in-memory fake with the same contract for tests.
// Project and SyncEngine code only ever see Repository and Driver.
package storage

import (
	"context"
	"iter"
	"strings"
	"time"
)

// Reference namespaces shared by every backend.
const (
	IssueBranchPrefix = "issues/"
	ConfigBranch      = "config"
	TagsNotesRef      = "refs/notes/tags"
	IncomingPrefix    = "refs/incoming/"

	// DefaultRemote is the name under which a clone tracks its server.
	DefaultRemote = "origin"
)

// IssueBranch returns the branch name holding the history of issue id.
func IssueBranch(id string) string {
	return IssueBranchPrefix + id
}

// NewCommit describes a commit to append to a branch.
type NewCommit struct {
	Author  string
	Time    time.Time
	Message string
	// Files are added to the commit tree on top of the parent's tree,
	// keyed by tree path. The blob must already exist in the object
	// database (see objstore).
	Files []TreeFile
}

// TreeFile is one blob referenced from a commit tree.
type TreeFile struct {
	Path   string
	BlobID string
}

// Commit is a commit as read back from a log.
type Commit struct {
	ID       string
	ParentID string
	Author   string
	Time     time.Time
	Message  string
}

// CommitIterator yields commits oldest to newest. Next returns io.EOF
// once exhausted. Iterators are forward-only and cannot be restarted.
type CommitIterator interface {
	Next() (*Commit, error)
	Close() error
}

// PushResult reports the outcome of one refspec of a push.
type PushResult struct {
	Refspec  string
	Rejected bool
	Reason   string
}

// Repository is one version-controlled repository (one per project, plus
// the public and repository-wide config areas).
type Repository interface {
	// Dir returns the working directory of the repository.
	Dir() string
	// ObjectsDir returns the directory of the loose object database.
	ObjectsDir() string

	// History
	OpenLog(ctx context.Context, ref string) (CommitIterator, error)
	AddCommit(ctx context.Context, branch string, c NewCommit) (string, error)
	RootCommit(ctx context.Context, ref string) (string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)

	// References. remote == "" lists local branches.
	ListBranches(ctx context.Context, remote, prefix string) iter.Seq2[string, error]
	ShowRef(ctx context.Context, ref string) (string, error)
	ListRefs(ctx context.Context, prefix string) ([]string, error)
	UpdateRef(ctx context.Context, ref, newID, oldID string) error
	DeleteRef(ctx context.Context, ref string) error
	RenameBranch(ctx context.Context, from, to string) error

	// ReadBlob reads a blob from the object database, packed or loose.
	ReadBlob(ctx context.Context, id string) ([]byte, error)

	// Rebase replays the commits of branch that are not in onto on top of
	// onto, keeping local content on conflict, and advances branch. It
	// must never touch a working copy that readers might be using.
	Rebase(ctx context.Context, branch, onto string) (string, error)

	// Side-channel notes. Writing an empty body removes the note.
	ReadNote(ctx context.Context, notesRef, commit string) (string, error)
	WriteNote(ctx context.Context, notesRef, commit, body string) error
	MergeNotes(ctx context.Context, notesRef, otherRef string) error

	// Transport
	AddRemote(ctx context.Context, name, url string) error
	Fetch(ctx context.Context, remote string) error
	Push(ctx context.Context, remote string, refspecs []string) ([]PushResult, error)
}

// Driver opens, creates and clones repositories.
type Driver interface {
	Open(dir string) (Repository, error)
	Init(ctx context.Context, dir string) (Repository, error)
	Clone(ctx context.Context, url, dir string) (Repository, error)
	// Exists reports whether dir holds a repository.
	Exists(dir string) bool
	// WithHTTPHeaders returns a driver whose repositories send the given
	// extra headers on every HTTP transport operation (session cookies).
	WithHTTPHeaders(headers ...string) Driver
}

// RemoteRef returns the remote-tracking ref name for branch on remote.
func RemoteRef(remote, branch string) string {
	return "refs/remotes/" + remote + "/" + branch
}

// RemoteNotesRef returns the ref holding the tag notes fetched from remote.
func RemoteNotesRef(remote string) string {
	return "refs/notes/remotes/" + remote + "/tags"
}

// FullRef expands a branch name into a full ref; names already starting
// with "refs/" are returned unchanged.
func FullRef(name string) string {
	if strings.HasPrefix(name, "refs/") {
		return name
	}
	return LocalRef(name)
}

// LocalRef returns the full ref name of a local branch.
func LocalRef(branch string) string {
	return "refs/heads/" + branch
}
