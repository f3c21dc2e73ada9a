// Package entrylog maps issue entries onto commits of per-issue branches.
//
// Each issue lives on branch issues/<id>. Every commit on that branch is
// one Entry: the commit message is the serialized payload and the commit
// tree references the attached files. Tags are kept out of the payload,
// in notes attached to the entry's commit.
//
// The package provides no locking; callers serialize writes per project.
package entrylog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/goeb/smit/internal/idgen"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/types"
)

// DecodeError reports an entry whose payload could not be parsed. The log
// stays usable after it is returned.
type DecodeError struct {
	CommitID string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("entry %s: %v", e.CommitID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Log iterates the entries of one issue, oldest first. It is forward-only
// and cannot be restarted; open a new Log to re-scan.
type Log struct {
	issueID string
	it      storage.CommitIterator
}

// Open positions a Log at the oldest entry of issue id.
func Open(ctx context.Context, repo storage.Repository, issueID string) (*Log, error) {
	return OpenRef(ctx, repo, issueID, storage.IssueBranch(issueID))
}

// OpenRef opens the log of an arbitrary ref holding issue entries, such
// as a remote-tracking branch or a pushed incoming ref.
func OpenRef(ctx context.Context, repo storage.Repository, issueID, ref string) (*Log, error) {
	it, err := repo.OpenLog(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("opening log of issue %s: %w", issueID, err)
	}
	return &Log{issueID: issueID, it: it}, nil
}

// Next returns the next entry, or io.EOF after the newest one.
func (l *Log) Next() (*types.Entry, error) {
	c, err := l.it.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var cerr *storage.CorruptCommitError
		if errors.As(err, &cerr) {
			return nil, &DecodeError{CommitID: cerr.ID, Err: cerr.Err}
		}
		return nil, fmt.Errorf("reading log of issue %s: %w", l.issueID, err)
	}
	e, err := types.DecodePayload(c.Message)
	if err != nil {
		return nil, &DecodeError{CommitID: c.ID, Err: err}
	}
	e.ID = c.ID
	// The commit graph is authoritative: a rebase rewrites parents but
	// not the payload copy.
	e.ParentID = c.ParentID
	if e.Author == "" {
		e.Author = c.Author
	}
	if e.Ctime.IsZero() {
		e.Ctime = c.Time
	}
	return e, nil
}

// Close releases the underlying log reader.
func (l *Log) Close() error {
	return l.it.Close()
}

// All reads every entry of the log and closes it. Undecodable entries are
// passed to skip (when non-nil) and left out; any other error aborts.
func (l *Log) All(skip func(*DecodeError)) ([]*types.Entry, error) {
	defer l.Close()
	var entries []*types.Entry
	for {
		e, err := l.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		var derr *DecodeError
		if errors.As(err, &derr) && skip != nil {
			skip(derr)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

// AppendRequest describes a new entry.
type AppendRequest struct {
	Author     string
	Time       time.Time
	Properties types.Properties
	Message    string
	Files      []types.AttachedFileRef
	Amends     string
}

// Append commits a new entry on the branch of issueID, creating the branch
// when absent, and returns the committed entry. Attached files must
// already be in the repository's object store.
func Append(ctx context.Context, repo storage.Repository, issueID string, req AppendRequest) (*types.Entry, error) {
	branch := storage.IssueBranch(issueID)
	parent, err := repo.ShowRef(ctx, branch)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	e := &types.Entry{
		ParentID:   parent,
		Author:     req.Author,
		Ctime:      req.Time.UTC().Truncate(time.Second),
		Properties: req.Properties.Clone(),
		Message:    req.Message,
		Files:      slices.Clone(req.Files),
		Amends:     req.Amends,
	}
	files := make([]storage.TreeFile, len(e.Files))
	for i, f := range e.Files {
		files[i] = storage.TreeFile{Path: f.TreePath(), BlobID: f.ID}
	}

	id, err := repo.AddCommit(ctx, branch, storage.NewCommit{
		Author:  e.Author,
		Time:    e.Ctime,
		Message: types.EncodePayload(e),
		Files:   files,
	})
	if err != nil {
		return nil, fmt.Errorf("appending entry to issue %s: %w", issueID, err)
	}
	e.ID = id
	return e, nil
}

// ListIssues yields the ids of the issue branches of repo, local when
// remote is empty or tracking remote otherwise. Branches whose name is not
// a valid issue id are skipped.
func ListIssues(ctx context.Context, repo storage.Repository, remote string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for name, err := range repo.ListBranches(ctx, remote, storage.IssueBranchPrefix) {
			if err != nil {
				yield("", fmt.Errorf("listing issues: %w", err))
				return
			}
			id := strings.TrimPrefix(name, storage.IssueBranchPrefix)
			if !idgen.Valid(id) {
				continue
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// ReadTags returns the tags attached to entryID.
func ReadTags(ctx context.Context, repo storage.Repository, entryID string) ([]string, error) {
	body, err := repo.ReadNote(ctx, storage.TagsNotesRef, entryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tags of %s: %w", entryID, err)
	}
	rec, err := types.DecodeTagRecord(body)
	if err != nil {
		return nil, fmt.Errorf("decoding tags of %s: %w", entryID, err)
	}
	return rec.Tags, nil
}

// WriteTags replaces the tags attached to entryID. An empty set removes
// the note.
func WriteTags(ctx context.Context, repo storage.Repository, entryID string, tags []string) error {
	body := types.EncodeTagRecord(types.TagRecord{Target: entryID, Tags: tags})
	if err := repo.WriteNote(ctx, storage.TagsNotesRef, entryID, body); err != nil {
		return fmt.Errorf("writing tags of %s: %w", entryID, err)
	}
	return nil
}
