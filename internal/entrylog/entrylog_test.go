package entrylog

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/storage/memory"
	"github.com/goeb/smit/internal/types"
)

func newRepo(t *testing.T) storage.Repository {
	t.Helper()
	r, err := memory.NewNetwork().Driver().Init(context.Background(), t.TempDir())
	require.NoError(t, err)
	return r
}

func TestAppendAndReadBack(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 500, time.UTC)

	var props types.Properties
	props.Set("summary", []string{"printer on fire"})
	props.Set("status", []string{"open"})
	first, err := Append(ctx, repo, "1", AppendRequest{Author: "alice", Time: at, Properties: props, Message: "see attached"})
	require.NoError(t, err)
	assert.Empty(t, first.ParentID)

	var change types.Properties
	change.Set("status", []string{"closed"})
	second, err := Append(ctx, repo, "1", AppendRequest{Author: "bob", Time: at.Add(time.Hour), Properties: change})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ParentID)

	log, err := Open(ctx, repo, "1")
	require.NoError(t, err)
	e, err := log.Next()
	require.NoError(t, err)
	assert.Equal(t, first.ID, e.ID)
	assert.Equal(t, "alice", e.Author)
	assert.Equal(t, at.Truncate(time.Second), e.Ctime)
	assert.Equal(t, "see attached", e.Message)
	assert.Equal(t, []string{"summary", "status"}, e.Properties.Names())

	e, err = log.Next()
	require.NoError(t, err)
	assert.Equal(t, second.ID, e.ID)
	assert.Equal(t, first.ID, e.ParentID)
	assert.Equal(t, "closed", e.Properties.First("status"))

	_, err = log.Next()
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, log.Close())
}

func TestOpenMissingIssue(t *testing.T) {
	_, err := Open(context.Background(), newRepo(t), "42")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAllSkipsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	_, err := Append(ctx, repo, "1", AppendRequest{Author: "a", Time: time.Unix(1, 0), Message: "ok"})
	require.NoError(t, err)
	_, err = repo.AddCommit(ctx, storage.IssueBranch("1"), storage.NewCommit{Author: "a", Time: time.Unix(2, 0), Message: "summary \"unterminated\n"})
	require.NoError(t, err)

	log, err := Open(ctx, repo, "1")
	require.NoError(t, err)
	var skipped []*DecodeError
	entries, err := log.All(func(e *DecodeError) { skipped = append(skipped, e) })
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	require.Len(t, skipped, 1)
}

// corruptFirst reports the first commit of every log as unparsable.
type corruptFirst struct {
	storage.Repository
}

func (r corruptFirst) OpenLog(ctx context.Context, ref string) (storage.CommitIterator, error) {
	it, err := r.Repository.OpenLog(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &corruptIterator{CommitIterator: it}, nil
}

type corruptIterator struct {
	storage.CommitIterator
	seen bool
}

func (it *corruptIterator) Next() (*storage.Commit, error) {
	c, err := it.CommitIterator.Next()
	if err != nil || it.seen {
		return c, err
	}
	it.seen = true
	return nil, &storage.CorruptCommitError{ID: c.ID, Err: errors.New("commit has no author")}
}

func TestAllSkipsCorruptCommits(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	first, err := Append(ctx, repo, "1", AppendRequest{Author: "a", Time: time.Unix(1, 0), Message: "lost"})
	require.NoError(t, err)
	_, err = Append(ctx, repo, "1", AppendRequest{Author: "a", Time: time.Unix(2, 0), Message: "kept"})
	require.NoError(t, err)

	log, err := Open(ctx, corruptFirst{repo}, "1")
	require.NoError(t, err)
	var skipped []*DecodeError
	entries, err := log.All(func(e *DecodeError) { skipped = append(skipped, e) })
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
	require.Len(t, skipped, 1)
	assert.Equal(t, first.ID, skipped[0].CommitID)
}

func TestListIssues(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	for _, id := range []string{"1", "2", "2.0"} {
		_, err := Append(ctx, repo, id, AppendRequest{Author: "a", Time: time.Unix(1, 0)})
		require.NoError(t, err)
	}
	_, err := repo.AddCommit(ctx, storage.IssueBranch("not-an-id"), storage.NewCommit{Author: "a", Time: time.Unix(1, 0)})
	require.NoError(t, err)

	var ids []string
	for id, err := range ListIssues(ctx, repo, "") {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"1", "2", "2.0"}, ids)
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	e, err := Append(ctx, repo, "1", AppendRequest{Author: "a", Time: time.Unix(1, 0)})
	require.NoError(t, err)

	tags, err := ReadTags(ctx, repo, e.ID)
	require.NoError(t, err)
	assert.Empty(t, tags)

	require.NoError(t, WriteTags(ctx, repo, e.ID, []string{"urgent"}))
	tags, err = ReadTags(ctx, repo, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent"}, tags)

	require.NoError(t, WriteTags(ctx, repo, e.ID, nil))
	_, err = repo.ReadNote(ctx, storage.TagsNotesRef, e.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
