package gitcli

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goeb/smit/internal/objstore"
	"github.com/goeb/smit/internal/storage"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	if !Available() {
		t.Skip("git not installed")
	}
	r, err := New(nil).Init(context.Background(), filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)
	return r.(*Repository)
}

func commit(t *testing.T, r storage.Repository, branch, msg string, at int64, files ...storage.TreeFile) string {
	t.Helper()
	id, err := r.AddCommit(context.Background(), branch, storage.NewCommit{
		Author:  "alice",
		Time:    time.Unix(at, 0),
		Message: msg,
		Files:   files,
	})
	require.NoError(t, err)
	return id
}

func readLog(t *testing.T, r storage.Repository, ref string) []*storage.Commit {
	t.Helper()
	it, err := r.OpenLog(context.Background(), ref)
	require.NoError(t, err)
	defer it.Close()
	var out []*storage.Commit
	for {
		c, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func TestAddCommitAndLog(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	first := commit(t, r, "issues/1", "+author alice\n", 1000)
	second := commit(t, r, "issues/1", "+author alice\nstatus open\n", 2000)

	log := readLog(t, r, "issues/1")
	require.Len(t, log, 2)
	assert.Equal(t, first, log[0].ID)
	assert.Empty(t, log[0].ParentID)
	assert.Equal(t, second, log[1].ID)
	assert.Equal(t, first, log[1].ParentID)
	assert.Equal(t, "alice", log[1].Author)
	assert.Equal(t, int64(2000), log[1].Time.Unix())
	assert.Contains(t, log[1].Message, "status open")

	root, err := r.RootCommit(ctx, "issues/1")
	require.NoError(t, err)
	assert.Equal(t, first, root)

	ok, err := r.IsAncestor(ctx, first, second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.IsAncestor(ctx, second, first)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttachedBlobsAccumulate(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	store := objstore.New(r.ObjectsDir(), objstore.Options{})

	blob, err := store.Write([]byte("attachment"))
	require.NoError(t, err)
	commit(t, r, "issues/1", "one\n", 1000, storage.TreeFile{Path: blob + "-a.txt", BlobID: blob})
	tip := commit(t, r, "issues/1", "two\n", 1001)

	out, err := r.run(ctx, nil, "ls-tree", "--name-only", tip)
	require.NoError(t, err)
	assert.Contains(t, out, blob+"-a.txt")

	data, err := r.ReadBlob(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "attachment", string(data))
}

func TestRefsAndBranches(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	_, err := r.ShowRef(ctx, "issues/1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	a := commit(t, r, "issues/1", "a\n", 1)
	commit(t, r, "issues/2", "b\n", 2)
	commit(t, r, storage.ConfigBranch, "c\n", 3)

	var names []string
	for name, err := range r.ListBranches(ctx, "", storage.IssueBranchPrefix) {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{"issues/1", "issues/2"}, names)

	require.ErrorIs(t, r.RenameBranch(ctx, "issues/1", "issues/2"), storage.ErrConflict)
	require.NoError(t, r.RenameBranch(ctx, "issues/1", "issues/1.0"))
	got, err := r.ShowRef(ctx, "issues/1.0")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	_, err = r.ShowRef(ctx, "issues/1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, r.UpdateRef(ctx, storage.IncomingPrefix+"9", a, ""))
	refs, err := r.ListRefs(ctx, storage.IncomingPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"refs/incoming/9"}, refs)
	require.NoError(t, r.DeleteRef(ctx, storage.IncomingPrefix+"9"))
	require.NoError(t, r.DeleteRef(ctx, storage.IncomingPrefix+"9"))

	require.ErrorIs(t, r.UpdateRef(ctx, "issues/2", a, a), storage.ErrConflict)
}

func TestNotes(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	id := commit(t, r, "issues/1", "a\n", 1)

	_, err := r.ReadNote(ctx, storage.TagsNotesRef, id)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, r.WriteNote(ctx, storage.TagsNotesRef, id, "+tag urgent\n"))
	body, err := r.ReadNote(ctx, storage.TagsNotesRef, id)
	require.NoError(t, err)
	assert.Equal(t, "+tag urgent\n", body)

	require.NoError(t, r.WriteNote(ctx, storage.TagsNotesRef, id, ""))
	_, err = r.ReadNote(ctx, storage.TagsNotesRef, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetchPushAndRebase(t *testing.T) {
	ctx := context.Background()
	server := newRepo(t)
	serverRoot := commit(t, server, "issues/1", "root\n", 1)
	commit(t, server, "issues/1", "server change\n", 3)

	clone, err := New(nil).Clone(ctx, server.Dir(), filepath.Join(t.TempDir(), "clone"))
	require.NoError(t, err)

	remoteTip, err := clone.ShowRef(ctx, storage.RemoteRef(storage.DefaultRemote, "issues/1"))
	require.NoError(t, err)

	// Local branch diverging from the server after the root.
	require.NoError(t, clone.UpdateRef(ctx, "issues/1", serverRoot, ""))
	local := commit(t, clone, "issues/1", "local change\n", 2)
	require.NoError(t, clone.WriteNote(ctx, storage.TagsNotesRef, local, "+tag mine\n"))

	newTip, err := clone.Rebase(ctx, "issues/1", storage.RemoteRef(storage.DefaultRemote, "issues/1"))
	require.NoError(t, err)
	ok, err := clone.IsAncestor(ctx, remoteTip, newTip)
	require.NoError(t, err)
	assert.True(t, ok)

	log := readLog(t, clone, "issues/1")
	require.Len(t, log, 3)
	assert.Contains(t, log[2].Message, "local change")
	body, err := clone.ReadNote(ctx, storage.TagsNotesRef, newTip)
	require.NoError(t, err)
	assert.Contains(t, body, "+tag mine")

	results, err := clone.Push(ctx, storage.DefaultRemote, []string{"refs/heads/issues/1:refs/heads/issues/1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Rejected)

	tip, err := server.ShowRef(ctx, "issues/1")
	require.NoError(t, err)
	assert.Equal(t, newTip, tip)

	matches, err := filepath.Glob(filepath.Join(clone.Dir(), "smit-rebase-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "rebase worktree must be removed")
}

func TestNotesWithoutGitIdentity(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(home, "none"))
	r := newRepo(t)
	id := commit(t, r, "issues/1", "a\n", 1)

	require.NoError(t, r.WriteNote(ctx, storage.TagsNotesRef, id, "+tag urgent\n"))
	require.NoError(t, r.WriteNote(ctx, "refs/notes/other", id, "+tag later\n"))
	require.NoError(t, r.MergeNotes(ctx, storage.TagsNotesRef, "refs/notes/other"))
	body, err := r.ReadNote(ctx, storage.TagsNotesRef, id)
	require.NoError(t, err)
	assert.Contains(t, body, "+tag urgent")
	assert.Contains(t, body, "+tag later")

	log := readLog(t, r, "issues/1")
	require.Len(t, log, 1)
	assert.Equal(t, "alice", log[0].Author)
}

func TestLogKeepsMessageBytes(t *testing.T) {
	r := newRepo(t)
	msg := "summary a\x1eb\n\x1f tail\n"
	commit(t, r, "issues/1", "first\n", 1)
	commit(t, r, "issues/1", msg, 2)
	commit(t, r, "issues/1", "third\n", 3)

	log := readLog(t, r, "issues/1")
	require.Len(t, log, 3)
	assert.Equal(t, "first\n", log[0].Message)
	assert.Contains(t, log[1].Message, "a\x1eb")
	assert.Equal(t, "third\n", log[2].Message)
	assert.Equal(t, int64(3), log[2].Time.Unix())
}

func TestLogSkipsCorruptCommit(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	tree, err := r.run(ctx, strings.NewReader(""), "mktree")
	require.NoError(t, err)
	raw := "tree " + strings.TrimSpace(tree) + "\n\nno author\n"
	out, err := r.run(ctx, strings.NewReader(raw), "hash-object", "-t", "commit", "-w", "--stdin", "--literally")
	require.NoError(t, err)
	corrupt := strings.TrimSpace(out)
	require.NoError(t, r.UpdateRef(ctx, "issues/1", corrupt, ""))
	good := commit(t, r, "issues/1", "after\n", 5)

	it, err := r.OpenLog(ctx, "issues/1")
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	var cerr *storage.CorruptCommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, corrupt, cerr.ID)

	c, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, good, c.ID)
	assert.Equal(t, corrupt, c.ParentID)

	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)
}
