package memory

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goeb/smit/internal/objstore"
	"github.com/goeb/smit/internal/storage"
)

func add(t *testing.T, r storage.Repository, branch, msg string, at int64, files ...storage.TreeFile) string {
	t.Helper()
	id, err := r.AddCommit(context.Background(), branch, storage.NewCommit{
		Author: "bob", Time: time.Unix(at, 0), Message: msg, Files: files,
	})
	require.NoError(t, err)
	return id
}

func messages(t *testing.T, r storage.Repository, ref string) []string {
	t.Helper()
	it, err := r.OpenLog(context.Background(), ref)
	require.NoError(t, err)
	defer it.Close()
	var out []string
	for {
		c, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c.Message)
	}
}

func TestCloneRebasePush(t *testing.T) {
	ctx := context.Background()
	net := NewNetwork()
	drv := net.Driver()
	root := t.TempDir()

	server, err := drv.Init(ctx, filepath.Join(root, "server"))
	require.NoError(t, err)
	blob, err := objstore.New(server.ObjectsDir(), objstore.Options{}).Write([]byte("log"))
	require.NoError(t, err)
	first := add(t, server, "issues/1", "root", 1, storage.TreeFile{Path: blob + "-x.log", BlobID: blob})
	add(t, server, "issues/1", "server", 3)

	clone, err := drv.Clone(ctx, server.Dir(), filepath.Join(root, "clone"))
	require.NoError(t, err)
	data, err := clone.ReadBlob(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "log", string(data))

	require.NoError(t, clone.UpdateRef(ctx, "issues/1", first, ""))
	local := add(t, clone, "issues/1", "local", 2)
	require.NoError(t, clone.WriteNote(ctx, storage.TagsNotesRef, local, "+tag x\n"))

	tip, err := clone.Rebase(ctx, "issues/1", storage.RemoteRef(storage.DefaultRemote, "issues/1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "server", "local"}, messages(t, clone, "issues/1"))
	note, err := clone.ReadNote(ctx, storage.TagsNotesRef, tip)
	require.NoError(t, err)
	assert.Equal(t, "+tag x\n", note)

	res, err := clone.Push(ctx, storage.DefaultRemote, []string{"issues/1:issues/1", storage.TagsNotesRef + ":" + storage.TagsNotesRef})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.False(t, res[0].Rejected)

	got, err := server.ShowRef(ctx, "issues/1")
	require.NoError(t, err)
	assert.Equal(t, tip, got)

	// A stale local branch is rejected without force.
	require.NoError(t, clone.UpdateRef(ctx, "issues/1", first, tip))
	add(t, clone, "issues/1", "diverged", 4)
	res, err = clone.Push(ctx, storage.DefaultRemote, []string{"issues/1:issues/1"})
	require.NoError(t, err)
	assert.True(t, res[0].Rejected)
}

func TestMergeNotesUnion(t *testing.T) {
	ctx := context.Background()
	drv := NewNetwork().Driver()
	r, err := drv.Init(ctx, t.TempDir())
	require.NoError(t, err)
	id := add(t, r, "issues/1", "a", 1)

	require.NoError(t, r.WriteNote(ctx, storage.TagsNotesRef, id, "+tag a\n"))
	require.NoError(t, r.WriteNote(ctx, storage.RemoteNotesRef("origin"), id, "+tag b\n"))
	require.NoError(t, r.MergeNotes(ctx, storage.TagsNotesRef, storage.RemoteNotesRef("origin")))

	body, err := r.ReadNote(ctx, storage.TagsNotesRef, id)
	require.NoError(t, err)
	assert.Equal(t, "+tag a\n+tag b\n", body)
}

func TestRenameBranchConflict(t *testing.T) {
	ctx := context.Background()
	r, err := NewNetwork().Driver().Init(ctx, t.TempDir())
	require.NoError(t, err)
	add(t, r, "issues/1", "a", 1)
	add(t, r, "issues/2", "b", 2)

	require.ErrorIs(t, r.RenameBranch(ctx, "issues/1", "issues/2"), storage.ErrConflict)
	require.NoError(t, r.RenameBranch(ctx, "issues/1", "issues/1.0"))

	var names []string
	for name, err := range r.ListBranches(ctx, "", storage.IssueBranchPrefix) {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"issues/1.0", "issues/2"}, names)
}
