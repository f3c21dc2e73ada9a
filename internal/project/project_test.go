package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goeb/smit/internal/projectconfig"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/storage/memory"
	"github.com/goeb/smit/internal/types"
)

const testConfig = `
properties:
  - name: status
    type: select
    options: [open, closed]
  - name: owner
    type: selectUser
  - name: blocks
    type: association
    reverseLabel: Blocked by
tags:
  - name: urgent
`

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestProject(t *testing.T, opts Options) (*Project, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "p1")
	repo, err := memory.NewNetwork().Driver().Init(ctx, dir)
	require.NoError(t, err)

	cfg, err := projectconfig.Parse([]byte(testConfig))
	require.NoError(t, err)
	require.NoError(t, projectconfig.Save(dir, cfg))

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	p := New("p1", repo, opts)
	require.NoError(t, p.Load(ctx))
	return p, clock
}

func mustAdd(t *testing.T, p *Project, req AddEntryRequest) *types.Entry {
	t.Helper()
	if req.Author == "" {
		req.Author = "alice"
	}
	e, err := p.AddEntry(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestStatusScenario(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProject(t, Options{})

	first := mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{
		"summary": {"bug"},
		"status":  {"open"},
	}})
	issue, err := p.Get(ctx, "1")
	require.NoError(t, err)
	require.Len(t, issue.Entries, 1)
	assert.Equal(t, first.ID, issue.Entries[0].ID)
	assert.Equal(t, "bug", issue.Field("summary"))

	clock.Advance(time.Minute)
	second := mustAdd(t, p, AddEntryRequest{IssueID: "1", Properties: map[string][]string{
		"summary": {"bug"},
		"status":  {"closed"},
	}})
	assert.Equal(t, types.Properties{{Name: "status", Values: []string{"closed"}}}, second.Properties)
	assert.Equal(t, first.ID, second.ParentID)

	issue, err = p.Get(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, issue.Entries, 2)
	assert.Equal(t, "closed", issue.Field("status"))
	assert.Equal(t, clock.Now(), issue.Mtime)
	assert.Equal(t, 1, p.Len())
}

func TestAddEntryNoop(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t, Options{})
	mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"bug"}}})

	e, err := p.AddEntry(ctx, AddEntryRequest{IssueID: "1", Author: "alice", Properties: map[string][]string{"color": {"red"}}})
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = p.AddEntry(ctx, AddEntryRequest{IssueID: "1", Author: "alice", Properties: map[string][]string{"summary": {"bug"}}, Message: "  "})
	require.NoError(t, err)
	assert.Nil(t, e)

	// A new issue made only of undeclared properties allocates no id.
	e, err = p.AddEntry(ctx, AddEntryRequest{Author: "alice", Properties: map[string][]string{"color": {"red"}}})
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, 1, p.MaxID())

	issue, err := p.Get(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, issue.Entries, 1)
}

func TestAddEntryErrors(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t, Options{})

	_, err := p.AddEntry(ctx, AddEntryRequest{IssueID: "7", Author: "alice", Message: "hi"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = p.AddEntry(ctx, AddEntryRequest{Author: "alice", Properties: map[string][]string{"status": {"maybe"}}})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = p.AddEntry(ctx, AddEntryRequest{Author: "alice", Properties: map[string][]string{"blocks": {"x y"}}})
	assert.ErrorIs(t, err, storage.ErrValidation)
	assert.Equal(t, 0, p.Len())
}

func TestAmendEntry(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProject(t, Options{EditDelay: 10 * time.Minute})
	e := mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"bug"}}, Message: "first draft"})

	_, err := p.AmendEntry(ctx, e.ID, "other", "bob")
	assert.ErrorIs(t, err, storage.ErrPermission)

	unchanged, err := p.AmendEntry(ctx, e.ID, "first draft", "alice")
	require.NoError(t, err)
	assert.Nil(t, unchanged)

	clock.Advance(time.Minute)
	amend, err := p.AmendEntry(ctx, e.ID, "final text", "alice")
	require.NoError(t, err)
	require.NotNil(t, amend)
	assert.Equal(t, e.ID, amend.Amends)

	_, err = p.AmendEntry(ctx, amend.ID, "again", "alice")
	assert.ErrorIs(t, err, storage.ErrValidation)

	clock.Advance(time.Hour)
	_, err = p.AmendEntry(ctx, e.ID, "too late", "alice")
	assert.ErrorIs(t, err, storage.ErrPermission)

	_, err = p.AmendEntry(ctx, "deadbeef", "x", "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	issue, err := p.Get(ctx, "1")
	require.NoError(t, err)
	require.Len(t, issue.Entries, 2, "rejected amendments create no entry")
	assert.Equal(t, "first draft", issue.Entries[0].Message)
	assert.Equal(t, "final text", issue.Message(e.ID))
	assert.Equal(t, "bug", issue.Field("summary"))
}

func TestToggleTagTwice(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t, Options{})
	e := mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"bug"}}, Message: "note"})

	active, err := p.ToggleTag(ctx, e.ID, "urgent")
	require.NoError(t, err)
	assert.True(t, active)
	issue, err := p.Get(ctx, "1")
	require.NoError(t, err)
	assert.True(t, issue.HasTag(e.ID, "urgent"))

	// Tags survive a reload: they live in notes.
	require.NoError(t, p.Reload(ctx))
	issue, err = p.Get(ctx, "1")
	require.NoError(t, err)
	assert.True(t, issue.HasTag(e.ID, "urgent"))

	active, err = p.ToggleTag(ctx, e.ID, "urgent")
	require.NoError(t, err)
	assert.False(t, active)
	issue, err = p.Get(ctx, "1")
	require.NoError(t, err)
	assert.False(t, issue.HasTag(e.ID, "urgent"))
	require.Len(t, issue.Entries, 1)
	assert.Equal(t, "note", issue.Entries[0].Message)
	assert.Equal(t, e.Properties, issue.Entries[0].Properties)

	_, err = p.ToggleTag(ctx, e.ID, "nope")
	assert.ErrorIs(t, err, storage.ErrValidation)
	_, err = p.ToggleTag(ctx, "deadbeef", "urgent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAssociationsSurviveReload(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProject(t, Options{})
	mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"a"}}})
	clock.Advance(time.Second)
	mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"b"}, "blocks": {"1"}}})
	clock.Advance(time.Second)
	mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"c"}, "blocks": {"#1, 2"}}})

	check := func() {
		one, err := p.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"blocks": {"2", "3"}}, one.ReverseAssociations)
		three, err := p.Get(ctx, "3")
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{"blocks": {"1", "2"}}, three.Associations)
	}
	check()
	require.NoError(t, p.Reload(ctx))
	check()

	clock.Advance(time.Second)
	mustAdd(t, p, AddEntryRequest{IssueID: "3", Properties: map[string][]string{"blocks": {""}}})
	one, err := p.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"blocks": {"2"}}, one.ReverseAssociations)
}

func TestAllocateIDMonotonicAcrossReload(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t, Options{})
	mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"a"}}})

	seen := map[string]bool{"1": true}
	last := 1
	for i := 0; i < 5; i++ {
		id := p.AllocateID()
		n, err := strconv.Atoi(id)
		require.NoError(t, err)
		assert.Greater(t, n, last)
		assert.False(t, seen[id], "id %s issued twice", id)
		seen[id] = true
		last = n
	}

	require.NoError(t, p.Reload(ctx))
	e := mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"b"}}})
	id, ok := p.IssueOfEntry(e.ID)
	require.True(t, ok)
	assert.False(t, seen[id], "id %s reused after reload", id)
	assert.Equal(t, "7", id)
}

func TestAttachedFiles(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProject(t, Options{MaxUploadSize: 16})
	data := []byte{0, 1, 2, 0xff}

	e := mustAdd(t, p, AddEntryRequest{
		Properties: map[string][]string{"summary": {"crash"}},
		Files:      []File{{Name: "../logs/core.bin", Data: data}},
	})
	require.Len(t, e.Files, 1)
	assert.Equal(t, "core.bin", e.Files[0].Filename)
	assert.EqualValues(t, 4, e.Files[0].Size)

	got, err := p.LoadFile(ctx, e.Files[0].ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Same content again collapses onto the stored object.
	clock.Advance(time.Second)
	again := mustAdd(t, p, AddEntryRequest{IssueID: "1", Files: []File{{Name: "copy.bin", Data: data}}})
	assert.Equal(t, e.Files[0].ID, again.Files[0].ID)

	_, err = p.AddEntry(ctx, AddEntryRequest{IssueID: "1", Author: "alice", Files: []File{{Name: "big", Data: make([]byte, 17)}}})
	assert.ErrorIs(t, err, storage.ErrExhausted)
	_, err = p.AddEntry(ctx, AddEntryRequest{IssueID: "1", Author: "alice", Files: []File{{Name: "..", Data: data}}})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = p.LoadFile(ctx, "0000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestModifyConfig(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t, Options{})
	mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{"summary": {"a"}, "owner": {"bob"}}})

	cfg := p.Config()
	cfg.Properties = append(cfg.Properties, projectconfig.PropertySpec{Name: "severity", Type: projectconfig.KindSelect, Options: []string{"low", "high"}})
	require.NoError(t, p.ModifyConfig(ctx, cfg, "admin"))

	_, ok := p.Config().Property("severity")
	assert.True(t, ok)
	fromBranch, err := projectconfig.ReadRef(ctx, p.Repository(), storage.ConfigBranch)
	require.NoError(t, err)
	assert.Equal(t, p.Config(), fromBranch)

	e := mustAdd(t, p, AddEntryRequest{IssueID: "1", Properties: map[string][]string{"severity": {"high"}}})
	assert.Equal(t, "severity", e.Properties[0].Name)

	bad := p.Config()
	bad.Properties = append(bad.Properties, projectconfig.PropertySpec{Name: "ctime", Type: projectconfig.KindText})
	assert.ErrorIs(t, p.ModifyConfig(ctx, bad, "admin"), storage.ErrValidation)
	_, ok = p.Config().Property("ctime")
	assert.False(t, ok)
}

// configCommitFails rejects every commit on the config branch.
type configCommitFails struct {
	storage.Repository
}

func (r configCommitFails) AddCommit(ctx context.Context, branch string, c storage.NewCommit) (string, error) {
	if branch == storage.ConfigBranch {
		return "", fmt.Errorf("commit on %s: %w", branch, storage.ErrTransport)
	}
	return r.Repository.AddCommit(ctx, branch, c)
}

func TestModifyConfigFailedCommitChangesNothing(t *testing.T) {
	ctx := context.Background()
	base, _ := newTestProject(t, Options{})
	p := New("p1", configCommitFails{base.Repository()}, Options{})
	require.NoError(t, p.Load(ctx))

	cfg := p.Config()
	cfg.Tags = append(cfg.Tags, projectconfig.TagSpec{Name: "added"})
	require.ErrorIs(t, p.ModifyConfig(ctx, cfg, "admin"), storage.ErrTransport)

	_, ok := p.Config().Tag("added")
	assert.False(t, ok)
	require.NoError(t, p.Reload(ctx))
	_, ok = p.Config().Tag("added")
	assert.False(t, ok, "a rejected config must not come back on reload")
}

func TestModifyConfigFailedSaveResetsBranch(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t, Options{})
	cfg := p.Config()
	cfg.Tags = append(cfg.Tags, projectconfig.TagSpec{Name: "first"})
	require.NoError(t, p.ModifyConfig(ctx, cfg, "admin"))
	tip, err := p.Repository().ShowRef(ctx, storage.ConfigBranch)
	require.NoError(t, err)

	// A non-empty directory in place of the file makes the write fail.
	file := filepath.Join(p.Dir(), projectconfig.FileName)
	require.NoError(t, os.Remove(file))
	require.NoError(t, os.MkdirAll(filepath.Join(file, "x"), 0o750))

	cfg = p.Config()
	cfg.Tags = append(cfg.Tags, projectconfig.TagSpec{Name: "second"})
	require.Error(t, p.ModifyConfig(ctx, cfg, "admin"))

	got, err := p.Repository().ShowRef(ctx, storage.ConfigBranch)
	require.NoError(t, err)
	assert.Equal(t, tip, got)
	_, ok := p.Config().Tag("second")
	assert.False(t, ok)
}

func TestViews(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProject(t, Options{})

	require.NoError(t, p.SaveView(ctx, View{Name: "open", FilterIn: map[string][]string{"status": {"open"}}, Sort: "-mtime", Default: true}))
	require.NoError(t, p.SaveView(ctx, View{Name: "mine", FilterIn: map[string][]string{"owner": {"alice"}}, Default: true}))
	assert.ErrorIs(t, p.SaveView(ctx, View{Name: " "}), storage.ErrValidation)

	_, err := os.Stat(filepath.Join(p.Dir(), ViewsFileName))
	require.NoError(t, err)

	require.NoError(t, p.Reload(ctx))
	views := p.Views()
	require.Len(t, views, 2)
	assert.False(t, views[0].Default)
	assert.True(t, views[1].Default)

	v, err := p.View("open")
	require.NoError(t, err)
	assert.Equal(t, []types.SortKey{{Property: "mtime", Descending: true}}, v.Query().Sort)

	require.NoError(t, p.DeleteView(ctx, "open"))
	assert.ErrorIs(t, p.DeleteView(ctx, "open"), storage.ErrNotFound)
	_, err = p.View("open")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotLoaded(t *testing.T) {
	ctx := context.Background()
	repo, err := memory.NewNetwork().Driver().Init(ctx, t.TempDir())
	require.NoError(t, err)
	p := New("x", repo, Options{})
	assert.Equal(t, Unloaded, p.State())

	_, err = p.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotLoaded)

	// Without a project file the default config applies.
	require.NoError(t, p.Load(ctx))
	assert.Equal(t, Loaded, p.State())
	assert.Equal(t, []string{projectconfig.SummaryProperty}, p.Config().PropertyNames())
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProject(t, Options{})
	add := func(summary, status, owner, message string) {
		clock.Advance(time.Second)
		mustAdd(t, p, AddEntryRequest{Properties: map[string][]string{
			"summary": {summary},
			"status":  {status},
			"owner":   {owner},
		}, Message: message})
	}
	add("Crash on start", "open", "alice", "")
	add("Typo in docs", "closed", "bob", "")
	add("Slow search", "open", "bob", "profiling shows a CRASH handler")
	add("Unowned", "", "", "")

	ids := func(q SearchQuery) []string {
		t.Helper()
		res, err := p.Search(ctx, q)
		require.NoError(t, err)
		out := make([]string, len(res))
		for i, c := range res {
			out[i] = c.ID
		}
		return out
	}

	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(SearchQuery{}))
	assert.Equal(t, []string{"1", "3"}, ids(SearchQuery{FilterIn: map[string][]string{"status": {"open"}}}))
	assert.Equal(t, []string{"1", "2", "3"}, ids(SearchQuery{FilterIn: map[string][]string{"status": {"open", "closed"}}}))
	assert.Equal(t, []string{"3"}, ids(SearchQuery{FilterIn: map[string][]string{"status": {"open"}, "owner": {"bob"}}}))
	assert.Equal(t, []string{"4"}, ids(SearchQuery{FilterIn: map[string][]string{"status": {""}}}))

	// filterOut wins on the same property and value.
	assert.Equal(t, []string{"1"}, ids(SearchQuery{
		FilterIn:  map[string][]string{"status": {"open"}},
		FilterOut: map[string][]string{"owner": {"bob"}, "status": {"closed"}},
	}))
	assert.Empty(t, ids(SearchQuery{
		FilterIn:  map[string][]string{"status": {"open"}},
		FilterOut: map[string][]string{"status": {"open"}},
	}))

	// Fulltext covers field values and entry messages, ignoring case.
	assert.Equal(t, []string{"1", "3"}, ids(SearchQuery{Fulltext: "crash"}))

	// Select values sort in option order, unset last; ties keep id order.
	assert.Equal(t, []string{"1", "3", "2", "4"}, ids(SearchQuery{Sort: types.ParseSort("+status")}))
	assert.Equal(t, []string{"4", "2", "3", "1"}, ids(SearchQuery{Sort: types.ParseSort("-status-id")}))
	assert.Equal(t, []string{"4", "3", "2", "1"}, ids(SearchQuery{Sort: types.ParseSort("-mtime")}))

	res, err := p.Search(ctx, SearchQuery{FilterIn: map[string][]string{"id": {"2"}}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	res[0].Fields.Set("summary", []string{"mutated"})
	again, err := p.Get(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, "Typo in docs", again.Field("summary"))
}
