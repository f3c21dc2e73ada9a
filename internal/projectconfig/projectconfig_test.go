package projectconfig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/storage/memory"
)

const sample = `
properties:
  - name: status
    type: select
    options: [open, closed]
  - name: labels
    type: multiselect
    options: [ui, backend]
  - name: blocks
    type: association
    label: Blocks
    reverseLabel: Blocked by
  - name: owner
    type: selectUser
tags:
  - name: urgent
    display: true
numbering: global
editDelay: 5m
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"summary", "status", "labels", "blocks", "owner"}, cfg.PropertyNames())
	assert.Equal(t, []string{"blocks"}, cfg.AssociationNames())
	assert.True(t, cfg.IsGlobalNumbering())
	assert.Equal(t, 5*time.Minute, cfg.EffectiveEditDelay(time.Hour))

	tag, ok := cfg.Tag("urgent")
	require.True(t, ok)
	assert.True(t, tag.Display)

	p, ok := cfg.Property("blocks")
	require.True(t, ok)
	assert.Equal(t, "Blocked by", p.ReverseLabel)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	data, err := cfg.Marshal()
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate", "properties: [{name: a, type: text}, {name: a, type: text}]"},
		{"reserved", "properties: [{name: mtime, type: text}]"},
		{"plus prefix", "properties: [{name: +author, type: text}]"},
		{"unknown type", "properties: [{name: a, type: blob}]"},
		{"select without options", "properties: [{name: a, type: select}]"},
		{"duplicate tag", "tags: [{name: x}, {name: x}]"},
		{"numbering", "numbering: sometimes"},
		{"summary retyped", "properties: [{name: summary, type: select, options: [a]}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, storage.ErrValidation)
		})
	}
}

func TestSanitize(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	props, dropped, err := cfg.Sanitize(map[string][]string{
		"owner":   {" alice "},
		"status":  {"open"},
		"blocks":  {"12, 3 #7", "3"},
		"color":   {"red"},
		"summary": {"bug"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"summary", "status", "blocks", "owner"}, props.Names())
	blocks, _ := props.Get("blocks")
	assert.Equal(t, []string{"3", "7", "12"}, blocks)
	assert.Equal(t, "alice", props.First("owner"))
	assert.Equal(t, []string{"color"}, dropped)

	_, _, err = cfg.Sanitize(map[string][]string{"status": {"maybe"}})
	assert.ErrorIs(t, err, storage.ErrValidation)
	_, _, err = cfg.Sanitize(map[string][]string{"labels": {"ui", "db"}})
	assert.ErrorIs(t, err, storage.ErrValidation)
	_, _, err = cfg.Sanitize(map[string][]string{"blocks": {"12 x"}})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestParseAssociation(t *testing.T) {
	ids, err := ParseAssociation([]string{"10 2.1,2", "", "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "2.1", "10"}, ids)

	ids, err = ParseAssociation(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileAndBranchStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.False(t, Exists(dir))
	require.NoError(t, Save(dir, cfg))
	assert.True(t, Exists(dir))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	repo, err := memory.NewNetwork().Driver().Init(ctx, dir)
	require.NoError(t, err)
	_, err = ReadRef(ctx, repo, storage.ConfigBranch)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = Commit(ctx, repo, Default(), "admin", time.Unix(1, 0))
	require.NoError(t, err)
	_, err = Commit(ctx, repo, cfg, "admin", time.Unix(2, 0))
	require.NoError(t, err)
	fromBranch, err := ReadRef(ctx, repo, storage.ConfigBranch)
	require.NoError(t, err)
	assert.Equal(t, cfg, fromBranch)
}
