package project

import (
	"context"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goeb/smit/internal/lockfile"
	"github.com/goeb/smit/internal/projectconfig"
)

func TestWatchReloadsOnConfigChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, _ := newTestProject(t, Options{})
	require.NoError(t, p.Watch(ctx))

	cfg := p.Config()
	cfg.Tags = append(cfg.Tags, projectconfig.TagSpec{Name: "later"})
	require.NoError(t, projectconfig.Save(p.Dir(), cfg))

	assert.Eventually(t, func() bool {
		_, ok := p.Config().Tag("later")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatchWaitsForSyncLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, _ := newTestProject(t, Options{})
	require.NoError(t, p.Watch(ctx))

	held, err := lockfile.Acquire(ctx, p.Dir(), lockfile.Exclusive, 0)
	require.NoError(t, err)
	cfg := p.Config()
	cfg.Tags = append(cfg.Tags, projectconfig.TagSpec{Name: "held"})
	require.NoError(t, projectconfig.Save(p.Dir(), cfg))

	time.Sleep(WatchDebounce + 500*time.Millisecond)
	_, ok := p.Config().Tag("held")
	assert.False(t, ok, "reloaded while the sync lock was held")

	require.NoError(t, held.Release())
	assert.Eventually(t, func() bool {
		_, ok := p.Config().Tag("held")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRelevantChange(t *testing.T) {
	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"branch moved", fsnotify.Event{Name: "/srv/p/refs/heads/issues/4", Op: fsnotify.Write}, true},
		{"ref lock", fsnotify.Event{Name: "/srv/p/refs/heads/issues/4.lock", Op: fsnotify.Create}, false},
		{"packed refs", fsnotify.Event{Name: "/srv/p/packed-refs", Op: fsnotify.Rename}, true},
		{"config", fsnotify.Event{Name: "/srv/p/project.yaml", Op: fsnotify.Create}, true},
		{"object", fsnotify.Event{Name: "/srv/p/objects/ab", Op: fsnotify.Create}, false},
		{"chmod", fsnotify.Event{Name: "/srv/p/refs/heads/config", Op: fsnotify.Chmod}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevantChange(tt.event))
		})
	}
}
