package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goeb/smit/internal/lockfile"
	"github.com/goeb/smit/internal/projectconfig"
)

// WatchDebounce is the quiet period after the last change before a
// watched project reloads.
const WatchDebounce = 500 * time.Millisecond

// Watch reloads the project whenever another process moves its branches
// or rewrites its configuration, as a sync run does. It returns once the
// watcher is installed; watching stops when ctx is done.
func (p *Project) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	dir := p.repo.Dir()
	for _, d := range []string{
		dir,
		filepath.Join(dir, "refs", "heads"),
		filepath.Join(dir, "refs", "heads", "issues"),
		filepath.Join(dir, "refs", "notes"),
	} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("preparing %s: %w", d, err)
		}
		if err := watcher.Add(d); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watching %s: %w", d, err)
		}
	}

	go p.watchLoop(ctx, watcher)
	return nil
}

func (p *Project) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !relevantChange(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(WatchDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.reloadShared(ctx); err != nil {
					p.log.Warn("reload after change failed", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn("watcher error", "error", err)
		}
	}
}

// reloadShared reloads the project under a shared sync lock, so that a
// receive in progress is seen whole.
func (p *Project) reloadShared(ctx context.Context) error {
	l, err := lockfile.Acquire(ctx, p.repo.Dir(), lockfile.Shared, -1)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return p.Reload(ctx)
}

func relevantChange(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, ".lock") {
		return false
	}
	switch base {
	case projectconfig.FileName, ViewsFileName, "packed-refs":
		return true
	}
	// Anything under refs/ is a branch or notes ref.
	return strings.Contains(filepath.ToSlash(event.Name), "/refs/")
}
