package lockfile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusiveBlocksExclusive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := Acquire(ctx, dir, Exclusive, 0)
	require.NoError(t, err)

	_, err = Acquire(ctx, dir, Exclusive, 0)
	assert.ErrorIs(t, err, ErrLockBusy)

	_, err = Acquire(ctx, dir, Exclusive, 120*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := Acquire(ctx, dir, Exclusive, 0)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestSharedLocksCoexist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := Acquire(ctx, dir, Shared, 0)
	require.NoError(t, err)
	b, err := Acquire(ctx, dir, Shared, 0)
	require.NoError(t, err)

	_, err = Acquire(ctx, dir, Exclusive, 0)
	assert.ErrorIs(t, err, ErrLockBusy)

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	held, err := Acquire(ctx, dir, Exclusive, 0)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Release()
	}()

	l, err := Acquire(ctx, dir, Exclusive, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireHonorsContext(t *testing.T) {
	dir := t.TempDir()
	held, err := Acquire(context.Background(), dir, Exclusive, 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Acquire(ctx, dir, Exclusive, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWith(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	boom := errors.New("boom")

	err := With(ctx, dir, 0, func() error {
		_, err := Acquire(ctx, dir, Exclusive, 0)
		assert.ErrorIs(t, err, ErrLockBusy)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Released after fn returns.
	require.NoError(t, With(ctx, dir, 0, func() error { return nil }))
}
