package flock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jemdb/jemdb/codec"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, ModeHard)
	require.NoError(t, err)
	assert.NotEmpty(t, l.Holder())

	_, err = os.Stat(filepath.Join(dir, SentinelName))
	require.NoError(t, err)

	require.NoError(t, l.Release())
	_, err = os.Stat(filepath.Join(dir, SentinelName))
	assert.True(t, os.IsNotExist(err))
}

func TestHardModeRejectsExistingSentinel(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, ModeHard)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Release()) }()

	_, err = Acquire(dir, ModeHard)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestSoftModeRejectsLiveHolder(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, ModeHard)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Release()) }()

	_, err = Acquire(dir, ModeSoft)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestSoftModeStealsStaleSentinel(t *testing.T) {
	dir := t.TempDir()

	// A sentinel from a dead process: no flock holder, old timestamp.
	raw, err := codec.Default.Marshal(payload{
		Holder: "dead",
		PID:    999999,
		Time:   time.Now().Add(-time.Hour).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelName), raw, 0o600))

	l, err := Acquire(dir, ModeSoft)
	require.NoError(t, err)
	assert.NotEqual(t, "dead", l.Holder())
	require.NoError(t, l.Release())
}

func TestIgnoreMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelName), []byte("junk"), 0o600))

	l, err := Acquire(dir, ModeIgnore)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestSequentialHandover(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, ModeHard)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, WaitReleased(ctx, dir))

	l2, err := Acquire(dir, ModeHard)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestWatcherReassertsRemovedSentinel(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, ModeHard, func(o *Options) {
		o.RefreshInterval = 10 * time.Millisecond
	})
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	path := filepath.Join(dir, SentinelName)
	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
