package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainOne(t *testing.T, w *Watcher, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-w.Events():
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestTriggerDebouncesBursts(t *testing.T) {
	w := New(Options{
		Path:     filepath.Join(t.TempDir(), "config.json"),
		Watchdog: ModeOff,
		Debounce: 20 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for i := 0; i < 10; i++ {
		w.Trigger()
	}

	require.True(t, drainOne(t, w, time.Second), "a burst must yield one event")
	assert.False(t, drainOne(t, w, 100*time.Millisecond), "and only one")
}

func TestTriggerAfterQuietPeriodFiresAgain(t *testing.T) {
	w := New(Options{
		Path:     filepath.Join(t.TempDir(), "config.json"),
		Watchdog: ModeOff,
		Debounce: 10 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	w.Trigger()
	require.True(t, drainOne(t, w, time.Second))

	w.Trigger()
	require.True(t, drainOne(t, w, time.Second))
}

func TestPollDetectsMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"servers": {}}`), 0o644))

	// Backdate so the rewrite below is newer regardless of filesystem
	// timestamp granularity.
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	w := New(Options{
		Path:         path,
		Watchdog:     ModeOff,
		PollInterval: 10 * time.Millisecond,
		Debounce:     10 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"servers": {"a": {"prefix": null, "command": "run"}}}`), 0o644))

	assert.True(t, drainOne(t, w, 2*time.Second), "poll must notice the rewrite")
}

func TestFSWatchDetectsRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"servers": {}}`), 0o644))

	w := New(Options{
		Path:     path,
		Watchdog: ModeOn,
		Debounce: 10 * time.Millisecond,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Stop()

	// Atomic replace: write temp, rename over target.
	tmp := filepath.Join(dir, ".config-tmp.json")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"servers": {}}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.True(t, drainOne(t, w, 2*time.Second), "rename onto the catalog must fire")
}

func TestWatchdogOffWithoutPollStillAllowsTrigger(t *testing.T) {
	w := New(Options{
		Path:     filepath.Join(t.TempDir(), "config.json"),
		Watchdog: ModeOff,
		Debounce: 5 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	w.Trigger()
	assert.True(t, drainOne(t, w, time.Second))
}
