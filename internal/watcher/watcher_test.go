package watcher_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/watcher"
)

type eventCollector struct {
	mu     sync.Mutex
	events []watcher.Event
}

func (c *eventCollector) sink(e watcher.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) snapshot() []watcher.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]watcher.Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitForEvent(t *testing.T, c *eventCollector, kind watcher.EventKind, timeout time.Duration) watcher.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range c.snapshot() {
			if e.Kind == kind {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "timed out waiting for event", "kind=%s got=%v", kind, c.snapshot())
	return watcher.Event{}
}

func newTestWatcher(t *testing.T, root string) (*watcher.Watcher, *eventCollector) {
	t.Helper()
	c := &eventCollector{}
	w, err := watcher.New(zerolog.Nop(), "gcodes", root, c.sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, c
}

func TestWatcherEmitsCreateFileAfterWriteClose(t *testing.T) {
	dir := t.TempDir()
	_, c := newTestWatcher(t, dir)

	path := filepath.Join(dir, "print.gcode")
	require.NoError(t, os.WriteFile(path, []byte("G28\n"), 0o644))

	e := waitForEvent(t, c, watcher.EventCreateFile, 2*time.Second)
	assert.Equal(t, "print.gcode", e.Path)
	assert.Equal(t, "gcodes", e.Root)
}

func TestWatcherIgnoresNonGcodeExtensions(t *testing.T) {
	dir := t.TempDir()
	_, c := newTestWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	time.Sleep(500 * time.Millisecond)

	assert.Empty(t, c.snapshot())
}

func TestWatcherEmitsCreateDirAndWatchesNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	_, c := newTestWatcher(t, dir)

	sub := filepath.Join(dir, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitForEvent(t, c, watcher.EventCreateDir, 2*time.Second)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "nested.gcode"), []byte("G1\n"), 0o644))
	e := waitForEvent(t, c, watcher.EventCreateFile, 2*time.Second)
	assert.Equal(t, filepath.Join("subdir", "nested.gcode"), e.Path)
}

func TestWatcherBatchesFileDeletes(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.gcode")
	b := filepath.Join(dir, "b.gcode")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("x"), 0o644))

	_, c := newTestWatcher(t, dir)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.Remove(a))
	require.NoError(t, os.Remove(b))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, e := range c.snapshot() {
			if e.Kind == watcher.EventDeleteFile {
				count++
			}
		}
		if count == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Fail(t, "expected two delete_file events", "%v", c.snapshot())
}

func TestWatcherIgnoresHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	_, c := newTestWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.gcode"), []byte("x"), 0o644))
	time.Sleep(500 * time.Millisecond)

	assert.Empty(t, c.snapshot())
}
