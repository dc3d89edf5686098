package metadata_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/db"
	"github.com/moonbridge/moonbridge/internal/metadata"
)

func newTestFacade(t *testing.T) *db.Facade {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	f, err := db.Open(zerolog.Nop(), "sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestCacheLookupMissWhenAbsent(t *testing.T) {
	c := metadata.NewCache(newTestFacade(t))
	_, fresh := c.Lookup(context.Background(), "jobs/a.gcode", 100, 12345)
	assert.False(t, fresh)
}

func TestCacheStoreThenLookupFresh(t *testing.T) {
	c := metadata.NewCache(newTestFacade(t))
	ctx := context.Background()

	rec := metadata.Record{Size: 1024, Modified: 555, LayerHeight: 0.2}
	require.NoError(t, c.Store(ctx, "jobs/a.gcode", rec))

	got, fresh := c.Lookup(ctx, "jobs/a.gcode", 1024, 555)
	require.True(t, fresh)
	assert.Equal(t, 0.2, got.LayerHeight)
}

func TestCacheLookupStaleWhenSizeChanges(t *testing.T) {
	c := metadata.NewCache(newTestFacade(t))
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "jobs/a.gcode", metadata.Record{Size: 1024, Modified: 555}))

	_, fresh := c.Lookup(ctx, "jobs/a.gcode", 2048, 555)
	assert.False(t, fresh, "a size change must invalidate the cached entry")
}

func TestFsrootsLookupAdapterFlattensRecord(t *testing.T) {
	c := metadata.NewCache(newTestFacade(t))
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "jobs/a.gcode", metadata.Record{Size: 10, Modified: 1, Slicer: "Cura"}))

	adapter := metadata.FsrootsLookup{Cache: c}
	fields, ok := adapter.Lookup("jobs/a.gcode")
	require.True(t, ok)
	assert.Equal(t, "Cura", fields["slicer"])
}

func TestCacheDeleteRemovesEntry(t *testing.T) {
	c := metadata.NewCache(newTestFacade(t))
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "jobs/a.gcode", metadata.Record{Size: 1024, Modified: 555}))
	c.Delete(ctx, "jobs/a.gcode")

	_, fresh := c.Lookup(ctx, "jobs/a.gcode", 1024, 555)
	assert.False(t, fresh)
}

func TestCachePruneClearsOnVersionMismatch(t *testing.T) {
	c := metadata.NewCache(newTestFacade(t))
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "jobs/a.gcode", metadata.Record{Size: 1024, Modified: 555}))

	// No version marker exists yet, so the first prune treats the cache
	// as stale and clears it entirely before stamping the marker.
	require.NoError(t, c.Prune(ctx, nil))
	_, fresh := c.Lookup(ctx, "jobs/a.gcode", 1024, 555)
	assert.False(t, fresh)

	// A second prune now finds a matching version marker and only sweeps
	// entries that fail the exists check.
	require.NoError(t, c.Store(ctx, "jobs/b.gcode", metadata.Record{Size: 1, Modified: 1}))
	require.NoError(t, c.Prune(ctx, func(path string) bool { return true }))
	_, fresh = c.Lookup(ctx, "jobs/b.gcode", 1, 1)
	assert.True(t, fresh, "an exists check returning true must keep the entry")
}
