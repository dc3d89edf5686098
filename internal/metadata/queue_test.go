package metadata_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/metadata"
	"github.com/moonbridge/moonbridge/internal/shellrunner"
)

// fakeRunner satisfies metadata.CommandRunner without spawning a real
// subprocess, returning a canned extractor JSON payload.
type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	stdout   string
}

func (f *fakeRunner) RunArgs(ctx context.Context, argv []string, timeout time.Duration) (shellrunner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return shellrunner.Result{}, assertErr{}
	}
	return shellrunner.Result{Stdout: f.stdout}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated extractor failure" }

func TestQueueParseMetadataExtractsAndNotifies(t *testing.T) {
	cache := metadata.NewCache(newTestFacade(t))
	out := extractorPayload(t, map[string]any{"layer_height": 0.2, "slicer": "PrusaSlicer"})
	runner := &fakeRunner{stdout: out}
	extractor := metadata.NewExtractor(zerolog.Nop(), runner, "moonbridge-metadata-extract")

	var mu sync.Mutex
	var gotPath string
	var gotRec metadata.Record
	notified := make(chan struct{})

	q := metadata.NewQueue(zerolog.Nop(), cache, extractor, func(path string, rec metadata.Record) {
		mu.Lock()
		gotPath, gotRec = path, rec
		mu.Unlock()
		close(notified)
	})
	defer q.Close()

	q.ParseMetadata(context.Background(), "jobs/a.gcode", 1024, 555, true)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for metadata_update notification")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "jobs/a.gcode", gotPath)
	assert.Equal(t, 0.2, gotRec.LayerHeight)
	assert.Equal(t, "PrusaSlicer", gotRec.Slicer)
	assert.Equal(t, 1, runner.callCount())
}

func TestQueueShortCircuitsOnFreshCache(t *testing.T) {
	cache := metadata.NewCache(newTestFacade(t))
	ctx := context.Background()
	require.NoError(t, cache.Store(ctx, "jobs/a.gcode", metadata.Record{Size: 1024, Modified: 555, Slicer: "cached"}))

	runner := &fakeRunner{stdout: extractorPayload(t, map[string]any{})}
	extractor := metadata.NewExtractor(zerolog.Nop(), runner, "moonbridge-metadata-extract")

	q := metadata.NewQueue(zerolog.Nop(), cache, extractor, nil)
	defer q.Close()

	rec, fresh := q.ParseMetadata(ctx, "jobs/a.gcode", 1024, 555, false)
	assert.True(t, fresh)
	assert.Equal(t, "cached", rec.Slicer)
	assert.Equal(t, 0, runner.callCount(), "a fresh cache hit must never invoke the extractor")
}

func TestQueueStoresMinimalRecordAfterRepeatedFailure(t *testing.T) {
	cache := metadata.NewCache(newTestFacade(t))
	runner := &fakeRunner{fail: true}
	extractor := metadata.NewExtractor(zerolog.Nop(), runner, "moonbridge-metadata-extract")

	done := make(chan struct{})
	q := metadata.NewQueue(zerolog.Nop(), cache, extractor, func(path string, rec metadata.Record) {
		close(done)
	})
	defer q.Close()

	q.ParseMetadata(context.Background(), "jobs/broken.gcode", 10, 1, true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for minimal-record notification")
	}

	rec, fresh := cache.Lookup(context.Background(), "jobs/broken.gcode", 10, 1)
	require.True(t, fresh)
	assert.Equal(t, int64(10), rec.Size)
	assert.Nil(t, rec.PrintStartTime)
	assert.Nil(t, rec.JobID)
}

func extractorPayload(t *testing.T, fields map[string]any) string {
	t.Helper()
	payload := map[string]any{"file": "a.gcode", "metadata": fields}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(b) + "\n"
}
