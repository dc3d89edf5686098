package metadata

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// UpdatePublisher delivers a finished record to subscribers, normally
// eventbus.Bus.Emit("file_manager:metadata_update", ...).
type UpdatePublisher func(path string, rec Record)

// job is one queued extraction request.
type job struct {
	path     string
	size     int64
	modified float64
	notify   bool
}

// Queue is the LIFO single-worker extraction queue spec.md §4.13
// describes: ParseMetadata either short-circuits against the cache or
// enqueues, and a single background worker pops the most recently
// queued path first so that a user actively browsing a directory sees
// its files populate before older, already-queued requests.
type Queue struct {
	log       zerolog.Logger
	cache     *Cache
	extractor *Extractor
	publish   UpdatePublisher

	mu      sync.Mutex
	cond    *sync.Cond
	stack   []job
	pending map[string]bool
	closed  bool
}

// NewQueue builds a Queue backed by cache and extractor, publishing
// completed records through publish (which may be nil to disable
// notifications entirely).
func NewQueue(log zerolog.Logger, cache *Cache, extractor *Extractor, publish UpdatePublisher) *Queue {
	q := &Queue{
		log:       log.With().Str("component", "metadata-queue").Logger(),
		cache:     cache,
		extractor: extractor,
		publish:   publish,
		pending:   make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// ParseMetadata requests extraction for path. If a fresh cache entry
// already exists, or an identical request is already queued, this call
// is a no-op beyond returning the cached record's freshness. Otherwise
// the request is pushed onto the LIFO stack for the worker to pick up.
func (q *Queue) ParseMetadata(ctx context.Context, path string, size int64, modified float64, notify bool) (Record, bool) {
	if rec, fresh := q.cache.Lookup(ctx, path, size, modified); fresh {
		return rec, true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[path] {
		return Record{}, false
	}
	q.pending[path] = true
	q.stack = append(q.stack, job{path: path, size: size, modified: modified, notify: notify})
	q.cond.Signal()
	return Record{}, false
}

// Close stops the worker goroutine once it has processed every job still
// on the stack.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.stack) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.stack) == 0 {
			q.mu.Unlock()
			return
		}
		last := len(q.stack) - 1
		j := q.stack[last]
		q.stack = q.stack[:last]
		q.mu.Unlock()

		q.process(j)

		q.mu.Lock()
		delete(q.pending, j.path)
		q.mu.Unlock()
	}
}

func (q *Queue) process(j job) {
	ctx := context.Background()

	if rec, fresh := q.cache.Lookup(ctx, j.path, j.size, j.modified); fresh {
		if j.notify && q.publish != nil {
			q.publish(j.path, rec)
		}
		return
	}

	rec, err := q.extractor.Extract(ctx, j.path, j.size, j.modified)
	if err != nil {
		q.log.Warn().Err(err).Str("path", j.path).Msg("metadata extraction failed, storing minimal record")
	}
	if storeErr := q.cache.Store(ctx, j.path, rec); storeErr != nil {
		q.log.Error().Err(storeErr).Str("path", j.path).Msg("failed to persist metadata record")
	}

	if j.notify && q.publish != nil {
		q.publish(j.path, rec)
	}
}
