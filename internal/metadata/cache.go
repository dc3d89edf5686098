// Package metadata implements the gcode metadata cache and extraction
// queue described in spec.md §4.13: a size/mtime-keyed cache backed by
// the database facade, and a LIFO single-worker queue that invokes an
// external extractor process and republishes results on the event bus.
package metadata

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/moonbridge/moonbridge/internal/db"
)

const namespace = "gcode_metadata"

// cacheVersion is bumped whenever the record shape changes incompatibly;
// Cache.Prune clears the whole namespace when it finds a stale version
// marker, matching spec.md §4.13's "cache-version-bump full clear" rule.
const cacheVersion = 1

const versionKey = "_cache_version"

// Record is one cached gcode metadata entry. It carries no filename (the
// key already holds the path); the file manager adds a filename field to
// the metadata_update events it emits.
type Record struct {
	Size            int64          `json:"size"`
	Modified        float64        `json:"modified"`
	PrintStartTime  *float64       `json:"print_start_time"`
	JobID           *string        `json:"job_id"`
	LayerHeight     float64        `json:"layer_height,omitempty"`
	ObjectHeight    float64        `json:"object_height,omitempty"`
	FilamentTotal   float64        `json:"filament_total,omitempty"`
	EstimatedTime   float64        `json:"estimated_time,omitempty"`
	Slicer          string         `json:"slicer,omitempty"`
	ThumbnailPaths  []string       `json:"thumbnails,omitempty"`
	Extra           map[string]any `json:"-"`
}

// Cache stores gcode metadata records in the database facade's
// gcode_metadata namespace, keyed by the gcode-relative path.
type Cache struct {
	db *db.Facade
}

// NewCache wraps facade as a metadata cache, registering its namespace
// as gateway-owned so clients cannot delete the whole namespace.
func NewCache(facade *db.Facade) *Cache {
	facade.RegisterLocalNamespace(namespace)
	return &Cache{db: facade}
}

// Prune clears the entire cache if the stored version marker does not
// match cacheVersion (a record-shape change), then removes any entry
// whose backing file no longer exists. exists is called once per cached
// path; a nil exists skips the existence sweep (used in tests).
func (c *Cache) Prune(ctx context.Context, exists func(path string) bool) error {
	raw, err := c.db.GetItem(ctx, namespace, versionKey)
	if err != nil || !matchesVersion(raw) {
		keys, kErr := c.db.NamespaceKeys(ctx, namespace)
		if kErr == nil {
			for _, k := range keys {
				_, _ = c.db.Pop(ctx, namespace, k)
			}
		}
		return c.db.InsertItem(ctx, namespace, versionKey, cacheVersion)
	}

	if exists == nil {
		return nil
	}
	keys, err := c.db.NamespaceKeys(ctx, namespace)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == versionKey {
			continue
		}
		path := strings.ReplaceAll(strings.TrimPrefix(k, "byPath/"), "．", ".")
		if !exists(path) {
			_, _ = c.db.Pop(ctx, namespace, k)
		}
	}
	return nil
}

func matchesVersion(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v == cacheVersion
}

// Lookup returns the cached record for path if present and fresh
// (matching size and modified), reporting freshness via the second
// return value.
func (c *Cache) Lookup(ctx context.Context, path string, size int64, modified float64) (Record, bool) {
	raw, err := c.db.GetItem(ctx, namespace, key(path))
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false
	}
	if rec.Size != size || rec.Modified != modified {
		return Record{}, false
	}
	return rec, true
}

// Store persists rec under path, replacing any previous entry.
func (c *Cache) Store(ctx context.Context, path string, rec Record) error {
	return c.db.InsertItem(ctx, namespace, key(path), rec)
}

// Delete removes the cached entry for path, if any.
func (c *Cache) Delete(ctx context.Context, path string) {
	_, _ = c.db.Pop(ctx, namespace, key(path))
}

// LookupAny returns whatever record is cached for path regardless of
// freshness, for directory-listing enrichment where staleness is
// tolerable until the next ParseMetadata call corrects it.
func (c *Cache) LookupAny(ctx context.Context, path string) (Record, bool) {
	raw, err := c.db.GetItem(ctx, namespace, key(path))
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// AsFields flattens rec into the plain map shape fsroots.MetadataLookup
// merges into a directory listing entry.
func (rec Record) AsFields() map[string]any {
	fields := map[string]any{
		"size":     rec.Size,
		"modified": rec.Modified,
	}
	if rec.LayerHeight != 0 {
		fields["layer_height"] = rec.LayerHeight
	}
	if rec.ObjectHeight != 0 {
		fields["object_height"] = rec.ObjectHeight
	}
	if rec.FilamentTotal != 0 {
		fields["filament_total"] = rec.FilamentTotal
	}
	if rec.EstimatedTime != 0 {
		fields["estimated_time"] = rec.EstimatedTime
	}
	if rec.Slicer != "" {
		fields["slicer"] = rec.Slicer
	}
	if len(rec.ThumbnailPaths) > 0 {
		fields["thumbnails"] = rec.ThumbnailPaths
	}
	return fields
}

// FsrootsLookup adapts Cache to fsroots.MetadataLookup without importing
// the fsroots package here (it already imports nothing from metadata,
// keeping the dependency one-directional).
type FsrootsLookup struct {
	Cache *Cache
}

// Lookup satisfies fsroots.MetadataLookup.
func (f FsrootsLookup) Lookup(relPath string) (map[string]any, bool) {
	rec, ok := f.Cache.LookupAny(context.Background(), relPath)
	if !ok {
		return nil, false
	}
	return rec.AsFields(), true
}

func key(path string) string {
	// Dots in filenames would otherwise be read as dotted-path
	// separators by the facade's addressing scheme.
	return "byPath/" + escapeDots(path)
}

func escapeDots(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '.' {
			out = append(out, '．') // fullwidth full stop stand-in
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
