// Package db implements the namespaced key/value store described in
// spec.md §4.9, backed by database/sql with a pluggable driver (sqlite3
// for local single-process deployments, mysql for shared deployments),
// grounded on the teacher's internal/storage/ephemeral store.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// Facade is a namespaced key/value store. Namespaces reserved by the
// gateway itself ("local") cannot be removed by clients, per spec.md §4.9.
type Facade struct {
	log zerolog.Logger
	db  *sql.DB

	mu              sync.RWMutex
	localNamespaces map[string]bool
}

// Open opens driver/dsn and ensures the kv_store table exists. driver is
// "sqlite3" or "mysql"; for sqlite3, dsn is a filesystem path and is
// created with WAL mode and a single-connection pool since SQLite does
// not support concurrent writers.
func Open(log zerolog.Logger, driver, dsn string) (*Facade, error) {
	openDSN := dsn
	if driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, gwerr.IO(err, "creating database directory")
			}
		}
		openDSN = fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", dsn)
	}

	sqlDB, err := sql.Open(driver, openDSN)
	if err != nil {
		return nil, gwerr.IO(err, "opening database")
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, gwerr.IO(err, "pinging database")
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, gwerr.IO(err, "initializing schema")
	}

	return &Facade{
		log:             log.With().Str("component", "db").Logger(),
		db:              sqlDB,
		localNamespaces: make(map[string]bool),
	}, nil
}

// Close closes the underlying connection.
func (f *Facade) Close() error {
	return f.db.Close()
}

// RegisterLocalNamespace marks namespace as owned by the gateway itself;
// clients may read it but cannot delete the namespace wholesale, per
// spec.md §4.9.
func (f *Facade) RegisterLocalNamespace(namespace string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localNamespaces[namespace] = true
}

func (f *Facade) isLocal(namespace string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.localNamespaces[namespace]
}

// NamespaceKeys returns all top-level keys stored under namespace.
func (f *Facade) NamespaceKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT key FROM kv_store WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, gwerr.IO(err, "listing namespace keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, gwerr.IO(err, "scanning namespace key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Namespaces returns the distinct namespace names currently present.
func (f *Facade) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM kv_store`)
	if err != nil {
		return nil, gwerr.IO(err, "listing namespaces")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, gwerr.IO(err, "scanning namespace")
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// GetItem fetches the value at key within namespace, optionally resolving
// a dotted sub-path within a JSON object value, per spec.md §4.9
// ("dot-separated path addressing"). A caller may pass def to have a miss
// (whether of the root key or of a path segment within it) return def
// instead of a NotFound error, per the facade's `get_item(ns, key,
// default)` contract; the miss is still logged so a missing default
// doesn't silently mask a typo'd key.
func (f *Facade) GetItem(ctx context.Context, namespace, key string, def ...json.RawMessage) (json.RawMessage, error) {
	root, path := splitDottedKey(key)

	var raw string
	err := f.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE namespace = ? AND key = ?`, namespace, root).Scan(&raw)
	if err == sql.ErrNoRows {
		return f.missOrDefault(namespace, key, def)
	}
	if err != nil {
		return nil, gwerr.IO(err, "reading item")
	}

	if len(path) == 0 {
		return json.RawMessage(raw), nil
	}
	value, err := resolvePath(json.RawMessage(raw), path)
	if err != nil {
		return f.missOrDefault(namespace, key, def)
	}
	return value, nil
}

func (f *Facade) missOrDefault(namespace, key string, def []json.RawMessage) (json.RawMessage, error) {
	if len(def) == 0 {
		return nil, gwerr.NotFound("no value at %s.%s", namespace, key)
	}
	f.log.Debug().Str("namespace", namespace).Str("key", key).Msg("item missing, returning caller default")
	return def[0], nil
}

// InsertItem stores value at key within namespace, creating or
// overwriting along a dotted path as needed.
func (f *Facade) InsertItem(ctx context.Context, namespace, key string, value any) error {
	root, path := splitDottedKey(key)
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return gwerr.Internal(err, "encoding value")
	}

	if len(path) == 0 {
		return f.upsertRoot(ctx, namespace, root, encodedValue)
	}

	var existing json.RawMessage
	row := f.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE namespace = ? AND key = ?`, namespace, root)
	var raw string
	switch err := row.Scan(&raw); err {
	case nil:
		existing = json.RawMessage(raw)
	case sql.ErrNoRows:
		existing = json.RawMessage(`{}`)
	default:
		return gwerr.IO(err, "reading item for merge")
	}

	merged, err := setPath(existing, path, encodedValue)
	if err != nil {
		return err
	}
	return f.upsertRoot(ctx, namespace, root, merged)
}

func (f *Facade) upsertRoot(ctx context.Context, namespace, root string, value json.RawMessage) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO kv_store (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, root, string(value))
	if err != nil {
		return gwerr.IO(err, "writing item")
	}
	return nil
}

// UpdateItem is an alias for InsertItem; the wire protocol does not
// distinguish create from update, per spec.md §4.9.
func (f *Facade) UpdateItem(ctx context.Context, namespace, key string, value any) error {
	return f.InsertItem(ctx, namespace, key, value)
}

// DeleteItem removes the value at a dotted key, or the whole root key if
// the path is empty. Deleting a whole namespace this way is rejected for
// namespaces registered with RegisterLocalNamespace.
func (f *Facade) DeleteItem(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	if f.isLocal(namespace) && key == "" {
		return nil, gwerr.Forbidden("namespace %q is reserved", namespace)
	}

	old, err := f.GetItem(ctx, namespace, key)
	if err != nil {
		return nil, err
	}

	root, path := splitDottedKey(key)
	if len(path) == 0 {
		if _, err := f.db.ExecContext(ctx, `DELETE FROM kv_store WHERE namespace = ? AND key = ?`, namespace, root); err != nil {
			return nil, gwerr.IO(err, "deleting item")
		}
		return old, nil
	}

	var raw string
	if err := f.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE namespace = ? AND key = ?`, namespace, root).Scan(&raw); err != nil {
		return nil, gwerr.IO(err, "reading item for delete")
	}
	pruned, err := deletePath(json.RawMessage(raw), path)
	if err != nil {
		return nil, err
	}
	return old, f.upsertRoot(ctx, namespace, root, pruned)
}

// Pop deletes and returns the value at key, per spec.md §4.9.
func (f *Facade) Pop(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	return f.DeleteItem(ctx, namespace, key)
}

func splitDottedKey(key string) (root string, path []string) {
	parts := strings.Split(key, ".")
	return parts[0], parts[1:]
}

func resolvePath(value json.RawMessage, path []string) (json.RawMessage, error) {
	current := value
	for _, segment := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, gwerr.NotFound("path segment %q is not an object", segment)
		}
		next, ok := obj[segment]
		if !ok {
			return nil, gwerr.NotFound("no value at path segment %q", segment)
		}
		current = next
	}
	return current, nil
}

func setPath(root json.RawMessage, path []string, value json.RawMessage) (json.RawMessage, error) {
	if len(path) == 0 {
		return value, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(root, &obj); err != nil {
		obj = make(map[string]json.RawMessage)
	}
	if len(path) == 1 {
		obj[path[0]] = value
	} else {
		child := obj[path[0]]
		if len(child) == 0 {
			child = json.RawMessage(`{}`)
		}
		merged, err := setPath(child, path[1:], value)
		if err != nil {
			return nil, err
		}
		obj[path[0]] = merged
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, gwerr.Internal(err, "encoding merged value")
	}
	return out, nil
}

func deletePath(root json.RawMessage, path []string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(root, &obj); err != nil {
		return nil, gwerr.NotFound("path is not an object")
	}
	if len(path) == 1 {
		delete(obj, path[0])
	} else {
		child, ok := obj[path[0]]
		if !ok {
			return nil, gwerr.NotFound("no value at path segment %q", path[0])
		}
		pruned, err := deletePath(child, path[1:])
		if err != nil {
			return nil, err
		}
		obj[path[0]] = pruned
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, gwerr.Internal(err, "encoding pruned value")
	}
	return out, nil
}
