//go:build integration

package db

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go/modules/dolt"
)

// TestFacadeAgainstDolt exercises the mysql driver path against a real
// Dolt server, the same way the teacher reaches for a live database
// container rather than a fake for its storage-layer tests. Run with
// `go test -tags integration ./internal/db/...`; skipped otherwise since
// it needs a container runtime.
func TestFacadeAgainstDolt(t *testing.T) {
	ctx := context.Background()

	container, err := dolt.Run(ctx, "dolthub/dolt-sql-server:1.40.9")
	if err != nil {
		t.Fatalf("starting dolt container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminating dolt container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("reading dolt connection string: %v", err)
	}

	facade, err := Open(zerolog.Nop(), "mysql", dsn)
	if err != nil {
		t.Fatalf("opening facade against dolt: %v", err)
	}
	defer facade.Close()

	if err := facade.InsertItem(ctx, "printer", "fan_speed", json.RawMessage(`0.5`)); err != nil {
		t.Fatalf("InsertItem: %v", err)
	}

	got, err := facade.GetItem(ctx, "printer", "fan_speed")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if string(got) != "0.5" {
		t.Fatalf("GetItem returned %s, want 0.5", got)
	}

	miss, err := facade.GetItem(ctx, "printer", "missing_key", json.RawMessage(`null`))
	if err != nil {
		t.Fatalf("GetItem with default: %v", err)
	}
	if string(miss) != "null" {
		t.Fatalf("GetItem with default returned %s, want null", miss)
	}

	keys, err := facade.NamespaceKeys(ctx, "printer")
	if err != nil {
		t.Fatalf("NamespaceKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "fan_speed" {
		t.Fatalf("NamespaceKeys returned %v, want [fan_speed]", keys)
	}
}
