package filemanager_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/auth"
	"github.com/moonbridge/moonbridge/internal/components/filemanager"
	"github.com/moonbridge/moonbridge/internal/config"
	"github.com/moonbridge/moonbridge/internal/db"
	"github.com/moonbridge/moonbridge/internal/eventbus"
	"github.com/moonbridge/moonbridge/internal/fsroots"
	"github.com/moonbridge/moonbridge/internal/gateway"
	"github.com/moonbridge/moonbridge/internal/server"
	"github.com/moonbridge/moonbridge/internal/shellrunner"
)

func newTestContext(t *testing.T) (*server.Context, string) {
	t.Helper()
	log := zerolog.Nop()

	gcodesDir := t.TempDir()

	facade, err := db.Open(log, "sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = facade.Close() })

	roots := fsroots.New(log)
	require.NoError(t, roots.RegisterDirectory("gcodes", gcodesDir, fsroots.ReadWrite))

	guard, err := auth.New(log, auth.Config{RequireAuth: false, APIKeyFile: filepath.Join(t.TempDir(), "key")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = guard.Close() })

	gw := gateway.New(log, guard)
	bus := eventbus.New(log)
	shell := shellrunner.New(log)

	cfg := &config.Root{}
	ctx := server.New(cfg, log, bus, nil, gw, facade, roots, guard, shell, nil, nil, nil)
	return ctx, gcodesDir
}

func TestFileManagerListsUploadedFile(t *testing.T) {
	ctx, gcodesDir := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(gcodesDir, "existing.gcode"), []byte("G28\n"), 0o644))

	c := filemanager.New("moonbridge-metadata-extract")
	require.NoError(t, c.Init(ctx))
	t.Cleanup(func() { _ = c.Close() })

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/server/files/list?root=gcodes", nil)
	ctx.Gateway().Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "existing.gcode")
}

func TestFileManagerDirectoryCreateAndDelete(t *testing.T) {
	ctx, gcodesDir := newTestContext(t)

	c := filemanager.New("moonbridge-metadata-extract")
	require.NoError(t, c.Init(ctx))
	t.Cleanup(func() { _ = c.Close() })

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/server/files/directory?root=gcodes&path=sub", nil)
	ctx.Gateway().Mux().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	info, err := os.Stat(filepath.Join(gcodesDir, "sub"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodDelete, "/server/files/directory?root=gcodes&path=sub", nil)
	ctx.Gateway().Mux().ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusOK, rr2.Code)

	_, err = os.Stat(filepath.Join(gcodesDir, "sub"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileManagerEmitsCreateFileEventFromDiskWrite(t *testing.T) {
	ctx, gcodesDir := newTestContext(t)

	c := filemanager.New("moonbridge-metadata-extract")
	require.NoError(t, c.Init(ctx))
	t.Cleanup(func() { _ = c.Close() })

	received := make(chan []any, 1)
	ctx.EventBus().RegisterHandler("file_manager:create_file", func(args ...any) {
		received <- args
	})

	require.NoError(t, os.WriteFile(filepath.Join(gcodesDir, "new.gcode"), []byte("G1 X1\n"), 0o644))

	select {
	case args := <-received:
		require.Len(t, args, 2)
		assert.Equal(t, "gcodes", args[0])
		assert.Equal(t, "new.gcode", args[1])
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for file_manager:create_file event")
	}
}
