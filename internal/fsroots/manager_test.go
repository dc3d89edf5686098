package fsroots_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/fsroots"
)

func newManager(t *testing.T) (*fsroots.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m := fsroots.New(zerolog.Nop())
	require.NoError(t, m.RegisterDirectory("gcodes", filepath.Join(dir, "gcodes"), fsroots.ReadWrite))
	require.NoError(t, m.RegisterDirectory("config", filepath.Join(dir, "config"), fsroots.ReadOnly))
	return m, dir
}

func TestRegisterDirectoryRejectsReadWriteForDisallowedRoot(t *testing.T) {
	m := fsroots.New(zerolog.Nop())
	err := m.RegisterDirectory("logs", t.TempDir(), fsroots.ReadWrite)
	require.Error(t, err)
}

func TestResolveRejectsPathEscape(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Resolve("gcodes", "../../etc/passwd")
	require.Error(t, err)
}

func TestListReturnsEntries(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gcodes", "a.gcode"), []byte("data"), 0o644))

	entries, _, err := m.List("gcodes", "", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.gcode", entries[0].Path)
	assert.False(t, entries[0].IsDir)
}

func TestMoveRequiresWritableDestination(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gcodes", "a.gcode"), []byte("data"), 0o644))

	err := m.Move("gcodes", "a.gcode", "config", "a.gcode")
	require.Error(t, err)
}

func TestMoveRelocatesFile(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "gcodes", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gcodes", "a.gcode"), []byte("data"), 0o644))

	require.NoError(t, m.Move("gcodes", "a.gcode", "gcodes", "sub/a.gcode"))

	_, err := os.Stat(filepath.Join(dir, "gcodes", "a.gcode"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "gcodes", "sub", "a.gcode"))
	assert.NoError(t, err)
}

type alwaysInUse struct{}

func (alwaysInUse) IsFileInUse(string) bool { return true }

func TestDeleteRefusedWhenInUse(t *testing.T) {
	m, dir := newManager(t)
	m.SetInUseChecker(alwaysInUse{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gcodes", "a.gcode"), []byte("data"), 0o644))

	err := m.Delete("gcodes", "a.gcode", false)
	require.Error(t, err)
}

func TestDeleteNonEmptyDirRequiresForce(t *testing.T) {
	m, dir := newManager(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "gcodes", "job"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gcodes", "job", "a.gcode"), []byte("data"), 0o644))

	require.Error(t, m.Delete("gcodes", "job", false))
	require.NoError(t, m.Delete("gcodes", "job", true))
}
