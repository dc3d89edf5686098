package metadata_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/metadata"
)

func writeGcode(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "job.gcode")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseGcodeFileIdentifiesPrusaSlicerAndFields(t *testing.T) {
	content := "; generated by PrusaSlicer 2.6.0 on 2024-01-01 at 12:00:00\n" +
		"G28\nG1 Z0.2\n" +
		"; layer_height = 0.2\n" +
		"; first_layer_height = 0.3\n" +
		"; filament used [mm] = 1234.5\n" +
		"; estimated printing time (normal mode) = 1h 2m 3s\n"

	path := writeGcode(t, content)
	meta, err := metadata.ParseGcodeFile(path)
	require.NoError(t, err)

	assert.Equal(t, "PrusaSlicer", meta["slicer"])
	assert.Equal(t, "2.6.0", meta["slicer_version"])
	assert.Equal(t, 0.2, meta["layer_height"])
	assert.Equal(t, 0.3, meta["first_layer_height"])
	assert.Equal(t, 1234.5, meta["filament_total"])
	assert.Equal(t, float64(3723), meta["estimated_time"])
}

func TestParseGcodeFileIdentifiesCuraAndConvertsFilamentToMillimeters(t *testing.T) {
	content := ";Cura_SteamEngine 5.6.0\n" +
		";Layer height: 0.28\n" +
		";MINZ:0.28\n" +
		";MAXZ:42.0\n" +
		";Filament used: 3.2m\n" +
		";TIME:4500\n"

	path := writeGcode(t, content)
	meta, err := metadata.ParseGcodeFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Cura", meta["slicer"])
	assert.Equal(t, "5.6.0", meta["slicer_version"])
	assert.Equal(t, 0.28, meta["layer_height"])
	assert.Equal(t, 0.28, meta["first_layer_height"])
	assert.Equal(t, 42.0, meta["object_height"])
	assert.Equal(t, 3200.0, meta["filament_total"])
}

func TestParseGcodeFileFallsBackToUnknownSlicer(t *testing.T) {
	content := "G28\nG1 Z0.2 F1200\nG1 X10 Y10\nG1 Z5.0 F1200\n"

	path := writeGcode(t, content)
	meta, err := metadata.ParseGcodeFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Unknown", meta["slicer"])
	assert.NotContains(t, meta, "slicer_version")
}

func TestParseGcodeFileReturnsSizeAndModified(t *testing.T) {
	path := writeGcode(t, "G28\n")
	meta, err := metadata.ParseGcodeFile(path)
	require.NoError(t, err)

	assert.EqualValues(t, 4, meta["size"])
	assert.Greater(t, meta["modified"].(float64), 0.0)
}
