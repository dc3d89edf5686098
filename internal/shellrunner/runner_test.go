package shellrunner_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/internal/shellrunner"
)

func TestRunCapturesStdout(t *testing.T) {
	r := shellrunner.New(zerolog.Nop())
	res, err := r.Run(context.Background(), "echo hello", time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "hello")
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunTimesOut(t *testing.T) {
	r := shellrunner.New(zerolog.Nop())
	_, err := r.Run(context.Background(), "sleep 5", 50*time.Millisecond)
	require.Error(t, err)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	r := shellrunner.New(zerolog.Nop())
	_, err := r.Run(context.Background(), "   ", time.Second)
	require.Error(t, err)
}

func TestRunArgsPreservesArgumentContainingSpaces(t *testing.T) {
	r := shellrunner.New(zerolog.Nop())
	res, err := r.RunArgs(context.Background(), []string{"echo", "my file.gcode"}, time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "my file.gcode")
}
