// Package logging configures the process-wide structured logger used by
// every component, mirroring the teacher's convention of attaching
// structured fields (component, operation) rather than freeform strings.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Options controls where and how verbosely the logger writes.
type Options struct {
	// LogPath is the file to write to. Ignored when NoFileLogging is set.
	LogPath string
	// NoFileLogging disables the file writer; logs go to stderr only.
	NoFileLogging bool
	// Debug raises the level to debug; otherwise info.
	Debug bool
}

// New builds the root logger per Options. The returned io.Closer (possibly
// nil) should be closed at shutdown to flush and release the log file.
func New(opts Options) (zerolog.Logger, io.Closer) {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}}

	var closer io.Closer
	if !opts.NoFileLogging && opts.LogPath != "" {
		if f, err := openLogFile(opts.LogPath); err == nil {
			writers = append(writers, f)
			closer = f
		}
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closer
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
