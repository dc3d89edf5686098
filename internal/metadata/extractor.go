package metadata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/gwerr"
	"github.com/moonbridge/moonbridge/internal/shellrunner"
)

// extractTimeout bounds a single extractor subprocess invocation.
const extractTimeout = 10 * time.Second

// maxExtractAttempts is the number of extractor invocations attempted
// before falling back to a minimal record, per spec.md §4.13.
const maxExtractAttempts = 3

// CommandRunner matches shellrunner.Runner's RunArgs method; accepting
// the interface rather than the concrete type keeps tests free of real
// subprocess spawning. Argv form is required (not the whitespace-split
// Run) since a gcode path may itself contain spaces.
type CommandRunner interface {
	RunArgs(ctx context.Context, argv []string, timeout time.Duration) (shellrunner.Result, error)
}

type extractorOutput struct {
	File     string         `json:"file"`
	Metadata map[string]any `json:"metadata"`
}

// Extractor invokes the external metadata-extraction binary and parses
// its single-line JSON contract, retrying transient failures with a
// bounded exponential backoff.
type Extractor struct {
	log     zerolog.Logger
	runner  CommandRunner
	command string // e.g. "moonbridge-metadata-extract"
}

// NewExtractor builds an Extractor invoking binaryPath once per attempt.
func NewExtractor(log zerolog.Logger, runner CommandRunner, binaryPath string) *Extractor {
	return &Extractor{
		log:     log.With().Str("component", "metadata-extractor").Logger(),
		runner:  runner,
		command: binaryPath,
	}
}

// Extract runs the extractor against path, retrying up to
// maxExtractAttempts times with exponential backoff before giving up.
func (e *Extractor) Extract(ctx context.Context, path string, size int64, modified float64) (Record, error) {
	var lastErr error

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxExtractAttempts-1)
	attempt := 0

	var finalOut extractorOutput
	runWithCapture := func() error {
		attempt++
		out, err := e.runner.RunArgs(ctx, []string{e.command, path}, extractTimeout)
		if err != nil {
			lastErr = err
			e.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("extractor invocation failed")
			return err
		}
		if jsonErr := json.Unmarshal([]byte(out.Stdout), &finalOut); jsonErr != nil {
			lastErr = gwerr.IO(jsonErr, "extractor produced malformed output for %s", path)
			return lastErr
		}
		lastErr = nil
		return nil
	}

	if err := backoff.Retry(runWithCapture, policy); err != nil {
		return minimalRecord(size, modified), lastErr
	}

	rec := recordFromExtractorOutput(finalOut.Metadata)
	rec.Size = size
	rec.Modified = modified
	return rec, nil
}

func minimalRecord(size int64, modified float64) Record {
	return Record{Size: size, Modified: modified}
}

func recordFromExtractorOutput(m map[string]any) Record {
	rec := Record{}
	if v, ok := m["layer_height"].(float64); ok {
		rec.LayerHeight = v
	}
	if v, ok := m["object_height"].(float64); ok {
		rec.ObjectHeight = v
	}
	if v, ok := m["filament_total"].(float64); ok {
		rec.FilamentTotal = v
	}
	if v, ok := m["estimated_time"].(float64); ok {
		rec.EstimatedTime = v
	}
	if v, ok := m["slicer"].(string); ok {
		rec.Slicer = v
	}
	if v, ok := m["thumbnails"].([]any); ok {
		for _, t := range v {
			obj, ok := t.(map[string]any)
			if !ok {
				continue
			}
			if rel, ok := obj["relative_path"].(string); ok {
				rec.ThumbnailPaths = append(rec.ThumbnailPaths, rel)
			}
		}
	}
	return rec
}
