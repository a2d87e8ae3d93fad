// Package logging configures the process-wide zerolog logger used by every
// pipeline stage. zerolog is the dominant structured logger across this
// stack's components; the minority logrus setup this package used to hold
// is dropped in favor of it (see SPEC_FULL.md).
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to stdout, level-gated by levelName
// ("debug", "info", "warn", "error"; unrecognised values fall back to info).
func New(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(levelName)))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	var w io.Writer = os.Stdout
	return zerolog.New(w).With().Timestamp().Logger()
}

// WithRequest returns a child logger tagged with a request id, the shape
// every stage logs through ("request_id", "stage").
func WithRequest(l zerolog.Logger, requestID string) zerolog.Logger {
	return l.With().Str("request_id", requestID).Logger()
}

// Stage returns a child logger further tagged with the pipeline stage name,
// matching the log.Error().Str("stage", ...) call shape used throughout the
// retrieval/routing/context-assembly pipeline.
func Stage(l zerolog.Logger, stage string) zerolog.Logger {
	return l.With().Str("stage", stage).Logger()
}
