// Package telemetry defines the minimal out-of-scope metrics/telemetry
// collaborator (spec.md §1: "metrics/telemetry" is specified only by
// interfaces) that tetherd still needs one call site for: the "terrible
// error" marker spec.md §9's first Open Question requires preserving
// (log + continue, not a stricter check) whenever Enable runs against a
// placeholder request (I6).
package telemetry

import "log/slog"

// Sink receives telemetry markers. Real implementations would forward to a
// metrics pipeline; Sink itself is the interface boundary spec.md §1 calls
// for.
type Sink interface {
	TerribleError(msg string, args ...any)
}

// SlogSink is the default Sink, logging at Warn level via the daemon's
// shared structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink returns a Sink backed by logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{Logger: logger}
}

func (s *SlogSink) TerribleError(msg string, args ...any) {
	s.Logger.Warn("terrible error: "+msg, append([]any{"marker", "terrible_error"}, args...)...)
}
