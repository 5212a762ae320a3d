// Package statssink implements the StatsSink collaborator (spec.md §6): a
// fire-and-forget endpoint usage recorder.
package statssink

import (
	"context"

	"github.com/sirupsen/logrus"
)

// StatsSink records endpoint usage. Implementations must not block or
// propagate errors back to the request path (spec.md §6: "fire-and-forget").
type StatsSink interface {
	Record(ctx context.Context, endpoint string, status int, count int, params map[string]string)
}

// NoopSink discards every record; used when no stats backend is configured.
type NoopSink struct{}

func (NoopSink) Record(context.Context, string, int, int, map[string]string) {}

// LoggingSink records usage as structured log lines via logrus, the
// reference implementation for local development (internal/logging).
type LoggingSink struct {
	Log *logrus.Logger
}

func NewLoggingSink(log *logrus.Logger) *LoggingSink {
	return &LoggingSink{Log: log}
}

func (s *LoggingSink) Record(_ context.Context, endpoint string, status int, count int, params map[string]string) {
	s.Log.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"status":   status,
		"count":    count,
		"params":   params,
	}).Info("endpoint usage")
}
