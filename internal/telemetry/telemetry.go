// Package telemetry provides the gateway/worker tracer getter, grounded on
// digitallysavvy-go-ai's pkg/telemetry.GetTracer: a no-op tracer when
// disabled, otherwise the global otel tracer.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName identifies spans emitted by this service.
const TracerName = "data-portal"

// Settings controls whether tracing is active.
type Settings struct {
	Enabled bool
	Tracer  trace.Tracer
}

// GetTracer returns settings.Tracer if set, the global otel tracer when
// tracing is enabled, or a no-op tracer otherwise.
func GetTracer(settings *Settings) trace.Tracer {
	if settings == nil || !settings.Enabled {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	if settings.Tracer != nil {
		return settings.Tracer
	}
	return otel.Tracer(TracerName)
}
