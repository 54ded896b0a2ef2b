// Package telemetry defines the logging and metrics facade used across the
// cutting core. Services depend on these interfaces; production wiring
// installs the clue/OTEL implementations and tests use the noop ones.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records. Keyvals are alternating
	// key/value pairs; string keys only. Structured fields in production
	// include service, tenant, module and error.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}
)
