// Package logging wires tremor into OpenTelemetry: slog loggers bridged to
// the OTel log pipeline, metric counters, and the tracer used around task
// decisions.
package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dreamware/tremor"

var (
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
)

// Logger returns a logger for one component. Records go to whatever
// logger provider is installed globally; before Setup runs they are
// discarded.
func Logger(component string) *slog.Logger {
	return otelslog.NewLogger(instrumentationName+"/"+component).With("component", component)
}

// OrDefault returns l, or the component logger when l is nil.
func OrDefault(l *slog.Logger, component string) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger(component)
}

// Log writes a message at level through the package logger.
func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

// StartSpan opens a span on the tremor tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}
