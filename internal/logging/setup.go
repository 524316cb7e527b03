package logging

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options configures Setup.
type Options struct {
	// Writer receives exported logs, metrics and spans. Defaults to stdout.
	Writer io.Writer

	// Service is reported as service.name.
	Service string

	// NodeID is reported as tremor.node.id.
	NodeID string

	// MetricInterval is how often metrics are exported. Defaults to one minute.
	MetricInterval time.Duration

	// Traces enables the span exporter.
	Traces bool
}

// Setup installs the OpenTelemetry SDK with stdout exporters as the
// global providers. The returned function flushes and shuts them down.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Service == "" {
		opts.Service = "tremor"
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = time.Minute
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			err = errors.Join(err, shutdownFuncs[i](ctx))
		}
		shutdownFuncs = nil
		return err
	}
	fail := func(err error) (func(context.Context) error, error) {
		return nil, errors.Join(err, shutdown(ctx))
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", opts.Service),
		attribute.String("tremor.node.id", opts.NodeID),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if opts.Traces {
		traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
		if err != nil {
			return fail(err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter),
		)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer))
	if err != nil {
		return fail(err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(opts.MetricInterval))),
	)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	otel.SetMeterProvider(mp)

	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(opts.Writer))
	if err != nil {
		return fail(err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	shutdownFuncs = append(shutdownFuncs, lp.Shutdown)
	global.SetLoggerProvider(lp)

	return shutdown, nil
}
