package telemetry

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jllopis/handoff/pkg/config"
	"github.com/jllopis/handoff/pkg/errors"
)

// ShutdownFunc flushes and stops the providers installed by InitWithConfig.
type ShutdownFunc func(context.Context) error

// Config selects where spans and metrics go.
type Config struct {
	// Exporter is none, stdout or otlp.
	Exporter string
	// Output receives stdout exporter records. Defaults to os.Stderr so the
	// CLI keeps stdout for results.
	Output             io.Writer
	OTLPEndpoint       string
	OTLPInsecure       bool
	OTLPTimeoutSeconds int
	OTLPHeaders        map[string]string
}

func FromConfig(cfg config.TelemetryConfig) Config {
	return Config{
		Exporter:           cfg.Exporter,
		OTLPEndpoint:       cfg.OTLPEndpoint,
		OTLPInsecure:       cfg.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.OTLPTimeoutSeconds,
		OTLPHeaders:        cfg.OTLPHeaders,
	}
}

type exporters struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

var exporterBuilders = map[string]func(Config) (exporters, error){
	"stdout": stdoutExporters,
	"otlp":   otlpExporters,
}

// InitWithConfig installs global tracer and meter providers for the
// configured exporter. With "none" the global no-op providers stay.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if cfg.Exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "stdout"
	}
	build, ok := exporterBuilders[cfg.Exporter]
	if !ok {
		return nil, errors.New(errors.CodeInvalidConfig, "unknown telemetry exporter: "+cfg.Exporter, nil)
	}
	exp, err := build(cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "create telemetry resource", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp.spans, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exp.metrics, metric.WithInterval(time.Minute))),
		metric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		if err := stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx)); err != nil {
			return errors.New(errors.CodeInternal, "telemetry shutdown", err)
		}
		return nil
	}, nil
}

func stdoutExporters(cfg Config) (exporters, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	spans, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	if err != nil {
		return exporters{}, errors.New(errors.CodeInternal, "create trace exporter", err)
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
	if err != nil {
		return exporters{}, errors.New(errors.CodeInternal, "create metric exporter", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}

func otlpExporters(cfg Config) (exporters, error) {
	if cfg.OTLPEndpoint == "" {
		return exporters{}, errors.New(errors.CodeInvalidConfig, "otlp endpoint is required", nil)
	}
	spanOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		spanOpts = append(spanOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	if cfg.OTLPTimeoutSeconds > 0 {
		d := time.Duration(cfg.OTLPTimeoutSeconds) * time.Second
		spanOpts = append(spanOpts, otlptracegrpc.WithTimeout(d))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTimeout(d))
	}
	if len(cfg.OTLPHeaders) > 0 {
		spanOpts = append(spanOpts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithHeaders(cfg.OTLPHeaders))
	}

	ctx := context.Background()
	spans, err := otlptracegrpc.New(ctx, spanOpts...)
	if err != nil {
		return exporters{}, errors.New(errors.CodeInternal, "create otlp trace exporter", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return exporters{}, errors.New(errors.CodeInternal, "create otlp metric exporter", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}
