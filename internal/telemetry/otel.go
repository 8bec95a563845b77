// Package telemetry provides OpenTelemetry instrumentation
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/agentguard/mcp-gateway/internal/audit"
	"github.com/agentguard/mcp-gateway/internal/gatewayerr"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	MetricsPort    int
}

// Provider manages OpenTelemetry providers
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Invocation-level metrics (§4.3 ambient observability layer)
	invocationCounter  metric.Int64Counter
	invocationDuration metric.Float64Histogram
	invocationBytes    metric.Int64Histogram
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	// Create resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Setup trace exporter — use TLS by default, plaintext only when OTEL_INSECURE=true
	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if strings.EqualFold(os.Getenv("OTEL_INSECURE"), "true") {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	} else {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	traceExporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Setup tracer provider
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Setup Prometheus exporter for metrics
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		config:         cfg,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
	}

	// Initialize metrics
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.invocationCounter, err = p.meter.Int64Counter(
		"invocation_total",
		metric.WithDescription("Total number of tool invocations, by tool/decision/error_code"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return err
	}

	p.invocationDuration, err = p.meter.Float64Histogram(
		"invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	p.invocationBytes, err = p.meter.Int64Histogram(
		"invocation_result_bytes",
		metric.WithDescription("Serialized size of successful invocation results"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter instance
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown gracefully shuts down telemetry providers.
// Both tracer and meter are shut down regardless of individual failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// RecordInvocation satisfies gateway.Metrics: it records the invocation
// counter, duration histogram, and (for successful, non-empty results) the
// result-size histogram. It never blocks on exporter I/O beyond what the
// OTel SDK itself buffers.
func (p *Provider) RecordInvocation(ctx context.Context, tool string, decision audit.Decision, errorCode gatewayerr.Code, durationMs int64, resultBytes int) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("decision", string(decision)),
		attribute.String("error_code", string(errorCode)),
	}

	p.invocationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.invocationDuration.Record(ctx, float64(durationMs)/1000.0, metric.WithAttributes(attrs...))
	if errorCode == "" && resultBytes > 0 {
		p.invocationBytes.Record(ctx, int64(resultBytes), metric.WithAttributes(attrs...))
	}
}

// StartInvocationSpan starts a span named "invoke:<tool>" carrying the tool
// attribute. The execution harness does not call it: gateway.Invoke reports
// to the Provider only through RecordInvocation, so invocations produce
// metrics but no span of their own.
func (p *Provider) StartInvocationSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "invoke:"+tool, trace.WithAttributes(attribute.String("tool", tool)))
}
