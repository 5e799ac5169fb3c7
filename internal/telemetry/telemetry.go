// Package telemetry provides OpenTelemetry tracing for agent sessions.
package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const serviceName = "researcher"

// Span attribute keys
const (
	AttrSessionID    = attribute.Key("researcher.session_id")
	AttrAttempt      = attribute.Key("researcher.attempt")
	AttrModel        = attribute.Key("researcher.model")
	AttrToolName     = attribute.Key("researcher.tool.name")
	AttrToolIsError  = attribute.Key("researcher.tool.is_error")
	AttrInputTokens  = attribute.Key("researcher.usage.input_tokens")
	AttrOutputTokens = attribute.Key("researcher.usage.output_tokens")
	AttrOutcome      = attribute.Key("researcher.outcome")
)

// TelemetryConfig holds the configuration for telemetry
type TelemetryConfig struct {
	Enabled bool
	// Endpoint is the OTLP/HTTP collector URL, e.g. http://localhost:4318. Empty uses the exporter's environment
	// variables and defaults
	Endpoint       string
	ServiceVersion string
}

// Provider manages the tracing pipeline
type Provider struct {
	tracerProvider *sdktrace.TracerProvider // nil when disabled
	tracer         trace.Tracer
	logger         *zap.Logger
}

// NewProvider creates a new telemetry provider. When telemetry is disabled the provider hands out a no-op tracer
func NewProvider(ctx context.Context, config TelemetryConfig, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		logger.Debug("Telemetry disabled")
		return &Provider{tracer: NoopTracer(), logger: logger}, nil
	}

	var opts []otlptracehttp.Option
	if config.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(config.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", config.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info("Telemetry enabled", zap.String("endpoint", config.Endpoint))

	return &Provider{
		tracerProvider: tp,
		tracer:         tp.Tracer(serviceName),
		logger:         logger,
	}, nil
}

// Tracer returns the tracer for agent spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and shuts down the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	p.logger.Debug("Shutting down telemetry provider")
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}

// NoopTracer returns a tracer that records nothing
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(serviceName)
}

// RecordError marks the span as failed
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// NewSessionID generates a new session UUID
func NewSessionID() string {
	return uuid.New().String()
}
