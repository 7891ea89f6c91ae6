// Package tracing exports turn lifecycle spans via OTLP. Disabled tracing
// yields a no-op provider so callers never branch.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the OTLP exporter.
type Config struct {
	Enabled  bool
	Endpoint string            // e.g. "localhost:4317"
	Protocol string            // "grpc" (default) or "http"
	Insecure bool              // skip TLS for local dev
	Service  string            // service name (default "clawstream")
	Headers  map[string]string // extra headers (auth tokens, etc.)
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Setup builds a provider. With tracing disabled it returns a no-op
// provider; Shutdown is always safe to call.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("clawstream")}, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled but no OTLP endpoint configured")
	}

	service := cfg.Service
	if service == "" {
		service = "clawstream"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp, tracer: tp.Tracer("clawstream")}, nil
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartTurn opens a span covering one outbound turn.
func (p *Provider) StartTurn(ctx context.Context, sessionKey, runID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.String("run.id", runID),
		))
}

// StartResume opens a span covering one resume round.
func (p *Provider) StartResume(ctx context.Context, executionID string, attempt int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "resume",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.Int("attempt", attempt),
		))
}

// EndWithError records err (when non-nil) and ends the span.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
