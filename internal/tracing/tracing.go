// Package tracing sets up OpenTelemetry tracing for relay sessions and
// upstream fetches.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"stream-relay-go/internal/config"
)

// Span names.
const (
	SpanSession  = "relay.session"
	SpanPrimary  = "relay.fetch.primary"
	SpanFallback = "relay.fetch.fallback"
	SpanPump     = "relay.pump"
)

// Attribute keys.
const (
	AttrSessionID = "relay.session_id"
	AttrMode      = "relay.mode"
	AttrOutcome   = "relay.outcome"
	AttrBytes     = "relay.bytes"
	AttrUpstream  = "relay.upstream_url"
)

// Provider bundles the tracer used by the relay with its shutdown hook.
type Provider struct {
	Tracer   trace.Tracer
	Shutdown func(context.Context) error
}

// New initializes tracing from config. When tracing is disabled it returns a
// no-op tracer and leaves the global provider untouched.
func New(cfg *config.Config, logger *slog.Logger) (*Provider, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return NoopProvider(), nil
	}

	logger.Info("initializing tracing", "endpoint", tc.Endpoint, "service", tc.ServiceName)

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tc.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		Tracer: tp.Tracer(tc.ServiceName),
		Shutdown: func(ctx context.Context) error {
			logger.Info("shutting down tracer provider")
			return tp.Shutdown(ctx)
		},
	}, nil
}

// NoopProvider returns a provider whose spans are discarded.
func NoopProvider() *Provider {
	return &Provider{
		Tracer:   noop.NewTracerProvider().Tracer("stream-relay"),
		Shutdown: func(context.Context) error { return nil },
	}
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ModeAttr returns the fetch mode attribute.
func ModeAttr(mode string) attribute.KeyValue {
	return attribute.String(AttrMode, mode)
}

// SessionAttr returns the session id attribute.
func SessionAttr(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// LogAttrs returns trace_id and span_id log fields for the span in ctx,
// or nil when ctx carries no sampled span.
func LogAttrs(ctx context.Context) []any {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []any{"trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String()}
}
