package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"reasonchain/internal/infra/config"
)

const scope = "reasonchain"

// Shutdown flushes buffered spans.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider for the configured exporter.
// "noop", an empty exporter and a disabled tracer all install a provider
// that records nothing.
func Setup(ctx context.Context, cfg config.TracerConfig, version string) (Shutdown, error) {
	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", scope),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(cfg config.TracerConfig) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Exporter {
	case "", "noop":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout span exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("tracer exporter %q is not supported", cfg.Exporter)
	}
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// PhaseSpan covers one attempt of a workflow phase.
func PhaseSpan(ctx context.Context, runID, phase string, attempt int, stream bool) (context.Context, trace.Span) {
	return start(ctx, "workflow.phase",
		attribute.String("workflow.run_id", runID),
		attribute.String("workflow.phase", phase),
		attribute.Int("workflow.attempt", attempt),
		attribute.Bool("workflow.stream", stream),
	)
}

// BackendSpan covers one HTTP call to a model backend. op is "llm.stream"
// or "llm.complete".
func BackendSpan(ctx context.Context, op, backend, model string) (context.Context, trace.Span) {
	return start(ctx, op,
		attribute.String("llm.backend", backend),
		attribute.String("llm.model", model),
	)
}

// StreamStats attaches decoder frame counts to a backend span.
func StreamStats(span trace.Span, frames, emptyFrames int, completed bool) {
	span.SetAttributes(
		attribute.Int("llm.frames", frames),
		attribute.Int("llm.empty_frames", emptyFrames),
		attribute.Bool("llm.completed", completed),
	)
}

// Finish sets the span status from err. It does not end the span.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
