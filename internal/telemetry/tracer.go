package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the otel tracer used for the two spans spec.md §4.6 names:
// kube-cache.ensure (the end-to-end EnsureFetch path) and kube-cache.download
// (the fetch job's download leg, as observed by the orchestrator's poll).
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer from a TracerProvider constructed once at
// process start (mirroring original_source/src/main.rs's init_telemetry,
// without the OTLP/Tempo exporter wiring: export configuration is out of
// scope per spec.md §1, "log sink configuration" is an external collaborator).
func NewTracer(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{tracer: provider.Tracer("kube-cache")}
}

// NewNoopTracer returns a Tracer backed by the global no-op provider, for
// tests and for runs where no provider was configured.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer("kube-cache")}
}

// StartEnsure starts the span around the EnsureFetch path.
func (t *Tracer) StartEnsure(ctx context.Context, dataset, cacheKey, node string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "kube-cache.ensure", trace.WithAttributes(
		attribute.String("dataset", dataset),
		attribute.String("cache_key", cacheKey),
		attribute.String("node", node),
	))
}

// StartDownload starts the span around the download leg.
func (t *Tracer) StartDownload(ctx context.Context, dataset, cacheKey string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "kube-cache.download", trace.WithAttributes(
		attribute.String("dataset", dataset),
		attribute.String("cache_key", cacheKey),
	))
}

// EndWithOutcome sets the outcome attribute and ends span.
func EndWithOutcome(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("outcome", outcome))
	span.End()
}
