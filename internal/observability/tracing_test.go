package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/edict-hq/edict/internal/config"
)

func TestInitTracing_disabledReturnsNoopShutdown(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "edict", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown returned error: %v", err)
	}
}

func TestInitTracing_rejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Exporter: "jaeger-thrift",
	}, "edict", "test")
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewSampler_boundsRate(t *testing.T) {
	cases := []struct {
		rate float64
	}{
		{rate: -1},
		{rate: 0},
		{rate: 0.5},
		{rate: 1},
		{rate: 2},
	}
	for _, tc := range cases {
		s := newSampler(config.TracingConfig{SamplingRate: tc.rate})
		if s == nil {
			t.Fatalf("rate %v: nil sampler", tc.rate)
		}
	}
}

func TestTracingMiddleware_propagatesAndRecordsStatus(t *testing.T) {
	exporter := newRecordingExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	var sawSpan bool
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if trace.SpanFromContext(r.Context()).SpanContext().IsValid() {
			sawSpan = true
		}
		w.WriteHeader(http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))

	if !sawSpan {
		t.Error("handler did not see an active span")
	}
	spans := exporter.spans
	if len(spans) != 1 {
		t.Fatalf("expected 1 exported span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /v1/runs" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}

func TestTraceIDFromContext_emptyWithoutSpan(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty trace ID, got %q", got)
	}
	if got := SpanIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty span ID, got %q", got)
	}
}

// recordingExporter captures finished spans in memory.
type recordingExporter struct {
	spans []sdktrace.ReadOnlySpan
}

func newRecordingExporter() *recordingExporter { return &recordingExporter{} }

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error { return nil }
