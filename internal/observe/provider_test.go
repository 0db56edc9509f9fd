package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider(t *testing.T) {
	prevMP, prevTP, prevProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	spans := tracetest.NewInMemoryExporter()
	p, err := NewProvider(context.Background(), ProviderConfig{ServiceVersion: "test", TraceExporter: spans})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "engine.synthesize")
	p.Metrics().RecordSynthesis(ctx, "generative", true, false, "none", 1500*time.Millisecond)
	span.End()

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"polyvox_synthesis_duration", `backend="generative"`, "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := spans.GetSpans(); len(got) != 1 || got[0].Name != "engine.synthesize" {
		t.Errorf("exported spans = %v, want engine.synthesize flushed on shutdown", got)
	}
}
