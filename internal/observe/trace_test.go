package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestSpanError(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartSpan(context.Background(), "lightweight.synthesize")
	SpanError(ok, nil)
	ok.End()

	_, failed := StartSpan(context.Background(), "hosted.synthesize")
	SpanError(failed, errors.New("quota exceeded"))
	failed.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("nil error should leave the span untouched: %+v", spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "quota exceeded" {
		t.Errorf("status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %+v", spans[1].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "engine.synthesize")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not a 32-digit hex trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("job finished")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("logger without span should not add trace_id: %s", buf)
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "job")
	defer span.End()
	Logger(ctx).Info("job finished")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace attributes: %s", out)
	}
}
