// Package observe provides application-wide observability primitives for
// polyvox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped from
// the Prometheus bridge built by [NewProvider]. Tests call [NewMetrics] with a
// manual reader instead.
package observe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/polyvox"

// Metrics bundles the instruments polyvox records to. Instrument names use
// the polyvox. prefix; the Prometheus bridge rewrites dots to underscores.
type Metrics struct {
	// Wall-clock time of Synthesize by backend and status (ok or error).
	SynthesisDuration metric.Float64Histogram
	// Resource loads by backend and outcome.
	ResourceLoadDuration metric.Float64Histogram
	// Request latency by route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram

	SynthesisErrors    metric.Int64Counter // backend, kind
	DegradedDeliveries metric.Int64Counter // backend

	// Cache lookups by backend and result: hit, miss, stale, reload or
	// evicted.
	CacheLookups    metric.Int64Counter
	CascadeAttempts metric.Int64Counter // cascade, strategy, outcome

	RemoteRequests        metric.Int64Counter // endpoint, status
	CredentialValidations metric.Int64Counter // outcome
	BreakerTransitions    metric.Int64Counter // name, from, to
	ToolCalls             metric.Int64Counter // tool, status

	ActiveJobs metric.Int64UpDownCounter
}

// latencyBuckets span millisecond cache hits up to multi-minute cold loads
// on CPU.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	met := &Metrics{}
	var errs []error

	seconds := func(dst *metric.Float64Histogram, name, desc string, buckets ...float64) {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		*dst = h
		errs = append(errs, err)
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}

	seconds(&met.SynthesisDuration, "polyvox.synthesis.duration", "Synthesis wall-clock time.", latencyBuckets...)
	seconds(&met.ResourceLoadDuration, "polyvox.resource.load.duration", "Backend resource load time.", latencyBuckets...)
	seconds(&met.HTTPRequestDuration, "polyvox.http.request.duration", "HTTP request latency by route and status.")

	counter(&met.SynthesisErrors, "polyvox.synthesis.errors", "Failed synthesis calls.")
	counter(&met.DegradedDeliveries, "polyvox.synthesis.degraded", "Syntheses delivered in a fallback container.")
	counter(&met.CacheLookups, "polyvox.resource.cache.lookups", "Resource cache lookups.")
	counter(&met.CascadeAttempts, "polyvox.cascade.attempts", "Fallback cascade strategy attempts.")
	counter(&met.RemoteRequests, "polyvox.remote.requests", "Hosted service requests.")
	counter(&met.CredentialValidations, "polyvox.credential.validations", "Credential validation probes.")
	counter(&met.BreakerTransitions, "polyvox.breaker.transitions", "Circuit breaker state transitions.")
	counter(&met.ToolCalls, "polyvox.tool.calls", "MCP tool invocations.")

	var err error
	met.ActiveJobs, err = meter.Int64UpDownCounter("polyvox.active_jobs",
		metric.WithDescription("Asynchronous synthesis jobs currently running."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

// The Record helpers below are no-ops on a nil *Metrics, so components built
// without telemetry need no guards.

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// RecordSynthesis records one synthesis call. kind names the error kind and
// is ignored for successful calls.
func (m *Metrics) RecordSynthesis(ctx context.Context, backend string, ok, degraded bool, kind string, d time.Duration) {
	if m == nil {
		return
	}
	be := attribute.String("backend", backend)
	if !ok {
		m.SynthesisDuration.Record(ctx, d.Seconds(), attrs(be, attribute.String("status", "error")))
		m.SynthesisErrors.Add(ctx, 1, attrs(be, attribute.String("kind", kind)))
		return
	}
	m.SynthesisDuration.Record(ctx, d.Seconds(), attrs(be, attribute.String("status", "ok")))
	if degraded {
		m.DegradedDeliveries.Add(ctx, 1, attrs(be))
	}
}

// RecordResourceLoad records how long loading a backend resource took.
func (m *Metrics) RecordResourceLoad(ctx context.Context, backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResourceLoadDuration.Record(ctx, d.Seconds(),
		attrs(attribute.String("backend", backend), attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, backend, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.Add(ctx, 1, attrs(attribute.String("backend", backend), attribute.String("result", result)))
}

func (m *Metrics) RecordCascadeAttempt(ctx context.Context, cascade, strategy, outcome string) {
	if m == nil {
		return
	}
	m.CascadeAttempts.Add(ctx, 1, attrs(
		attribute.String("cascade", cascade),
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome)))
}

// RecordRemoteRequest counts a hosted API call by endpoint and HTTP status
// (or "transport_error" when no response arrived).
func (m *Metrics) RecordRemoteRequest(ctx context.Context, endpoint, status string) {
	if m == nil {
		return
	}
	m.RemoteRequests.Add(ctx, 1, attrs(attribute.String("endpoint", endpoint), attribute.String("status", status)))
}

func (m *Metrics) RecordCredentialValidation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CredentialValidations.Add(ctx, 1, attrs(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, attrs(
		attribute.String("name", name),
		attribute.String("from", from),
		attribute.String("to", to)))
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1, attrs(attribute.String("tool", tool), attribute.String("status", status)))
}
