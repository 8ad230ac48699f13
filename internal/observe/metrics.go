// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics and the provider plumbing that exposes them.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleybot/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ChatDuration tracks end-to-end chat request latency, tool rounds
	// included.
	ChatDuration metric.Float64Histogram

	// UpstreamDuration tracks single upstream model call latency.
	UpstreamDuration metric.Float64Histogram

	// PluginDuration tracks plugin function execution latency.
	PluginDuration metric.Float64Histogram

	// SummariseDuration tracks conversation summarisation latency.
	SummariseDuration metric.Float64Histogram

	// --- Counters ---

	// UpstreamRequests counts upstream API calls. Use with attributes:
	//   attribute.String("protocol", ...), attribute.String("kind", ...), attribute.String("status", ...)
	UpstreamRequests metric.Int64Counter

	// PluginCalls counts plugin function invocations. Use with attributes:
	//   attribute.String("function", ...), attribute.String("status", ...)
	PluginCalls metric.Int64Counter

	// TokensUsed counts total tokens consumed. Use with attribute:
	//   attribute.String("kind", "prompt"|"completion")
	TokensUsed metric.Int64Counter

	// Summarisations counts budget-driven history condensations. Use with
	// attribute:
	//   attribute.String("outcome", "summary"|"truncation")
	Summarisations metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts upstream errors. Use with attributes:
	//   attribute.String("protocol", ...), attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversations in the
	// history store.
	ActiveConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for chat-completion latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChatDuration, err = m.Float64Histogram("parley.chat.duration",
		metric.WithDescription("End-to-end chat request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDuration, err = m.Float64Histogram("parley.upstream.duration",
		metric.WithDescription("Latency of single upstream model calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PluginDuration, err = m.Float64Histogram("parley.plugin.duration",
		metric.WithDescription("Latency of plugin function execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummariseDuration, err = m.Float64Histogram("parley.summarise.duration",
		metric.WithDescription("Latency of conversation summarisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UpstreamRequests, err = m.Int64Counter("parley.upstream.requests",
		metric.WithDescription("Total upstream API requests by protocol, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.PluginCalls, err = m.Int64Counter("parley.plugin.calls",
		metric.WithDescription("Total plugin function invocations by function and status."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("parley.tokens.used",
		metric.WithDescription("Total tokens consumed by kind."),
	); err != nil {
		return nil, err
	}
	if met.Summarisations, err = m.Int64Counter("parley.summarisations",
		metric.WithDescription("Total history condensations by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("parley.upstream.errors",
		metric.WithDescription("Total upstream errors by protocol and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("parley.active_conversations",
		metric.WithDescription("Number of live conversations in the history store."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUpstreamRequest is a convenience method that records an upstream
// request counter increment with the standard attribute set.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, protocol, kind, status string) {
	m.UpstreamRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("protocol", protocol),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordPluginCall is a convenience method that records a plugin call counter
// increment with the standard attribute set.
func (m *Metrics) RecordPluginCall(ctx context.Context, function, status string) {
	m.PluginCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("function", function),
			attribute.String("status", status),
		),
	)
}

// RecordTokens is a convenience method that records consumed token counts.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, completion int) {
	m.TokensUsed.Add(ctx, int64(prompt),
		metric.WithAttributes(attribute.String("kind", "prompt")),
	)
	m.TokensUsed.Add(ctx, int64(completion),
		metric.WithAttributes(attribute.String("kind", "completion")),
	)
}

// RecordUpstreamError is a convenience method that records an upstream error
// counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, protocol, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("protocol", protocol),
			attribute.String("kind", kind),
		),
	)
}

// RecordSummarisation is a convenience method that records one history
// condensation by outcome.
func (m *Metrics) RecordSummarisation(ctx context.Context, outcome string) {
	m.Summarisations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
