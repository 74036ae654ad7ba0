// Package observe provides application-wide observability primitives for
// Easel: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Easel metrics.
const meterName = "github.com/MrWong99/easel"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// ActiveSessions is 1 while a session is Active.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from start request to remote open.
	ConnectDuration metric.Float64Histogram

	// Notices counts user-facing notices. Use with attribute:
	//   attribute.String("kind", ...)
	Notices metric.Int64Counter

	// --- Uplink ---

	// UplinkChunks counts 16 kHz audio blocks sent to the remote channel.
	UplinkChunks metric.Int64Counter

	// UplinkBytes counts PCM bytes sent to the remote channel.
	UplinkBytes metric.Int64Counter

	// FramesSent counts JPEG snapshots sent to the remote channel.
	FramesSent metric.Int64Counter

	// FramesSkipped counts sampler ticks that produced no frame.
	FramesSkipped metric.Int64Counter

	// --- Downlink ---

	// InboundAudioBuffers counts response audio buffers handed to playback.
	InboundAudioBuffers metric.Int64Counter

	// InboundDropped counts inbound audio payloads that were discarded. Use
	// with attribute:
	//   attribute.String("reason", ...)
	InboundDropped metric.Int64Counter

	// Interruptions counts playback interruptions.
	Interruptions metric.Int64Counter

	// --- Errors ---

	// ProviderErrors counts remote channel failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// device acquisition plus a WebSocket handshake.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.SessionTransitions, err = m.Int64Counter("easel.session.transitions",
		metric.WithDescription("Session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("easel.active_sessions",
		metric.WithDescription("Number of sessions currently in the Active state."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("easel.session.connect.duration",
		metric.WithDescription("Time from start request until the remote channel opened."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Notices, err = m.Int64Counter("easel.session.notices",
		metric.WithDescription("User-facing notices by kind."),
	); err != nil {
		return nil, err
	}

	// Uplink.
	if met.UplinkChunks, err = m.Int64Counter("easel.uplink.chunks",
		metric.WithDescription("Audio blocks sent to the remote channel."),
	); err != nil {
		return nil, err
	}
	if met.UplinkBytes, err = m.Int64Counter("easel.uplink.bytes",
		metric.WithDescription("PCM bytes sent to the remote channel."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("easel.frames.sent",
		metric.WithDescription("Visual snapshots sent to the remote channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesSkipped, err = m.Int64Counter("easel.frames.skipped",
		metric.WithDescription("Sampler ticks without a frame."),
	); err != nil {
		return nil, err
	}

	// Downlink.
	if met.InboundAudioBuffers, err = m.Int64Counter("easel.downlink.buffers",
		metric.WithDescription("Response audio buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.InboundDropped, err = m.Int64Counter("easel.downlink.dropped",
		metric.WithDescription("Inbound audio payloads discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("easel.playback.interruptions",
		metric.WithDescription("Playback interruptions."),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.ProviderErrors, err = m.Int64Counter("easel.provider.errors",
		metric.WithDescription("Remote channel failures by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("easel.http.request.duration",
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

// RecordTransition records a session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordConnect records how long it took for a session to become Active.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds())
}

// RecordNotice records a user-facing notice.
func (m *Metrics) RecordNotice(ctx context.Context, kind string) {
	m.Notices.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUplinkChunk records one audio block sent upstream.
func (m *Metrics) RecordUplinkChunk(ctx context.Context, bytes int) {
	m.UplinkChunks.Add(ctx, 1)
	m.UplinkBytes.Add(ctx, int64(bytes))
}

// RecordFrame records one sampler tick. A nil frame counts as skipped.
func (m *Metrics) RecordFrame(ctx context.Context, sent bool) {
	if sent {
		m.FramesSent.Add(ctx, 1)
		return
	}
	m.FramesSkipped.Add(ctx, 1)
}

// RecordInboundDropped records a discarded inbound audio payload.
func (m *Metrics) RecordInboundDropped(ctx context.Context, reason string) {
	m.InboundDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
