// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, tracing helpers, and HTTP middleware
// for the metrics endpoint.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/voicebridge-ai/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ConnectDuration tracks transport connection setup latency. Use with
	// attribute: attribute.String("transport", ...)
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks full session length from Active to teardown.
	SessionDuration metric.Float64Histogram

	// FramesSent counts captured audio frames delivered to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded anywhere in the pipeline. Use
	// with attribute: attribute.String("stage", "capture"|"egress"|"playback")
	FramesDropped metric.Int64Counter

	// BargeIns counts user interruptions of model playback.
	BargeIns metric.Int64Counter

	// PlaybackUnits counts audio chunks scheduled for playback.
	PlaybackUnits metric.Int64Counter

	// TranscriptEntries counts transcript lines by role. Use with attribute:
	// attribute.String("role", "user"|"assistant")
	TranscriptEntries metric.Int64Counter

	// SessionFailures counts sessions that ended in the failed state.
	SessionFailures metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time on the
	// metrics/health endpoint. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// connection setup times.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers whole-session durations, from aborted dials to long
// conversations.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("voicebridge.connect.duration",
		metric.WithDescription("Latency of transport connection setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicebridge.session.duration",
		metric.WithDescription("Duration of completed voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FramesSent, err = m.Int64Counter("voicebridge.frames.sent",
		metric.WithDescription("Captured audio frames delivered to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicebridge.frames.dropped",
		metric.WithDescription("Audio frames discarded, by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicebridge.barge_ins",
		metric.WithDescription("User interruptions of model playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnits, err = m.Int64Counter("voicebridge.playback.units",
		metric.WithDescription("Audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("voicebridge.transcript.entries",
		metric.WithDescription("Transcript lines recorded, by role."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("voicebridge.session.failures",
		metric.WithDescription("Sessions that ended in the failed state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordConnect records one transport connection attempt's setup latency.
func (m *Metrics) RecordConnect(ctx context.Context, transport string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordSessionEnd records the duration of a finished session and whether it
// failed.
func (m *Metrics) RecordSessionEnd(ctx context.Context, d time.Duration, failed bool) {
	m.SessionDuration.Record(ctx, d.Seconds())
	if failed {
		m.SessionFailures.Add(ctx, 1)
	}
}

// RecordFrameDropped records one discarded frame at the given pipeline stage.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordTranscriptEntry records one transcript line for the given role.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}
