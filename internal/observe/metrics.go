// Package observe carries the tutoring server's telemetry: the metric
// instruments, request tracing and trace-aware logging, and the HTTP
// middleware that records all three per route.
//
// Instruments go through the OpenTelemetry metrics API; [InitProvider]
// bridges them to Prometheus for the /metrics endpoint. Production code
// uses [DefaultMetrics]; tests build their own with [NewMetrics] on a
// private reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/fluentia"

// Metrics holds the server's instruments. Attribute sets per instrument:
//
//	TranscriptionDuration   provider
//	LLMDuration             kind (plan, stream, evaluate)
//	ProviderRequests        provider, kind, status
//	ProviderErrors          provider, kind
//	RecognitionEvents       event
//	AudioBytes              path (stream, batch)
//	HTTPRequestDuration     method, route, status
type Metrics struct {
	TranscriptionDuration metric.Float64Histogram
	LLMDuration           metric.Float64Histogram
	TurnDuration          metric.Float64Histogram
	SpeechSessionDuration metric.Float64Histogram
	HTTPRequestDuration   metric.Float64Histogram

	ProviderRequests  metric.Int64Counter
	ProviderErrors    metric.Int64Counter
	RecognitionEvents metric.Int64Counter
	AudioBytes        metric.Int64Counter

	ActiveSpeechSessions metric.Int64UpDownCounter
	ActiveTurns          metric.Int64UpDownCounter
}

// latencyBuckets are in seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45,
}

// sessionBuckets covers speech sockets from a short utterance to a long
// hands-off lesson.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600,
}

// builder creates instruments on one meter and keeps every creation error.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc, unit string) metric.Int64Counter {
	opts := []metric.Int64CounterOption{metric.WithDescription(desc)}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	c, err := b.meter.Int64Counter(name, opts...)
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{meter: mp.Meter(meterName)}
	met := &Metrics{
		TranscriptionDuration: b.seconds("fluentia.transcription.duration",
			"Latency of batch speech recognition.", latencyBuckets),
		LLMDuration: b.seconds("fluentia.llm.duration",
			"Latency of LLM requests by kind.", latencyBuckets),
		TurnDuration: b.seconds("fluentia.turn.duration",
			"Duration of a conversation turn from request to done.", latencyBuckets),
		SpeechSessionDuration: b.seconds("fluentia.speech.session.duration",
			"Lifetime of speech recognition sockets.", sessionBuckets),
		HTTPRequestDuration: b.seconds("fluentia.http.request.duration",
			"HTTP request latency by method, route and status.", nil),

		ProviderRequests: b.counter("fluentia.provider.requests",
			"Provider API requests by provider, kind and status.", ""),
		ProviderErrors: b.counter("fluentia.provider.errors",
			"Provider errors by provider and kind.", ""),
		RecognitionEvents: b.counter("fluentia.speech.events",
			"Speech events sent to clients by event type.", ""),
		AudioBytes: b.counter("fluentia.speech.audio_bytes",
			"PCM bytes received from clients.", "By"),

		ActiveSpeechSessions: b.gauge("fluentia.speech.active_sessions",
			"Number of open speech recognition sockets."),
		ActiveTurns: b.gauge("fluentia.turn.active",
			"Number of conversation turns being streamed."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments on the global meter
// provider. It panics if they cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

// RecordProviderRequest counts one call to a provider backend.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordRecognitionEvent counts one downstream speech event.
func (m *Metrics) RecordRecognitionEvent(ctx context.Context, event string) {
	m.RecognitionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordAudio counts n PCM bytes received on path ("stream" or "batch").
func (m *Metrics) RecordAudio(ctx context.Context, path string, n int) {
	m.AudioBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("path", path)))
}
