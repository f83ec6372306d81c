// Package observe provides application-wide observability primitives for
// Lorekeep: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lorekeep metrics.
const meterName = "github.com/lorekeep/lorekeep"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline ---

	// StageDuration tracks per-stage processing time. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// SessionsProcessed counts completed pipeline runs. Use with attribute:
	//   attribute.String("status", ...)
	SessionsProcessed metric.Int64Counter

	// STTAudioSeconds tracks seconds of audio per transcription call, which
	// is the cost driver for hosted STT backends.
	STTAudioSeconds metric.Float64Histogram

	// --- LLM ---

	// LLMDuration tracks LLM call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("operation", ...)
	LLMDuration metric.Float64Histogram

	// LLMTokens counts tokens by direction. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", "prompt"|"completion")
	LLMTokens metric.Int64Counter

	// --- Knowledge base ---

	// ChunksIngested counts chunks written to the knowledge base.
	ChunksIngested metric.Int64Counter

	// --- Chat ---

	// ChatTurnDuration tracks end-to-end chat turn latency. Use with
	// attribute: attribute.String("status", ...)
	ChatTurnDuration metric.Float64Histogram

	// --- Artifacts ---

	// ZipBytes counts bytes written into artifact archives.
	ZipBytes metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// requestBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies: HTTP handlers and single LLM calls.
var requestBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// stageBuckets covers batch-pipeline stages, which run seconds to an hour
// for a long session recording.
var stageBuckets = []float64{
	0.5, 1, 5, 15, 60, 300, 900, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Pipeline.
	if met.StageDuration, err = m.Float64Histogram("lorekeep.pipeline.stage.duration",
		metric.WithDescription("Processing time per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsProcessed, err = m.Int64Counter("lorekeep.sessions.processed",
		metric.WithDescription("Completed pipeline runs by status."),
	); err != nil {
		return nil, err
	}
	if met.STTAudioSeconds, err = m.Float64Histogram("lorekeep.stt.audio.seconds",
		metric.WithDescription("Seconds of audio per transcription call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}

	// LLM.
	if met.LLMDuration, err = m.Float64Histogram("lorekeep.llm.duration",
		metric.WithDescription("Latency of LLM calls by provider and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(requestBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("lorekeep.llm.tokens",
		metric.WithDescription("Tokens consumed by LLM calls, by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Knowledge base.
	if met.ChunksIngested, err = m.Int64Counter("lorekeep.ingest.chunks",
		metric.WithDescription("Chunks written to the knowledge base."),
	); err != nil {
		return nil, err
	}

	// Chat.
	if met.ChatTurnDuration, err = m.Float64Histogram("lorekeep.chat.turn.duration",
		metric.WithDescription("End-to-end chat turn latency by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(requestBuckets...),
	); err != nil {
		return nil, err
	}

	// Artifacts.
	if met.ZipBytes, err = m.Int64Counter("lorekeep.artifact.zip.bytes",
		metric.WithDescription("Bytes written into artifact archives."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lorekeep.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(requestBuckets...),
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

// RecordStage records one pipeline stage completion with the standard
// attribute set.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordSessionProcessed records one finished pipeline run.
func (m *Metrics) RecordSessionProcessed(ctx context.Context, status string) {
	m.SessionsProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSTTAudio records audio submitted for transcription, by backend.
func (m *Metrics) RecordSTTAudio(ctx context.Context, backend string, seconds float64) {
	m.STTAudioSeconds.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}

// RecordChunksIngested counts chunks written to the knowledge index.
func (m *Metrics) RecordChunksIngested(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.ChunksIngested.Add(ctx, int64(n))
}

// RecordLLMCall records latency and token usage for one LLM call.
func (m *Metrics) RecordLLMCall(ctx context.Context, provider, operation string, seconds float64, promptTokens, completionTokens int) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
		),
	)
	if promptTokens > 0 {
		m.LLMTokens.Add(ctx, int64(promptTokens),
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", "prompt"),
			),
		)
	}
	if completionTokens > 0 {
		m.LLMTokens.Add(ctx, int64(completionTokens),
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("kind", "completion"),
			),
		)
	}
}

// RecordChatTurn records one chat turn completion.
func (m *Metrics) RecordChatTurn(ctx context.Context, status string, seconds float64) {
	m.ChatTurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordZipBytes counts bytes streamed into one artifact archive.
func (m *Metrics) RecordZipBytes(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	m.ZipBytes.Add(ctx, n)
}
