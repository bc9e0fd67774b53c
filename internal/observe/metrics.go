// SPDX-License-Identifier: MIT
/*
Package observe provides the pipeline's observability primitives:
OpenTelemetry metric instruments, tracing helpers, a Prometheus exporter
bridge and a lightweight runtime health tracker.

Tests should build Metrics with NewMetrics over their own MeterProvider so
readings do not leak between tests.
*/
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all pipeline metrics.
const meterName = "apm/pipeline"

// Stage names used as the "stage" attribute on StageDuration.
const (
	StageBeamform  = "beamform"
	StageEcho      = "echo"
	StageDenoise   = "denoise"
	StageVAD       = "vad"
	StageTranslate = "translate"
	StageProject   = "project"
	StageTotal     = "total"
)

// Metrics holds the OpenTelemetry instruments for the pipeline.
type Metrics struct {
	// StageDuration records per-stage processing time in seconds. Use with
	// attribute.String("stage", ...).
	StageDuration metric.Float64Histogram

	FramesProcessed     metric.Int64Counter
	FramesSilent        metric.Int64Counter
	FramesDropped       metric.Int64Counter
	TranslationFailures metric.Int64Counter
	ProjectionsEmitted  metric.Int64Counter

	// QueueDepth tracks tasks waiting for an orchestrator worker.
	QueueDepth metric.Int64UpDownCounter
}

// latencyBuckets are tuned for 10-20 ms frames and translation round trips.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.StageDuration, err = m.Float64Histogram("apm.stage.duration",
		metric.WithDescription("Processing time of each pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesProcessed, err = m.Int64Counter("apm.frames.processed",
		metric.WithDescription("Frames that completed the pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesSilent, err = m.Int64Counter("apm.frames.silent",
		metric.WithDescription("Frames gated out by voice activity detection."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("apm.frames.dropped",
		metric.WithDescription("Frames discarded because the orchestrator queue was full."),
	); err != nil {
		return nil, err
	}
	if met.TranslationFailures, err = m.Int64Counter("apm.translation.failures",
		metric.WithDescription("Translation calls that errored or reported no success."),
	); err != nil {
		return nil, err
	}
	if met.ProjectionsEmitted, err = m.Int64Counter("apm.projections.emitted",
		metric.WithDescription("Speaker feeds produced by the projector."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("apm.queue.depth",
		metric.WithDescription("Tasks queued for an orchestrator worker."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide Metrics built on the global
// MeterProvider the first time it is called.
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

// RecordStage records the duration of a stage in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// Attr is shorthand for building metric attribute options.
func Attr(kvs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kvs...)
}
