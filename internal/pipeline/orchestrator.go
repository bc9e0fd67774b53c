// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"apm/internal/beamform"
	"apm/internal/denoise"
	"apm/internal/echo"
	"apm/internal/frame"
	"apm/internal/log"
	"apm/internal/observe"
	"apm/internal/projector"
	"apm/internal/translate"
	"apm/internal/vad"
)

var (
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("pipeline: orchestrator closed")
	// ErrQueueFull is returned by Offer when the worker is saturated.
	ErrQueueFull = errors.New("pipeline: queue full")
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to log.Named("pipeline").
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the OTel instruments. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithHealth shares a health tracker, for example across a Pool.
func WithHealth(h *observe.Health) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.health = h
		}
	}
}

// WithReporter sends a Report after every task.
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithMonitor attaches a spectrum monitor to the denoised signal.
func WithMonitor(m Monitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.session = id
		}
	}
}

type job struct {
	ctx     context.Context
	task    *Task
	mics    []*frame.Frame
	ref     *frame.Frame
	azimuth float64
	// control jobs run fn instead of the pipeline.
	fn func()
}

// Orchestrator runs the capture-to-projection pipeline. All stage state is
// owned by a single worker goroutine, so at most one task executes at a time
// and tasks complete in submission order.
type Orchestrator struct {
	cfg     Config
	session string

	beam      *beamform.Engine
	canceller *echo.Canceller
	denoiser  *denoise.Suppressor
	detector  *vad.Detector
	projector *projector.Projector

	translator translate.Translator
	logger     *zap.Logger
	metrics    *observe.Metrics
	health     *observe.Health
	reporter   Reporter
	monitor    Monitor

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}

	// worker-owned
	seq     uint64
	history []string
}

// New validates cfg and starts the worker.
func New(cfg Config, translator translate.Translator, opts ...Option) (*Orchestrator, error) {
	if translator == nil {
		return nil, errors.New("pipeline: translator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		session:    uuid.NewString(),
		beam:       beamform.New(cfg.NumMicrophones, cfg.MicSpacingM),
		canceller:  echo.New(cfg.EchoFilterLength, echo.WithStepSize(cfg.EchoStepSize)),
		denoiser:   denoise.New(),
		detector:   vad.New(vad.WithThreshold(cfg.VADThresholdDB), vad.WithHangover(cfg.VADHangoverFrames)),
		projector:  projector.New(cfg.NumSpeakers, cfg.SpeakerSpacing),
		translator: translator,
		logger:     log.Named("pipeline"),
		jobs:       make(chan job, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.health == nil {
		o.health = observe.NewHealth()
	}
	o.logger = o.logger.With(zap.String("session", o.session))

	go o.worker()

	o.logger.Debug("orchestrator started",
		zap.Int("microphones", cfg.NumMicrophones),
		zap.Int("speakers", cfg.NumSpeakers),
		zap.String("source", cfg.SourceLanguage),
		zap.String("target", cfg.TargetLanguage),
		zap.String("failure_policy", string(cfg.FailurePolicy)),
	)
	return o, nil
}

// Session returns the orchestrator's session id.
func (o *Orchestrator) Session() string { return o.session }

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() Config { return o.cfg }

// Health returns the health tracker.
func (o *Orchestrator) Health() *observe.Health { return o.health }

// Process runs one task and waits for its speaker feeds. Cancelling ctx stops
// the wait; a task that was already queued still runs.
func (o *Orchestrator) Process(ctx context.Context, mics []*frame.Frame, ref *frame.Frame, azimuth float64) ([]*frame.Frame, error) {
	return o.ProcessAsync(ctx, mics, ref, azimuth).Wait(ctx)
}

// ProcessAsync queues a task, blocking while the queue is full. The frames are
// copied before returning. If the orchestrator is closed, or ctx ends before
// the task is queued, the returned Task is already finished with that error.
func (o *Orchestrator) ProcessAsync(ctx context.Context, mics []*frame.Frame, ref *frame.Frame, azimuth float64) *Task {
	j := o.newJob(ctx, mics, ref, azimuth)

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		j.task.finish(nil, Report{}, ErrClosed)
		return j.task
	}
	select {
	case o.jobs <- j:
		o.metrics.QueueDepth.Add(ctx, 1)
	case <-ctx.Done():
		j.task.finish(nil, Report{}, ctx.Err())
	}
	return j.task
}

// Offer queues a task without blocking. A full queue drops the frame, counts
// it as dropped and returns ErrQueueFull.
func (o *Orchestrator) Offer(mics []*frame.Frame, ref *frame.Frame, azimuth float64) (*Task, error) {
	ctx := context.Background()
	j := o.newJob(ctx, mics, ref, azimuth)

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, ErrClosed
	}
	select {
	case o.jobs <- j:
		o.metrics.QueueDepth.Add(ctx, 1)
		return j.task, nil
	default:
		o.health.IncDropped()
		o.metrics.FramesDropped.Add(ctx, 1)
		o.logger.Debug("frame dropped", zap.Int("queue_size", o.cfg.QueueSize))
		return nil, ErrQueueFull
	}
}

// ResetAll clears echo, noise and voice-activity state once every task queued
// before it has finished. Geometry and context history are kept.
func (o *Orchestrator) ResetAll() error {
	return o.control(func() {
		o.canceller.Reset()
		o.denoiser.Reset()
		o.detector.Reset()
		o.logger.Debug("stage state reset")
	})
}

// AdaptThreshold sets the VAD threshold from a measured ambient level.
func (o *Orchestrator) AdaptThreshold(ambientDB float64) error {
	return o.control(func() {
		o.detector.AdaptThreshold(ambientDB)
		o.logger.Info("vad threshold adapted",
			zap.Float64("ambient_db", ambientDB),
			zap.Float64("threshold_db", o.detector.Threshold()))
	})
}

// Close stops accepting work, runs everything already queued and waits for
// the worker to exit. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.jobs)
	}
	o.mu.Unlock()
	<-o.done
	return nil
}

func (o *Orchestrator) control(fn func()) error {
	t := newTask()
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return ErrClosed
	}
	o.jobs <- job{task: t, fn: fn}
	o.mu.RUnlock()
	<-t.done
	return nil
}

func (o *Orchestrator) newJob(ctx context.Context, mics []*frame.Frame, ref *frame.Frame, azimuth float64) job {
	copies := make([]*frame.Frame, len(mics))
	for i, m := range mics {
		if m == nil {
			m = frame.New(0, frame.DefaultSampleRate, 1)
		}
		copies[i] = m.Clone()
	}
	var refCopy *frame.Frame
	if ref != nil {
		refCopy = ref.Clone()
	}
	return job{
		ctx:     context.WithoutCancel(ctx),
		task:    newTask(),
		mics:    copies,
		ref:     refCopy,
		azimuth: azimuth,
	}
}

func (o *Orchestrator) worker() {
	defer close(o.done)
	for j := range o.jobs {
		if j.fn != nil {
			j.fn()
			j.task.finish(nil, Report{}, nil)
			continue
		}
		o.metrics.QueueDepth.Add(j.ctx, -1)
		feeds, report, err := o.execute(j)
		j.task.finish(feeds, report, err)
	}
	o.logger.Debug("orchestrator stopped")
}

func (o *Orchestrator) execute(j job) (feeds []*frame.Frame, report Report, err error) {
	ctx, span := observe.StartSpan(j.ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("session", o.session),
			attribute.Float64("azimuth", j.azimuth),
		))
	defer span.End()

	o.seq++
	report = Report{
		Type:      ReportType,
		Session:   o.session,
		Sequence:  o.seq,
		Timestamp: time.Now(),
		Azimuth:   j.azimuth,
		StageMS:   make(map[string]float64, 7),
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: panic in task %d: %v", report.Sequence, r)
			feeds = nil
		}
		o.finishTask(ctx, span, start, &report, err)
	}()

	stage := func(name string, t0 time.Time) {
		d := time.Since(t0).Seconds()
		report.StageMS[name] = d * 1e3
		o.metrics.RecordStage(ctx, name, d)
	}

	t0 := time.Now()
	beam := o.beam.DelayAndSum(j.mics, j.azimuth, 0)
	stage(observe.StageBeamform, t0)
	report.Beam = beam.Metadata

	ref := j.ref
	if ref == nil {
		ref = frame.New(0, beam.SampleRate, 1)
	}

	t0 = time.Now()
	var cleaned *frame.Frame
	report.DoubleTalk = echo.DetectDoubleTalk(beam, ref)
	if o.cfg.DoubleTalkFreeze && report.DoubleTalk {
		cleaned = beam.Clone()
	} else {
		cleaned = o.canceller.Cancel(beam, ref)
	}
	stage(observe.StageEcho, t0)

	t0 = time.Now()
	denoised := o.denoiser.Suppress(cleaned)
	stage(observe.StageDenoise, t0)
	report.Denoised = denoised.Metadata
	if o.monitor != nil {
		o.monitor.Analyze(denoised)
	}

	t0 = time.Now()
	result := o.detector.Detect(denoised)
	stage(observe.StageVAD, t0)
	report.VAD = result
	report.Speech = result.SpeechDetected

	if !result.SpeechDetected {
		o.health.IncSilent()
		o.metrics.FramesSilent.Add(ctx, 1)
		return []*frame.Frame{}, report, nil
	}

	req := translate.Request{
		Audio:          denoised,
		SourceLang:     o.cfg.SourceLanguage,
		TargetLang:     o.cfg.TargetLanguage,
		ContextHistory: append([]string(nil), o.history...),
	}
	t0 = time.Now()
	res, terr := o.translator.Translate(ctx, req)
	stage(observe.StageTranslate, t0)
	if terr != nil {
		o.metrics.TranslationFailures.Add(ctx, 1, observe.Attr(attribute.String("reason", "error")))
		o.health.ReportError(terr.Error())
		return nil, report, fmt.Errorf("pipeline: translate: %w", terr)
	}
	if o.health.Status() == observe.StatusError && res.Success {
		o.health.ReportHealthy()
	}

	report.SourceText = res.SourceText
	report.TranslatedText = res.TranslatedText
	report.TranslationSuccess = res.Success
	report.Confidence = res.Confidence
	report.TranslationMS = float64(res.Latency) / float64(time.Millisecond)
	o.remember(res.SourceText)

	if !res.Success {
		o.metrics.TranslationFailures.Add(ctx, 1, observe.Attr(attribute.String("reason", "unsuccessful")))
		o.logger.Warn("translation unsuccessful",
			zap.Uint64("sequence", report.Sequence),
			zap.String("error", res.Error),
			zap.String("policy", string(o.cfg.FailurePolicy)))
		if o.cfg.FailurePolicy == PolicySkip {
			return []*frame.Frame{}, report, nil
		}
	}

	audio := res.TranslatedAudio
	if audio == nil {
		audio = translate.Silence(denoised)
	}

	t0 = time.Now()
	feeds = o.projector.Project(audio, j.azimuth, o.cfg.ProjectionDistance)
	stage(observe.StageProject, t0)
	report.Projections = len(feeds)
	o.metrics.ProjectionsEmitted.Add(ctx, int64(len(feeds)))
	return feeds, report, nil
}

func (o *Orchestrator) finishTask(ctx context.Context, span trace.Span, start time.Time, report *Report, err error) {
	total := time.Since(start).Seconds()
	report.StageMS[observe.StageTotal] = total * 1e3
	o.metrics.RecordStage(ctx, observe.StageTotal, total)
	o.metrics.FramesProcessed.Add(ctx, 1)
	o.health.IncProcessed()

	span.SetAttributes(
		attribute.Bool("speech", report.Speech),
		attribute.Int("projections", report.Projections),
	)
	if err != nil {
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.WithTrace(ctx, o.logger).Error("task failed",
			zap.Uint64("sequence", report.Sequence), zap.Error(err))
	}

	if o.reporter != nil {
		if serr := o.reporter.Send(*report); serr != nil {
			o.logger.Debug("report not delivered", zap.Error(serr))
		}
	}
}

// remember appends a non-empty source text to the bounded history.
func (o *Orchestrator) remember(text string) {
	if text == "" || o.cfg.HistorySize == 0 {
		return
	}
	o.history = append(o.history, text)
	if n := len(o.history) - o.cfg.HistorySize; n > 0 {
		o.history = append(o.history[:0], o.history[n:]...)
	}
}
