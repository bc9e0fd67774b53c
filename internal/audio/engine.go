// SPDX-License-Identifier: MIT
/*
Package audio connects the microphone array to the pipeline and moves
audio in and out of WAV files.

Thread Safety:
  - The capture callback only de-interleaves into pre-allocated frames and
    hands them to the orchestrator, which copies them on submission.
  - Counters are atomic so they can be read while the stream runs.
*/
package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"apm/internal/frame"
	"apm/internal/log"
	"apm/internal/pipeline"
	"apm/internal/ptt"
)

// Sink accepts captured blocks without blocking. *pipeline.Orchestrator
// implements it.
type Sink interface {
	Offer(mics []*frame.Frame, ref *frame.Frame, azimuth float64) (*pipeline.Task, error)
}

// EngineConfig describes the capture stream.
type EngineConfig struct {
	InputDevice      int
	SampleRate       int
	FramesPerBuffer  int
	NumMicrophones   int
	ReferenceChannel bool // The channel after the microphones carries the far-end signal.
	LowLatency       bool
	Azimuth          float64
}

// Channels returns the number of interleaved input channels.
func (c EngineConfig) Channels() int {
	if c.ReferenceChannel {
		return c.NumMicrophones + 1
	}
	return c.NumMicrophones
}

// EngineStats counts what happened to captured blocks.
type EngineStats struct {
	Captured uint64 // Blocks delivered by the device.
	Offered  uint64 // Blocks accepted by the sink.
	Dropped  uint64 // Blocks rejected because the sink was full.
	Gated    uint64 // Blocks discarded by push-to-talk.
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPTT only forwards blocks while the controller is transmitting.
func WithPTT(c *ptt.Controller) EngineOption {
	return func(e *Engine) { e.ptt = c }
}

// WithEngineLogger sets the logger. Defaults to log.Named("audio").
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTaskBuffer sets the capacity of the Tasks channel.
func WithTaskBuffer(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.tasks = make(chan *pipeline.Task, n)
		}
	}
}

// Engine captures the microphone array through PortAudio.
type Engine struct {
	cfg    EngineConfig
	sink   Sink
	ptt    *ptt.Controller
	logger *zap.Logger

	// Pre-allocated per-channel frames reused by every callback.
	mics []*frame.Frame
	ref  *frame.Frame

	tasks     chan *pipeline.Task
	closeOnce sync.Once

	inputStream *portaudio.Stream
	mu          sync.Mutex // Protects inputStream.

	captured atomic.Uint64
	offered  atomic.Uint64
	dropped  atomic.Uint64
	gated    atomic.Uint64
}

// NewEngine prepares an engine. No device is opened until Start.
func NewEngine(cfg EngineConfig, sink Sink, opts ...EngineOption) (*Engine, error) {
	if sink == nil {
		return nil, errors.New("audio: sink cannot be nil")
	}
	if cfg.NumMicrophones <= 0 {
		return nil, fmt.Errorf("audio: num microphones must be positive, got %d", cfg.NumMicrophones)
	}
	if cfg.FramesPerBuffer <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid stream format %d frames at %d Hz", cfg.FramesPerBuffer, cfg.SampleRate)
	}

	e := &Engine{
		cfg:    cfg,
		sink:   sink,
		logger: log.Named("audio"),
		mics:   make([]*frame.Frame, cfg.NumMicrophones),
		tasks:  make(chan *pipeline.Task, 16),
	}
	for i := range e.mics {
		e.mics[i] = frame.New(cfg.FramesPerBuffer, cfg.SampleRate, 1)
	}
	if cfg.ReferenceChannel {
		e.ref = frame.New(cfg.FramesPerBuffer, cfg.SampleRate, 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Tasks delivers the task of every accepted block. Tasks are dropped when
// nobody keeps up with the channel; the block is still processed.
func (e *Engine) Tasks() <-chan *pipeline.Task { return e.tasks }

// Stats returns the capture counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Captured: e.captured.Load(),
		Offered:  e.offered.Load(),
		Dropped:  e.dropped.Load(),
		Gated:    e.gated.Load(),
	}
}

// Start opens the input device and begins streaming. PortAudio must be
// initialised.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inputStream != nil {
		return errors.New("audio: engine already started")
	}

	device, err := InputDevice(e.cfg.InputDevice)
	if err != nil {
		return err
	}
	channels := e.cfg.Channels()
	if device.MaxInputChannels < channels {
		return fmt.Errorf("audio: device %q has %d input channels, need %d", device.Name, device.MaxInputChannels, channels)
	}

	latency := device.DefaultHighInputLatency
	if e.cfg.LowLatency {
		latency = device.DefaultLowInputLatency
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  latency,
		},
		FramesPerBuffer: e.cfg.FramesPerBuffer,
		SampleRate:      float64(e.cfg.SampleRate),
	}

	stream, err := portaudio.OpenStream(params, e.processInputStream)
	if err != nil {
		return fmt.Errorf("audio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start stream: %w", err)
	}
	e.inputStream = stream

	e.logger.Info("capture started",
		zap.String("device", device.Name),
		zap.Int("channels", channels),
		zap.Int("sample_rate", e.cfg.SampleRate),
		zap.Int("frames_per_buffer", e.cfg.FramesPerBuffer),
		zap.Duration("latency", latency))
	return nil
}

// Stop halts and closes the input stream.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inputStream == nil {
		return nil
	}
	var errs []error
	if err := e.inputStream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := e.inputStream.Close(); err != nil {
		errs = append(errs, err)
	}
	e.inputStream = nil
	s := e.Stats()
	e.logger.Info("capture stopped",
		zap.Uint64("captured", s.Captured), zap.Uint64("dropped", s.Dropped), zap.Uint64("gated", s.Gated))
	return errors.Join(errs...)
}

// Close stops the stream and closes the Tasks channel. The engine cannot be
// restarted afterwards.
func (e *Engine) Close() error {
	err := e.Stop()
	e.closeOnce.Do(func() { close(e.tasks) })
	return err
}

// processInputStream is the PortAudio callback.
func (e *Engine) processInputStream(in []float32) {
	e.handleBlock(in, time.Now())
}

// handleBlock de-interleaves one block and offers it to the sink.
func (e *Engine) handleBlock(in []float32, now time.Time) {
	e.captured.Add(1)

	channels := e.cfg.Channels()
	n := min(len(in)/channels, e.cfg.FramesPerBuffer)
	for m, f := range e.mics {
		deinterleave(f, in, channels, m, n, now)
	}
	if e.ref != nil {
		deinterleave(e.ref, in, channels, e.cfg.NumMicrophones, n, now)
	}

	if e.ptt != nil && !e.ptt.Transmitting() {
		e.gated.Add(1)
		return
	}

	task, err := e.sink.Offer(e.mics, e.ref, e.cfg.Azimuth)
	if err != nil {
		e.dropped.Add(1)
		if errors.Is(err, pipeline.ErrQueueFull) {
			return
		}
		e.logger.Debug("offer failed", zap.Error(err))
		return
	}
	e.offered.Add(1)

	select {
	case e.tasks <- task:
	default:
	}
}

// deinterleave copies channel ch of an interleaved float32 block into f,
// zero-filling when the block is short.
func deinterleave(f *frame.Frame, in []float32, channels, ch, n int, now time.Time) {
	for i := range n {
		f.Samples[i] = float64(in[i*channels+ch])
	}
	clear(f.Samples[n:])
	f.Metadata = frame.Metadata{Timestamp: now}
}
