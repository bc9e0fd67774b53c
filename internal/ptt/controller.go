// SPDX-License-Identifier: MIT

// Package ptt gates capture behind a push-to-talk button.
package ptt

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"apm/internal/log"
)

// State is the button state machine position.
type State int32

const (
	Idle State = iota
	Transmitting
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Transmitting:
		return "TRANSMITTING"
	case Cooldown:
		return "COOLDOWN"
	default:
		return "INVALID"
	}
}

// Default timings.
const (
	DefaultMinHold  = 50 * time.Millisecond
	DefaultCooldown = 100 * time.Millisecond
)

// Config tunes debounce and cooldown. Zero fields take defaults.
type Config struct {
	MinHold  time.Duration
	Cooldown time.Duration
}

// Stats summarises activity since the last ResetStats.
type Stats struct {
	Transmissions uint64
	TotalSamples  uint64
	// LastHold is the length of the current or most recent transmission.
	LastHold time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to log.Named("ptt").
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// OnStateChange registers a callback invoked after every transition. It is
// called without internal locks held.
func OnStateChange(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// OnAudio registers a callback receiving every chunk accepted while
// transmitting.
func OnAudio(fn func([]float64)) Option {
	return func(c *Controller) { c.onAudio = fn }
}

// Controller implements Idle -> Transmitting -> Cooldown -> Idle. A release
// sooner than MinHold after the press is treated as a bounce and returns
// straight to Idle. Presses during Cooldown are ignored. Safe for concurrent
// use.
type Controller struct {
	cfg     Config
	logger  *zap.Logger
	onState func(State)
	onAudio func([]float64)
	now     func() time.Time

	mu            sync.Mutex
	state         State
	pressedAt     time.Time
	releasedAt    time.Time
	cooldown      *time.Timer
	closed        bool
	transmissions uint64
	totalSamples  uint64
	buffer        []float64
}

// New returns an idle controller.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.MinHold <= 0 {
		cfg.MinHold = DefaultMinHold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	c := &Controller{
		cfg:    cfg,
		logger: log.Named("ptt"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Press starts a transmission from Idle. It reports whether it did.
func (c *Controller) Press() bool {
	c.mu.Lock()
	if c.closed || c.state != Idle {
		c.mu.Unlock()
		return false
	}
	c.state = Transmitting
	c.pressedAt = c.now()
	c.transmissions++
	c.mu.Unlock()

	c.logger.Debug("pressed")
	c.notify(Transmitting)
	return true
}

// Release ends a transmission. Short holds return to Idle; otherwise the
// controller cools down before accepting the next press.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.state != Transmitting {
		c.mu.Unlock()
		return
	}
	c.releasedAt = c.now()
	hold := c.releasedAt.Sub(c.pressedAt)
	if hold < c.cfg.MinHold {
		c.state = Idle
		c.mu.Unlock()
		c.logger.Debug("released too quickly", zap.Duration("hold", hold))
		c.notify(Idle)
		return
	}
	c.state = Cooldown
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	c.cooldown = time.AfterFunc(c.cfg.Cooldown, c.endCooldown)
	c.mu.Unlock()

	c.logger.Debug("released", zap.Duration("hold", hold))
	c.notify(Cooldown)
}

// Toggle presses from Idle and releases from Transmitting.
func (c *Controller) Toggle() {
	switch c.State() {
	case Idle:
		c.Press()
	case Transmitting:
		c.Release()
	}
}

func (c *Controller) endCooldown() {
	c.mu.Lock()
	if c.closed || c.state != Cooldown {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.mu.Unlock()

	c.logger.Debug("ready")
	c.notify(Idle)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transmitting reports whether audio is currently let through.
func (c *Controller) Transmitting() bool { return c.State() == Transmitting }

// Process accepts samples while transmitting: they are appended to the
// buffer and passed to the audio callback. Otherwise they are dropped.
// It reports whether the chunk was accepted.
func (c *Controller) Process(samples []float64) bool {
	c.mu.Lock()
	if c.state != Transmitting {
		c.mu.Unlock()
		return false
	}
	c.buffer = append(c.buffer, samples...)
	c.totalSamples += uint64(len(samples))
	c.mu.Unlock()

	if c.onAudio != nil {
		c.onAudio(samples)
	}
	return true
}

// Buffer returns a copy of everything accepted since the last ClearBuffer.
func (c *Controller) Buffer() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.buffer...)
}

// ClearBuffer discards the accumulated audio.
func (c *Controller) ClearBuffer() {
	c.mu.Lock()
	c.buffer = c.buffer[:0]
	c.mu.Unlock()
}

// Stats returns the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Transmissions: c.transmissions, TotalSamples: c.totalSamples}
	switch {
	case c.state == Transmitting:
		s.LastHold = c.now().Sub(c.pressedAt)
	case !c.releasedAt.IsZero():
		s.LastHold = c.releasedAt.Sub(c.pressedAt)
	}
	return s
}

// ResetStats zeroes the counters and clears the buffer.
func (c *Controller) ResetStats() {
	c.mu.Lock()
	c.transmissions = 0
	c.totalSamples = 0
	c.buffer = c.buffer[:0]
	c.mu.Unlock()
}

// Close stops the cooldown timer and rejects further presses.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	return nil
}

func (c *Controller) notify(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}
