// SPDX-License-Identifier: MIT
package analysis

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"apm/internal/log"
	"apm/internal/vad"
)

// Calibrator estimates the ambient noise level from the first frames it sees.
// Once enough frames are collected it reports the 25th percentile energy in
// dB on Result, exactly once until Reset.
type Calibrator struct {
	mu      sync.Mutex
	want    int
	samples []float64
	level   float64
	done    bool
	result  chan float64
	logger  *zap.Logger
}

var _ AudioProcessor = (*Calibrator)(nil)

// NewCalibrator collects frames frames before deciding. Values below 1 are
// raised to 1.
func NewCalibrator(frames int) *Calibrator {
	frames = max(frames, 1)
	return &Calibrator{
		want:    frames,
		samples: make([]float64, 0, frames),
		result:  make(chan float64, 1),
		logger:  log.Named("calibration"),
	}
}

// Process records the energy of one frame.
func (c *Calibrator) Process(samples []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}

	c.samples = append(c.samples, vad.EnergyDB(samples))
	if len(c.samples) < c.want {
		return
	}

	slices.Sort(c.samples)
	c.level = c.samples[len(c.samples)/4]
	c.done = true
	c.samples = c.samples[:0]
	c.logger.Info("ambient level calibrated", zap.Float64("level_db", c.level), zap.Int("frames", c.want))

	select {
	case c.result <- c.level:
	default:
	}
}

// Result delivers the calibrated ambient level once.
func (c *Calibrator) Result() <-chan float64 { return c.result }

// Level returns the calibrated level and whether calibration has finished.
func (c *Calibrator) Level() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level, c.done
}

// Progress returns how many frames have been collected toward the target.
func (c *Calibrator) Progress() (collected, target int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return c.want, c.want
	}
	return len(c.samples), c.want
}

// Reset discards collected frames and any undelivered result so calibration
// starts over.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = c.samples[:0]
	c.level = 0
	c.done = false
	select {
	case <-c.result:
	default:
	}
}
