// SPDX-License-Identifier: MIT
/*
Package echo removes loudspeaker echo from a microphone signal with a
normalised least-mean-squares (NLMS) adaptive filter.

The canceller keeps a tapped delay line of the most recent reference samples
(newest first) and a weight vector of the same length. For every sample pair
it predicts the echo as the dot product of weights and history, emits the
prediction error, and nudges the weights toward the reference in proportion
to the error. Both vectors persist across calls and are only cleared by Reset.
*/
package echo

import (
	"gonum.org/v1/gonum/floats"

	"apm/internal/frame"
)

const (
	// DefaultFilterLength is the number of taps in the adaptive filter.
	DefaultFilterLength = 2048
	// DefaultStepSize is the NLMS adaptation rate (mu).
	DefaultStepSize = 0.3
	// powerFloor bounds the normalisation so silent references do not blow up the update.
	powerFloor = 1e-6
	// doubleTalkRatio is the mic/reference energy ratio above which near-end speech is assumed.
	doubleTalkRatio = 4.0
)

// Option configures a Canceller.
type Option func(*Canceller)

// WithStepSize overrides the adaptation rate.
func WithStepSize(mu float64) Option {
	return func(c *Canceller) {
		if mu > 0 {
			c.mu = mu
		}
	}
}

// Canceller is an NLMS echo canceller. It is not safe for concurrent use;
// callers own one instance per audio stream.
type Canceller struct {
	filterLength int
	mu           float64
	weights      []float64
	history      []float64 // history[0] is the most recent reference sample.
}

// New returns a canceller with filterLength taps. Non-positive lengths fall
// back to DefaultFilterLength.
func New(filterLength int, opts ...Option) *Canceller {
	if filterLength <= 0 {
		filterLength = DefaultFilterLength
	}
	c := &Canceller{
		filterLength: filterLength,
		mu:           DefaultStepSize,
		weights:      make([]float64, filterLength),
		history:      make([]float64, filterLength),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FilterLength returns the number of adaptive taps.
func (c *Canceller) FilterLength() int { return c.filterLength }

// StepSize returns the adaptation rate.
func (c *Canceller) StepSize() float64 { return c.mu }

// Weights returns a copy of the current filter coefficients.
func (c *Canceller) Weights() []float64 {
	w := make([]float64, len(c.weights))
	copy(w, c.weights)
	return w
}

// Cancel subtracts the estimated echo of ref from mic. Only the first
// min(len(mic), len(ref)) samples are processed; any remaining microphone
// samples pass through unchanged. The returned frame has mic's format and
// freshly computed metadata.
func (c *Canceller) Cancel(mic, ref *frame.Frame) *frame.Frame {
	out := mic.Clone()
	n := min(len(mic.Samples), len(ref.Samples))

	for i := range n {
		c.push(ref.Samples[i])

		estimate := floats.Dot(c.weights, c.history)
		residual := mic.Samples[i] - estimate
		out.Samples[i] = residual

		power := max(floats.Dot(c.history, c.history), powerFloor)
		floats.AddScaled(c.weights, c.mu*residual/power, c.history)
	}

	out.ComputeMetadata()
	return out
}

// push shifts the delay line by one and inserts s at the front.
func (c *Canceller) push(s float64) {
	copy(c.history[1:], c.history[:len(c.history)-1])
	c.history[0] = s
}

// DetectDoubleTalk reports whether the microphone carries markedly more
// energy than the reference, which indicates near-end speech. It does not
// influence Cancel; callers decide whether to act on it. Empty inputs report
// false.
func DetectDoubleTalk(mic, ref *frame.Frame) bool {
	if len(mic.Samples) == 0 || len(ref.Samples) == 0 {
		return false
	}
	micEnergy := floats.Dot(mic.Samples, mic.Samples) / float64(len(mic.Samples))
	refEnergy := floats.Dot(ref.Samples, ref.Samples) / float64(len(ref.Samples))
	return micEnergy > doubleTalkRatio*refEnergy
}

// DetectDoubleTalk is the method form of the package-level detector.
func (c *Canceller) DetectDoubleTalk(mic, ref *frame.Frame) bool {
	return DetectDoubleTalk(mic, ref)
}

// Reset clears the weights and the reference history.
func (c *Canceller) Reset() {
	clear(c.weights)
	clear(c.history)
}
