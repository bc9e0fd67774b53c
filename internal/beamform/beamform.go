// SPDX-License-Identifier: MIT
/*
Package beamform steers a uniform linear microphone array toward a talker.

The delay-and-sum beamformer aligns each microphone by its geometric delay
for the requested direction and averages the aligned signals. Fractional
delays are resolved with a 7-tap (3rd order each side) Lagrange interpolator;
samples whose interpolation window would leave the buffer contribute zero, so
the first and last three output samples of a frame are always attenuated.
*/
package beamform

import (
	"math"

	"apm/internal/frame"
)

// SpeedOfSound in air, metres per second.
const SpeedOfSound = 343.0

// lagrangeOrder is the number of taps used on each side of the base sample.
const lagrangeOrder = 3

// Engine is a stateless beamformer for a fixed array geometry.
type Engine struct {
	arraySize int     // Number of microphones the geometry describes.
	spacing   float64 // Inter-microphone spacing in metres.
}

// New returns a beamformer for arraySize microphones spaced spacingM apart.
func New(arraySize int, spacingM float64) *Engine {
	return &Engine{arraySize: arraySize, spacing: spacingM}
}

// ArraySize returns the configured microphone count.
func (e *Engine) ArraySize() int { return e.arraySize }

// Spacing returns the configured microphone spacing in metres.
func (e *Engine) Spacing() float64 { return e.spacing }

// Delays returns the per-microphone steering delay, in samples, for the given
// direction and sample rate.
func (e *Engine) Delays(azimuth, elevation float64, sampleRate int) []float64 {
	delays := make([]float64, max(e.arraySize, 0))
	for m := range delays {
		pos := float64(m) * e.spacing
		delays[m] = pos * math.Sin(azimuth) * math.Cos(elevation) / SpeedOfSound * float64(sampleRate)
	}
	return delays
}

// DelayAndSum steers the array toward (azimuth, elevation), both in radians,
// and returns a mono frame with the sample rate and length of the first
// microphone. Microphones beyond the configured array size are ignored, and
// the sum is always normalised by the configured size, so a short array
// yields a proportionally quieter output. An empty array returns a zero-length
// mono frame at frame.DefaultSampleRate.
func (e *Engine) DelayAndSum(mics []*frame.Frame, azimuth, elevation float64) *frame.Frame {
	if len(mics) == 0 {
		return frame.New(0, frame.DefaultSampleRate, 1)
	}

	frameSize := mics[0].FrameCount()
	rate := mics[0].SampleRate
	out := frame.New(frameSize, rate, 1)
	if e.arraySize <= 0 {
		out.ComputeMetadata()
		return out
	}

	delays := e.Delays(azimuth, elevation, rate)
	active := min(e.arraySize, len(mics))
	norm := float64(e.arraySize)

	for i := range frameSize {
		var sum float64
		for m := range active {
			idx := float64(i) - delays[m]
			if idx >= 0 && idx < float64(mics[m].FrameCount()) {
				sum += lagrange(mics[m].Samples, idx)
			}
		}
		out.Samples[i] = sum / norm
	}

	out.ComputeMetadata()
	return out
}

// Superdirective steers the array in the horizontal plane. It currently
// shares the delay-and-sum response.
func (e *Engine) Superdirective(mics []*frame.Frame, azimuth float64) *frame.Frame {
	return e.DelayAndSum(mics, azimuth, 0)
}

// AdaptiveNullSteering steers toward target while nulling the interferer
// directions. Interferers are accepted but not yet used; the response is the
// delay-and-sum beam toward target.
func (e *Engine) AdaptiveNullSteering(mics []*frame.Frame, target float64, interferers []float64) *frame.Frame {
	return e.DelayAndSum(mics, target, 0)
}

// lagrange evaluates the 7-point Lagrange polynomial through the samples
// around trunc(idx). It returns 0 when the window does not fit.
func lagrange(signal []float64, idx float64) float64 {
	base := int(idx)
	frac := idx - float64(base)

	if base < lagrangeOrder || base+lagrangeOrder >= len(signal) {
		return 0
	}

	var result float64
	for n := -lagrangeOrder; n <= lagrangeOrder; n++ {
		prod := signal[base+n]
		for m := -lagrangeOrder; m <= lagrangeOrder; m++ {
			if m != n {
				prod *= (frac - float64(m)) / float64(n-m)
			}
		}
		result += prod
	}
	return result
}
