// SPDX-License-Identifier: MIT
/*
Package denoise implements a recurrent gain estimator for background noise
suppression.

The input is scanned with a 512-sample periodic Hann window advancing 256
samples at a time. Each windowed block is reduced to a feature vector (per
sample log magnitude, block energy and a magnitude centroid) which drives a
256-unit gated recurrent cell. The cell's outputs are averaged into a single
gain that scales the first hop of raw input samples under the window. Samples
after the last complete window pass through unchanged. The recurrent state
carries over between calls, so consecutive frames of one stream must go to
the same Suppressor.
*/
package denoise

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"

	"apm/internal/frame"
)

const (
	// WindowSize is the analysis window length in samples.
	WindowSize = 512
	// HopSize is the distance between consecutive windows.
	HopSize = WindowSize / 2
	// StateSize is the number of recurrent units.
	StateSize = 256

	logFloor = 1e-10
)

// Suppressor holds the recurrent state for one audio stream. It is not safe
// for concurrent use.
type Suppressor struct {
	window []float64
	hidden []float64
	cell   []float64
	prev   []float64

	block    []float64 // Reusable windowed block.
	features []float64 // Reusable feature vector (WindowSize + 2).
	mask     []float64 // Reusable cell output (HopSize).
}

// New returns a Suppressor with zeroed state.
func New() *Suppressor {
	return &Suppressor{
		window:   periodicHann(WindowSize),
		hidden:   make([]float64, StateSize),
		cell:     make([]float64, StateSize),
		prev:     make([]float64, WindowSize),
		block:    make([]float64, WindowSize),
		features: make([]float64, WindowSize+2),
		mask:     make([]float64, HopSize),
	}
}

// periodicHann returns 0.5*(1-cos(2*pi*i/n)) for i in [0, n). gonum's Hann is
// the symmetric form over its input length, so it is evaluated on n+1 points
// and the final point dropped.
func periodicHann(n int) []float64 {
	w := make([]float64, n+1)
	for i := range w {
		w[i] = 1
	}
	window.Hann(w)
	return w[:n]
}

// Window returns a copy of the analysis window coefficients.
func (s *Suppressor) Window() []float64 {
	return append([]float64(nil), s.window...)
}

// Suppress returns a copy of noisy with each hop attenuated by the gain the
// recurrent cell estimates for its window. Frames shorter than WindowSize are
// returned unchanged apart from refreshed metadata.
func (s *Suppressor) Suppress(noisy *frame.Frame) *frame.Frame {
	out := noisy.Clone()
	in := noisy.Samples

	for pos := 0; pos+WindowSize <= len(in); pos += HopSize {
		for i := range WindowSize {
			s.block[i] = in[pos+i] * s.window[i]
		}
		s.computeFeatures(s.block)
		s.step(s.features)

		gain := floats.Sum(s.mask) / float64(len(s.mask))
		for i := 0; i < HopSize && pos+i < len(out.Samples); i++ {
			out.Samples[pos+i] = in[pos+i] * gain
		}
	}

	out.ComputeMetadata()
	return out
}

// computeFeatures fills s.features from a windowed block: the log magnitude
// of every sample followed by the block energy and magnitude centroid.
func (s *Suppressor) computeFeatures(block []float64) {
	var energy, centroid float64
	for i, x := range block {
		mag := math.Abs(x)
		s.features[i] = math.Log(mag + logFloor)
		energy += mag * mag
		centroid += float64(i) * mag
	}
	s.features[len(block)] = energy
	s.features[len(block)+1] = centroid / (energy + logFloor)
}

// step advances the recurrent cell once over input and writes HopSize
// outputs into s.mask.
func (s *Suppressor) step(input []float64) {
	for i := range s.mask {
		x := input[i%len(input)]
		k := i % StateSize

		forget := sigmoid(x + s.hidden[k])
		gate := sigmoid(x * 0.5)
		s.cell[k] = forget*s.cell[k] + gate*math.Tanh(x)
		outGate := sigmoid(x)
		s.hidden[k] = outGate * math.Tanh(s.cell[k])

		s.mask[i] = sigmoid(s.hidden[k])
	}
}

// Hidden returns a copy of the recurrent hidden state.
func (s *Suppressor) Hidden() []float64 { return append([]float64(nil), s.hidden...) }

// Cell returns a copy of the recurrent cell state.
func (s *Suppressor) Cell() []float64 { return append([]float64(nil), s.cell...) }

// Reset zeroes the recurrent state and the previous-block buffer.
func (s *Suppressor) Reset() {
	clear(s.hidden)
	clear(s.cell)
	clear(s.prev)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
