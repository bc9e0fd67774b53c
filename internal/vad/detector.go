// SPDX-License-Identifier: MIT
// Package vad gates frames on energy and zero-crossing rate with a hangover
// that keeps the gate open briefly after speech ends.
package vad

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"apm/internal/frame"
)

const (
	// DefaultThresholdDB is the initial energy threshold.
	DefaultThresholdDB = -30.0
	// DefaultHangoverFrames is how many frames stay open after the last detection.
	DefaultHangoverFrames = 10
	// AmbientMarginDB is added to the ambient level by AdaptThreshold.
	AmbientMarginDB = 15.0

	// Zero-crossing count bounds (exclusive) for voiced content.
	minCrossings = 50
	maxCrossings = 300

	confidenceSpanDB = 20.0
	energyFloor      = 1e-10
)

// Result is the decision for one frame.
type Result struct {
	SpeechDetected bool    `json:"speech_detected"`
	Confidence     float64 `json:"confidence"`
	SNRDB          float64 `json:"snr_db"`
	EnergyDB       float64 `json:"energy_db"`
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the initial energy threshold in dB.
func WithThreshold(db float64) Option {
	return func(d *Detector) { d.thresholdDB = db }
}

// WithHangover sets the number of hangover frames. Negative values are ignored.
func WithHangover(frames int) Option {
	return func(d *Detector) {
		if frames >= 0 {
			d.hangoverFrames = frames
		}
	}
}

// Detector is a stateful voice activity detector. One instance serves one
// stream; it is not safe for concurrent use.
type Detector struct {
	thresholdDB     float64
	hangoverFrames  int
	currentHangover int
}

// New returns a detector with the default threshold and hangover.
func New(opts ...Option) *Detector {
	d := &Detector{
		thresholdDB:    DefaultThresholdDB,
		hangoverFrames: DefaultHangoverFrames,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect classifies f. A frame counts as speech when its energy exceeds the
// threshold and its zero-crossing count lies strictly between 50 and 300, or
// while the hangover from an earlier speech frame is still running.
func (d *Detector) Detect(f *frame.Frame) Result {
	energyDB := EnergyDB(f.Samples)
	crossings := ZeroCrossings(f.Samples)

	speech := energyDB > d.thresholdDB && crossings > minCrossings && crossings < maxCrossings

	if speech {
		d.currentHangover = d.hangoverFrames
	} else if d.currentHangover > 0 {
		d.currentHangover--
		speech = true
	}

	var confidence float64
	if speech {
		confidence = math.Max(0, math.Min(1, (energyDB-d.thresholdDB)/confidenceSpanDB))
	}

	return Result{
		SpeechDetected: speech,
		Confidence:     confidence,
		SNRDB:          energyDB - d.thresholdDB,
		EnergyDB:       energyDB,
	}
}

// AdaptThreshold places the threshold AmbientMarginDB above the measured
// ambient level.
func (d *Detector) AdaptThreshold(ambientDB float64) {
	d.thresholdDB = ambientDB + AmbientMarginDB
}

// Threshold returns the current energy threshold in dB.
func (d *Detector) Threshold() float64 { return d.thresholdDB }

// Hangover returns the number of hangover frames still pending.
func (d *Detector) Hangover() int { return d.currentHangover }

// Reset cancels any pending hangover. The threshold is kept.
func (d *Detector) Reset() {
	d.currentHangover = 0
}

// EnergyDB returns the mean-square level of samples in dB. An empty slice
// reports the floor level (-100 dB).
func EnergyDB(samples []float64) float64 {
	if len(samples) == 0 {
		return 10 * math.Log10(energyFloor)
	}
	return 10 * math.Log10(floats.Dot(samples, samples)/float64(len(samples))+energyFloor)
}

// ZeroCrossings counts sign changes between adjacent samples, treating zero
// as positive.
func ZeroCrossings(samples []float64) int {
	var n int
	for i := 1; i < len(samples); i++ {
		if (samples[i] >= 0) != (samples[i-1] >= 0) {
			n++
		}
	}
	return n
}
