// SPDX-License-Identifier: MIT
package vad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"apm/internal/frame"
)

func tone(freq, amp float64) *frame.Frame {
	s := make([]float64, 960)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/48000+0.3)
	}
	return frame.FromSamples(s, 48000, 1)
}

func silence() *frame.Frame { return frame.New(960, 48000, 1) }

func TestDetectSilence(t *testing.T) {
	r := New().Detect(silence())
	assert.False(t, r.SpeechDetected)
	assert.Zero(t, r.Confidence)
	assert.InDelta(t, -100.0, r.EnergyDB, 1e-9)
	assert.InDelta(t, -70.0, r.SNRDB, 1e-9)
}

func TestDetectVoicedTone(t *testing.T) {
	// 3 kHz over 20 ms gives about 120 crossings.
	r := New().Detect(tone(3000, 0.1))
	assert.True(t, r.SpeechDetected)
	wantEnergy := 10 * math.Log10(0.1*0.1/2)
	assert.InDelta(t, wantEnergy, r.EnergyDB, 0.05)
	assert.InDelta(t, (wantEnergy+30)/20, r.Confidence, 0.01)
}

func TestDetectConfidenceClamped(t *testing.T) {
	r := New().Detect(tone(3000, 0.9))
	assert.True(t, r.SpeechDetected)
	assert.Equal(t, 1.0, r.Confidence)
}

func TestDetectRejectsOutOfBandCrossings(t *testing.T) {
	tests := []struct {
		name string
		freq float64
	}{
		{"hum", 100},       // ~4 crossings
		{"hiss", 10000},    // ~400 crossings
		{"boundary", 1250}, // exactly 50 crossings is not enough
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tone(tt.freq, 0.5)
			if tt.name == "boundary" {
				require.Equal(t, 50, ZeroCrossings(f.Samples))
			}
			assert.False(t, New().Detect(f).SpeechDetected)
		})
	}
}

func TestHangover(t *testing.T) {
	d := New()
	require.True(t, d.Detect(tone(3000, 0.5)).SpeechDetected)

	for i := 1; i <= DefaultHangoverFrames; i++ {
		r := d.Detect(silence())
		assert.True(t, r.SpeechDetected, "silent frame %d should be held open", i)
		assert.Zero(t, r.Confidence, "energy below threshold clamps confidence")
	}
	assert.False(t, d.Detect(silence()).SpeechDetected)
}

func TestResetCancelsHangover(t *testing.T) {
	d := New(WithThreshold(-40))
	d.Detect(tone(3000, 0.5))
	require.Equal(t, DefaultHangoverFrames, d.Hangover())

	d.Reset()
	assert.Zero(t, d.Hangover())
	assert.Equal(t, -40.0, d.Threshold(), "reset keeps the threshold")
	assert.False(t, d.Detect(silence()).SpeechDetected)
}

func TestAdaptThreshold(t *testing.T) {
	d := New()
	d.AdaptThreshold(-20)
	assert.Equal(t, -5.0, d.Threshold())

	// A -23 dB tone is now below threshold.
	assert.False(t, d.Detect(tone(3000, 0.1)).SpeechDetected)
}

func TestWithHangover(t *testing.T) {
	d := New(WithHangover(0))
	d.Detect(tone(3000, 0.5))
	assert.False(t, d.Detect(silence()).SpeechDetected)

	assert.Equal(t, DefaultHangoverFrames, New(WithHangover(-3)).hangoverFrames)
}

func TestEmptyFrame(t *testing.T) {
	r := New().Detect(frame.New(0, 48000, 1))
	assert.False(t, r.SpeechDetected)
	assert.False(t, math.IsNaN(r.EnergyDB))
}

func TestZeroCrossings(t *testing.T) {
	assert.Equal(t, 0, ZeroCrossings(nil))
	assert.Equal(t, 0, ZeroCrossings([]float64{0, 0, 1}))
	assert.Equal(t, 3, ZeroCrossings([]float64{1, -1, 1, -1}))
	assert.Equal(t, 1, ZeroCrossings([]float64{-0.5, 0}))
}

func TestConfidenceInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := New(WithThreshold(rapid.Float64Range(-80, 0).Draw(t, "threshold")))
		n := rapid.IntRange(0, 960).Draw(t, "n")
		s := rapid.SliceOfN(rapid.Float64Range(-1, 1), n, n).Draw(t, "samples")

		r := d.Detect(frame.FromSamples(s, 48000, 1))
		require.GreaterOrEqual(t, r.Confidence, 0.0)
		require.LessOrEqual(t, r.Confidence, 1.0)
		if !r.SpeechDetected {
			require.Zero(t, r.Confidence)
		}
		require.InDelta(t, r.EnergyDB-d.Threshold(), r.SNRDB, 1e-9)
	})
}
