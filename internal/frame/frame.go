// SPDX-License-Identifier: MIT
/*
Package frame defines the audio buffer that flows between pipeline stages.

A Frame owns an interleaved float64 sample buffer whose length is always an
exact multiple of its channel count. Stages never mutate a frame they are
handed; each returns a freshly allocated frame. Metadata is a snapshot and is
only refreshed by an explicit ComputeMetadata call.
*/
package frame

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// DefaultSampleRate is used where no input frame supplies a rate.
const DefaultSampleRate = 48000

// SilenceDB is reported for peak and RMS levels of an empty frame.
const SilenceDB = -96.0

// dbFloor keeps log10 finite for digital silence.
const dbFloor = 1e-10

// Metadata holds derived measurements and optional annotations for a frame.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	PeakDB    float64   `json:"peak_db"`
	RMSDB     float64   `json:"rms_db"`
	SNRDB     float64   `json:"snr_db"`
	Clipping  bool      `json:"clipping"`

	SpeakerID string   `json:"speaker_id,omitempty"`
	Emotion   string   `json:"emotion,omitempty"`
	PitchHz   *float64 `json:"pitch_hz,omitempty"`
}

// Frame is a block of interleaved audio samples.
type Frame struct {
	Samples    []float64
	SampleRate int
	Channels   int
	Metadata   Metadata
}

// New allocates a zero-filled frame holding samplesPerChannel samples for each
// channel. Negative sizes are treated as zero.
func New(samplesPerChannel, sampleRate, channels int) *Frame {
	if samplesPerChannel < 0 {
		samplesPerChannel = 0
	}
	n := 0
	if channels > 0 {
		n = samplesPerChannel * channels
	}
	return &Frame{
		Samples:    make([]float64, n),
		SampleRate: sampleRate,
		Channels:   channels,
		Metadata:   Metadata{Timestamp: time.Now()},
	}
}

// FromSamples wraps an interleaved buffer without copying. A trailing partial
// sample group is cut off so the buffer stays a multiple of channels.
func FromSamples(samples []float64, sampleRate, channels int) *Frame {
	if channels < 1 {
		samples = samples[:0]
	} else if rem := len(samples) % channels; rem != 0 {
		samples = samples[:len(samples)-rem]
	}
	return &Frame{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
		Metadata:   Metadata{Timestamp: time.Now()},
	}
}

// FrameCount returns the number of samples per channel.
func (f *Frame) FrameCount() int {
	if f == nil || f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame.
func (f *Frame) Duration() time.Duration {
	if f == nil || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(f.FrameCount()) / float64(f.SampleRate) * float64(time.Second))
}

// Channel returns a de-interleaved copy of channel ch, or nil when ch is out
// of range.
func (f *Frame) Channel(ch int) []float64 {
	if f == nil || ch < 0 || ch >= f.Channels {
		return nil
	}
	n := f.FrameCount()
	out := make([]float64, n)
	for i := range n {
		out[i] = f.Samples[i*f.Channels+ch]
	}
	return out
}

// Clone returns a deep copy, including the optional pitch annotation.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Samples = make([]float64, len(f.Samples))
	copy(c.Samples, f.Samples)
	if f.Metadata.PitchHz != nil {
		p := *f.Metadata.PitchHz
		c.Metadata.PitchHz = &p
	}
	return &c
}

// ComputeMetadata refreshes PeakDB, RMSDB and Clipping from the current
// samples. An empty frame reports SilenceDB for both levels.
func (f *Frame) ComputeMetadata() {
	if len(f.Samples) == 0 {
		f.Metadata.PeakDB = SilenceDB
		f.Metadata.RMSDB = SilenceDB
		f.Metadata.Clipping = false
		return
	}

	var peak float64
	for _, s := range f.Samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	meanSquare := floats.Dot(f.Samples, f.Samples) / float64(len(f.Samples))

	f.Metadata.PeakDB = 20 * math.Log10(peak+dbFloor)
	f.Metadata.RMSDB = 10 * math.Log10(meanSquare+dbFloor)
	f.Metadata.Clipping = peak >= 1.0
}
