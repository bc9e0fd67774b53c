// SPDX-License-Identifier: MIT
// Package projector renders a mono source into per-speaker feeds for a
// linear loudspeaker array aimed at a listener.
package projector

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"apm/internal/frame"
)

// SpeedOfSound in air, metres per second.
const SpeedOfSound = 343.0

// Projector is stateless and safe for concurrent use.
type Projector struct {
	speakers int
	spacing  float64
}

// New returns a projector for speakers loudspeakers spaced spacingM apart.
func New(speakers int, spacingM float64) *Projector {
	return &Projector{speakers: max(speakers, 0), spacing: spacingM}
}

// Speakers returns the configured loudspeaker count.
func (p *Projector) Speakers() int { return p.speakers }

// DelaySamples returns the whole-sample steering delay for speaker s.
func (p *Projector) DelaySamples(s int, azimuth float64, sampleRate int) int {
	pos := float64(s) * p.spacing
	return int(pos * math.Sin(azimuth) / SpeedOfSound * float64(sampleRate))
}

// Attenuation returns the distance gain 1/(d^2+1).
func Attenuation(distanceM float64) float64 {
	return 1 / (distanceM*distanceM + 1)
}

// Project returns one feed per speaker. Each feed is the source rotated left
// by its steering delay (a circular shift, so samples pushed off the front
// reappear at the end) and scaled by the distance gain. Delays that are not
// strictly between zero and the buffer length leave the feed unshifted.
func (p *Projector) Project(source *frame.Frame, azimuth, distanceM float64) []*frame.Frame {
	gain := Attenuation(distanceM)
	feeds := make([]*frame.Frame, p.speakers)

	for s := range feeds {
		feed := source.Clone()
		delay := p.DelaySamples(s, azimuth, source.SampleRate)
		if delay > 0 && delay < len(feed.Samples) {
			rotateLeft(feed.Samples, delay)
		}
		floats.Scale(gain, feed.Samples)
		feed.ComputeMetadata()
		feeds[s] = feed
	}
	return feeds
}

// rotateLeft performs an in-place left rotation by k using three reversals.
func rotateLeft(s []float64, k int) {
	reverse(s[:k])
	reverse(s[k:])
	reverse(s)
}

func reverse(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
