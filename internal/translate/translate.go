// SPDX-License-Identifier: MIT
/*
Package translate defines the boundary between the audio pipeline and the
speech translation backend.

The pipeline only depends on the Translator interface. This package ships
three implementations that can be composed: Mock for tests and demos, Remote
for an out-of-process translation bridge reached over WebSocket, and Guarded,
a circuit-breaking decorator around any other Translator.
*/
package translate

import (
	"context"
	"time"

	"apm/internal/frame"
)

// Request is one utterance to translate.
type Request struct {
	Audio          *frame.Frame
	SourceLang     string
	TargetLang     string
	ContextHistory []string
}

// Result carries the translated speech and text. Success is false when the
// backend could not produce a translation; TranslatedAudio is still set (to
// silence if nothing better is available) so callers can decide what to play.
type Result struct {
	TranslatedAudio *frame.Frame
	SourceText      string
	TranslatedText  string
	Confidence      float64
	Latency         time.Duration
	Success         bool
	Error           string
}

// Translator converts speech in one language into speech in another.
// Implementations must be safe for concurrent use.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to the Translator interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Translate calls f.
func (f Func) Translate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Silence returns a mono silent frame matching the length and rate of audio.
func Silence(audio *frame.Frame) *frame.Frame {
	rate := frame.DefaultSampleRate
	n := 0
	if audio != nil {
		n = audio.FrameCount()
		if audio.SampleRate > 0 {
			rate = audio.SampleRate
		}
	}
	return frame.New(n, rate, 1)
}

// Failed builds an unsuccessful Result for req carrying silent audio.
func Failed(req Request, reason string, latency time.Duration) Result {
	return Result{
		TranslatedAudio: Silence(req.Audio),
		Latency:         latency,
		Success:         false,
		Error:           reason,
	}
}
