// SPDX-License-Identifier: MIT
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"apm/internal/echo"
	"apm/internal/vad"
)

// FailurePolicy decides what happens to an unsuccessful translation.
type FailurePolicy string

const (
	// PolicyProject projects whatever audio the translator returned, which is
	// silence for a failed call.
	PolicyProject FailurePolicy = "project"
	// PolicySkip returns no speaker feeds for an unsuccessful translation.
	PolicySkip FailurePolicy = "skip"
)

// ParseFailurePolicy accepts "project" or "skip" in any case.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyProject, PolicySkip:
		return p, nil
	case "":
		return PolicyProject, nil
	default:
		return PolicyProject, fmt.Errorf("pipeline: unknown failure policy %q", s)
	}
}

// Config describes the array geometry, languages and stage tuning of one
// orchestrator.
type Config struct {
	NumMicrophones int
	MicSpacingM    float64
	NumSpeakers    int
	SpeakerSpacing float64
	SampleRate     int

	SourceLanguage string
	TargetLanguage string

	EchoFilterLength  int
	EchoStepSize      float64
	VADThresholdDB    float64
	VADHangoverFrames int

	// ProjectionDistance is the assumed listener distance in metres.
	ProjectionDistance float64
	// QueueSize bounds the number of tasks waiting for the worker.
	QueueSize int
	// HistorySize is how many recent source texts are sent as context.
	HistorySize int
	// FailurePolicy applies when a translation reports no success.
	FailurePolicy FailurePolicy
	// DoubleTalkFreeze bypasses echo cancellation, and therefore adaptation,
	// for frames where near-end speech dominates the reference.
	DoubleTalkFreeze bool
}

// DefaultConfig returns the reference geometry: four microphones 12 mm apart,
// three speakers 15 mm apart, 48 kHz, English to Spanish.
func DefaultConfig() Config {
	return Config{
		NumMicrophones:     4,
		MicSpacingM:        0.012,
		NumSpeakers:        3,
		SpeakerSpacing:     0.015,
		SampleRate:         48000,
		SourceLanguage:     "en-US",
		TargetLanguage:     "es-ES",
		EchoFilterLength:   echo.DefaultFilterLength,
		EchoStepSize:       echo.DefaultStepSize,
		VADThresholdDB:     vad.DefaultThresholdDB,
		VADHangoverFrames:  vad.DefaultHangoverFrames,
		ProjectionDistance: 1.5,
		QueueSize:          8,
		HistorySize:        8,
		FailurePolicy:      PolicyProject,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.NumMicrophones <= 0 {
		errs = append(errs, fmt.Errorf("num_microphones must be positive, got %d", c.NumMicrophones))
	}
	if c.MicSpacingM < 0 {
		errs = append(errs, fmt.Errorf("mic_spacing_m must not be negative, got %g", c.MicSpacingM))
	}
	if c.NumSpeakers <= 0 {
		errs = append(errs, fmt.Errorf("num_speakers must be positive, got %d", c.NumSpeakers))
	}
	if c.SpeakerSpacing < 0 {
		errs = append(errs, fmt.Errorf("speaker_spacing_m must not be negative, got %g", c.SpeakerSpacing))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.EchoFilterLength <= 0 {
		errs = append(errs, fmt.Errorf("echo_filter_length must be positive, got %d", c.EchoFilterLength))
	}
	if c.EchoStepSize <= 0 || c.EchoStepSize >= 2 {
		errs = append(errs, fmt.Errorf("echo_step_size must be in (0, 2), got %g", c.EchoStepSize))
	}
	if c.VADHangoverFrames < 0 {
		errs = append(errs, fmt.Errorf("vad_hangover_frames must not be negative, got %d", c.VADHangoverFrames))
	}
	if c.ProjectionDistance < 0 {
		errs = append(errs, fmt.Errorf("projection_distance_m must not be negative, got %g", c.ProjectionDistance))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("history_size must not be negative, got %d", c.HistorySize))
	}
	if c.FailurePolicy != PolicyProject && c.FailurePolicy != PolicySkip {
		errs = append(errs, fmt.Errorf("failure_policy must be %q or %q, got %q", PolicyProject, PolicySkip, c.FailurePolicy))
	}
	return errors.Join(errs...)
}
