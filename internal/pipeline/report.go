// SPDX-License-Identifier: MIT
package pipeline

import (
	"time"

	"apm/internal/frame"
	"apm/internal/vad"
)

// ReportType tags pipeline reports on shared transports.
const ReportType = "pipeline_report"

// Report summarises one task for monitoring clients.
type Report struct {
	Type      string    `json:"type"`
	Session   string    `json:"session"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Azimuth   float64   `json:"azimuth"`

	Speech     bool           `json:"speech"`
	VAD        vad.Result     `json:"vad"`
	DoubleTalk bool           `json:"double_talk"`
	Beam       frame.Metadata `json:"beam"`
	Denoised   frame.Metadata `json:"denoised"`

	SourceText         string  `json:"source_text,omitempty"`
	TranslatedText     string  `json:"translated_text,omitempty"`
	TranslationSuccess bool    `json:"translation_success"`
	Confidence         float64 `json:"confidence,omitempty"`
	TranslationMS      float64 `json:"translation_ms,omitempty"`

	Projections int                `json:"projections"`
	StageMS     map[string]float64 `json:"stage_ms"`
	Error       string             `json:"error,omitempty"`
}

// Reporter receives reports. transport.Transport implementations satisfy it.
type Reporter interface {
	Send(data any) error
}

// Monitor observes the denoised signal of every task, before gating.
type Monitor interface {
	Analyze(f *frame.Frame)
}

// MessageType returns the transport tag of the report.
func (r Report) MessageType() string { return r.Type }
