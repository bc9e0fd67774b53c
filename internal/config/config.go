// SPDX-License-Identifier: MIT
package config

import (
	"time"

	"apm/internal/echo"
	"apm/internal/observe"
	"apm/internal/translate"
	"apm/internal/vad"
)

// Core configuration constants that define the boundaries and defaults
// for the projection microphone.
const (
	// Array geometry defaults.
	DefaultNumMicrophones  = 4
	DefaultMicSpacingM     = 0.012
	DefaultNumSpeakers     = 3
	DefaultSpeakerSpacingM = 0.015
	DefaultSampleRate      = 48000
	DefaultFramesPerBuffer = 960 // 20 ms at 48 kHz

	// Translation defaults.
	DefaultSourceLanguage = "en-US"
	DefaultTargetLanguage = "es-ES"
	BackendMock           = "mock"
	BackendRemote         = "remote"

	// Pipeline defaults.
	DefaultProjectionDistanceM = 1.5
	DefaultQueueSize           = 8
	DefaultHistorySize         = 8
	DefaultCalibrationFrames   = 50

	// Recording defaults.
	DefaultFormat   = "wav"
	DefaultBitDepth = 16

	// Hardware and processing limits.
	MinDeviceID     = -1     // -1 represents system default device
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192   // Maximum frames per buffer

	// DefaultMaxConsecutiveWriteFailures stops a recorder that keeps failing.
	DefaultMaxConsecutiveWriteFailures = 5
)

// Default returns the built-in configuration used when no file is found.
func Default() Config {
	return Config{
		LogLevel: "info",
		Array: ArrayConfig{
			NumMicrophones:  DefaultNumMicrophones,
			MicSpacingM:     DefaultMicSpacingM,
			NumSpeakers:     DefaultNumSpeakers,
			SpeakerSpacingM: DefaultSpeakerSpacingM,
			SampleRate:      DefaultSampleRate,
			FramesPerBuffer: DefaultFramesPerBuffer,
		},
		Translation: TranslationConfig{
			SourceLanguage: DefaultSourceLanguage,
			TargetLanguage: DefaultTargetLanguage,
			Backend:        BackendMock,
			RemoteTimeout:  translate.DefaultRemoteTimeout,
			MockLatency:    translate.DefaultMockLatency,
			Breaker: translate.BreakerConfig{
				Name:         "translator",
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
				HalfOpenMax:  3,
			},
		},
		Pipeline: PipelineConfig{
			EchoFilterLength:    echo.DefaultFilterLength,
			EchoStepSize:        echo.DefaultStepSize,
			VADThresholdDB:      vad.DefaultThresholdDB,
			VADHangoverFrames:   vad.DefaultHangoverFrames,
			ProjectionDistanceM: DefaultProjectionDistanceM,
			QueueSize:           DefaultQueueSize,
			HistorySize:         DefaultHistorySize,
			FailurePolicy:       "project",
			CalibrationFrames:   DefaultCalibrationFrames,
			DegradedDropRate:    observe.DefaultDegradedDropRate,
			ErrorDropRate:       observe.DefaultErrorDropRate,
		},
		Audio: AudioConfig{
			InputDevice:   MinDeviceID,
			SpectrumBands: 32,
			FFTWindow:     "Hann",
		},
		Recording: RecordingConfig{
			OutputDir: "./recordings",
			Format:    DefaultFormat,
			BitDepth:  DefaultBitDepth,
		},
		Transport: TransportConfig{
			HTTPAddress:      ":8080",
			WebSocketRate:    30,
			UDPTargetAddress: "127.0.0.1:9090",
			UDPSendInterval:  33 * time.Millisecond, // ~30Hz
		},
		PTT: PTTConfig{
			MinHold:  50 * time.Millisecond,
			Cooldown: 100 * time.Millisecond,
		},
	}
}
