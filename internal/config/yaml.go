// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"apm/internal/analysis"
	"apm/internal/log"
	"apm/internal/pipeline"
	"apm/internal/translate"
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug       bool              `yaml:"debug"`       // Enable debug mode (forces debug logging).
	LogLevel    string            `yaml:"log_level"`   // Logging level (e.g., "debug", "info", "warn", "error").
	Array       ArrayConfig       `yaml:"array"`       // Microphone and speaker array geometry.
	Translation TranslationConfig `yaml:"translation"` // Translation backend settings.
	Pipeline    PipelineConfig    `yaml:"pipeline"`    // Stage tuning.
	Audio       AudioConfig       `yaml:"audio"`       // Capture device and analysis settings.
	Recording   RecordingConfig   `yaml:"recording"`   // Projection recording settings.
	Transport   TransportConfig   `yaml:"transport"`   // Monitoring transports.
	PTT         PTTConfig         `yaml:"ptt"`         // Push-to-talk gating of live capture.
}

// ArrayConfig describes the hardware geometry.
type ArrayConfig struct {
	NumMicrophones  int     `yaml:"num_microphones"`   // Capture channels fed to the beamformer.
	MicSpacingM     float64 `yaml:"mic_spacing_m"`     // Distance between adjacent microphones.
	NumSpeakers     int     `yaml:"num_speakers"`      // Output feeds produced per utterance.
	SpeakerSpacingM float64 `yaml:"speaker_spacing_m"` // Distance between adjacent speakers.
	SampleRate      int     `yaml:"sample_rate"`       // Sample rate in Hz.
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // Samples per channel in one pipeline task.
	// ReferenceChannel adds one capture channel, after the microphones,
	// carrying the far-end signal for echo cancellation.
	ReferenceChannel bool `yaml:"reference_channel"`
}

// TranslationConfig selects and tunes the translation backend.
type TranslationConfig struct {
	SourceLanguage string                  `yaml:"source_language"`
	TargetLanguage string                  `yaml:"target_language"`
	Backend        string                  `yaml:"backend"`        // "mock" or "remote".
	RemoteURL      string                  `yaml:"remote_url"`     // WebSocket URL of the translation bridge.
	RemoteTimeout  time.Duration           `yaml:"remote_timeout"` // Per-request round trip bound.
	MockLatency    time.Duration           `yaml:"mock_latency"`   // Simulated delay of the mock backend.
	Breaker        translate.BreakerConfig `yaml:"breaker"`        // Circuit breaker around the backend.
}

// PipelineConfig tunes the processing stages.
type PipelineConfig struct {
	EchoFilterLength    int     `yaml:"echo_filter_length"`
	EchoStepSize        float64 `yaml:"echo_step_size"`
	VADThresholdDB      float64 `yaml:"vad_threshold_db"`
	VADHangoverFrames   int     `yaml:"vad_hangover_frames"`
	ProjectionDistanceM float64 `yaml:"projection_distance_m"`
	QueueSize           int     `yaml:"queue_size"`
	HistorySize         int     `yaml:"history_size"`
	FailurePolicy       string  `yaml:"failure_policy"` // "project" or "skip".
	DoubleTalkFreeze    bool    `yaml:"double_talk_freeze"`
	Azimuth             float64 `yaml:"azimuth"`            // Steering direction for live capture, radians.
	CalibrationFrames   int     `yaml:"calibration_frames"` // Frames measured before adapting the VAD (0 disables).
	DegradedDropRate    float64 `yaml:"degraded_drop_rate"` // Drop rate that marks the runtime degraded.
	ErrorDropRate       float64 `yaml:"error_drop_rate"`    // Drop rate that marks the runtime in error.
}

// AudioConfig holds settings related to audio devices and spectrum analysis.
type AudioConfig struct {
	InputDevice   int    `yaml:"input_device"`   // PortAudio device index for audio input (-1 for default).
	LowLatency    bool   `yaml:"low_latency"`    // Request low latency settings from PortAudio device.
	SpectrumBands int    `yaml:"spectrum_bands"` // Log-spaced bands published by the spectrum monitor (0 uses speech bands).
	FFTWindow     string `yaml:"fft_window"`     // Window applied before spectrum analysis.
}

// RecordingConfig holds settings related to recording the speaker feeds.
type RecordingConfig struct {
	Enabled     bool   `yaml:"enabled"`              // Record projections to file.
	OutputDir   string `yaml:"output_dir"`           // Directory to save recorded audio files.
	Format      string `yaml:"format"`               // File format for recordings (only "wav").
	BitDepth    int    `yaml:"bit_depth"`            // Bit depth for recorded audio (16, 24 or 32).
	MaxDuration int    `yaml:"max_duration_seconds"` // Maximum duration of a single recording in seconds (0 for unlimited).
}

// TransportConfig holds settings related to sending monitoring data over the network.
type TransportConfig struct {
	HTTPAddress      string        `yaml:"http_address"`       // Listen address for /ws, /metrics and /healthz ("" disables).
	WebSocketRate    float64       `yaml:"websocket_rate"`     // Maximum broadcast messages per second.
	UDPEnabled       bool          `yaml:"udp_enabled"`        // Enable sending spectrum data over UDP.
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets (e.g., "127.0.0.1:9090").
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Interval between sending UDP packets.
}

// PTTConfig enables push-to-talk gating of the capture stream.
type PTTConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MinHold  time.Duration `yaml:"min_hold"` // Presses shorter than this are discarded.
	Cooldown time.Duration `yaml:"cooldown"` // Presses during cooldown are ignored.
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. After loading defaults or from file, it applies environment variable
// overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		candidates := []string{
			"config.yaml",
			"apm.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks every section and reports all problems together.
func (c *Config) Validate() error {
	var errs []error

	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error, fatal", c.LogLevel))
	}

	a := c.Array
	if a.SampleRate < MinSampleRate || a.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("array.sample_rate %d outside [%d, %d]", a.SampleRate, MinSampleRate, MaxSampleRate))
	}
	if a.FramesPerBuffer <= 0 || a.FramesPerBuffer > MaxBufferFrames {
		errs = append(errs, fmt.Errorf("array.frames_per_buffer %d outside [1, %d]", a.FramesPerBuffer, MaxBufferFrames))
	}

	if _, err := pipeline.ParseFailurePolicy(c.Pipeline.FailurePolicy); err != nil {
		errs = append(errs, err)
	} else if err := c.OrchestratorConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.CalibrationFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.calibration_frames must not be negative"))
	}
	if d, e := c.Pipeline.DegradedDropRate, c.Pipeline.ErrorDropRate; d < 0 || d > 1 || e < 0 || e > 1 || e < d {
		errs = append(errs, fmt.Errorf("pipeline drop rates must satisfy 0 <= degraded_drop_rate (%g) <= error_drop_rate (%g) <= 1", d, e))
	}

	t := c.Translation
	if t.SourceLanguage == "" || t.TargetLanguage == "" {
		errs = append(errs, errors.New("translation.source_language and translation.target_language must be set"))
	}
	switch t.Backend {
	case BackendMock:
	case BackendRemote:
		if t.RemoteURL == "" {
			errs = append(errs, errors.New("translation.remote_url must be set for the remote backend"))
		} else if !strings.HasPrefix(t.RemoteURL, "ws://") && !strings.HasPrefix(t.RemoteURL, "wss://") {
			errs = append(errs, fmt.Errorf("translation.remote_url %q must use ws:// or wss://", t.RemoteURL))
		}
	default:
		errs = append(errs, fmt.Errorf("translation.backend %q must be %q or %q", t.Backend, BackendMock, BackendRemote))
	}
	if t.MockLatency < 0 || t.RemoteTimeout < 0 {
		errs = append(errs, errors.New("translation latencies must not be negative"))
	}

	if c.Audio.InputDevice < MinDeviceID {
		errs = append(errs, fmt.Errorf("audio.input_device %d below %d", c.Audio.InputDevice, MinDeviceID))
	}
	if c.Audio.SpectrumBands < 0 {
		errs = append(errs, errors.New("audio.spectrum_bands must not be negative"))
	}
	if _, err := analysis.ParseWindowFunc(c.Audio.FFTWindow); err != nil {
		errs = append(errs, fmt.Errorf("audio.fft_window: %w", err))
	}

	if c.Recording.Enabled {
		if c.Recording.Format != DefaultFormat {
			errs = append(errs, fmt.Errorf("recording.format %q unsupported (only %q)", c.Recording.Format, DefaultFormat))
		}
		switch c.Recording.BitDepth {
		case 16, 24, 32:
		default:
			errs = append(errs, fmt.Errorf("recording.bit_depth %d must be 16, 24 or 32", c.Recording.BitDepth))
		}
	}

	if c.Transport.UDPEnabled {
		if c.Transport.UDPTargetAddress == "" {
			errs = append(errs, errors.New("transport.udp_target_address must be set when UDP is enabled"))
		} else if _, _, err := net.SplitHostPort(c.Transport.UDPTargetAddress); err != nil {
			errs = append(errs, fmt.Errorf("transport.udp_target_address %q appears invalid: %w", c.Transport.UDPTargetAddress, err))
		}
		if c.Transport.UDPSendInterval <= 0 {
			errs = append(errs, errors.New("transport.udp_send_interval must be positive when UDP is enabled"))
		}
	}
	if c.Transport.WebSocketRate < 0 {
		errs = append(errs, errors.New("transport.websocket_rate must not be negative"))
	}

	if c.PTT.MinHold < 0 || c.PTT.Cooldown < 0 {
		errs = append(errs, errors.New("ptt durations must not be negative"))
	}

	return errors.Join(errs...)
}

// OrchestratorConfig converts the array, translation and pipeline sections into an
// orchestrator configuration. An unknown failure policy falls back to
// "project"; Validate reports it.
func (c *Config) OrchestratorConfig() pipeline.Config {
	policy, _ := pipeline.ParseFailurePolicy(c.Pipeline.FailurePolicy)
	return pipeline.Config{
		NumMicrophones:     c.Array.NumMicrophones,
		MicSpacingM:        c.Array.MicSpacingM,
		NumSpeakers:        c.Array.NumSpeakers,
		SpeakerSpacing:     c.Array.SpeakerSpacingM,
		SampleRate:         c.Array.SampleRate,
		SourceLanguage:     c.Translation.SourceLanguage,
		TargetLanguage:     c.Translation.TargetLanguage,
		EchoFilterLength:   c.Pipeline.EchoFilterLength,
		EchoStepSize:       c.Pipeline.EchoStepSize,
		VADThresholdDB:     c.Pipeline.VADThresholdDB,
		VADHangoverFrames:  c.Pipeline.VADHangoverFrames,
		ProjectionDistance: c.Pipeline.ProjectionDistanceM,
		QueueSize:          c.Pipeline.QueueSize,
		HistorySize:        c.Pipeline.HistorySize,
		FailurePolicy:      policy,
		DoubleTalkFreeze:   c.Pipeline.DoubleTalkFreeze,
	}
}

// applyEnvOverrides applies APM_* environment variables on top of the file.
// Unparseable values are logged and ignored.
func (c *Config) applyEnvOverrides() {
	// APM_{...}
	// These are general overrides.

	if val, ok := os.LookupEnv("APM_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			c.Debug = bVal
			log.Infof("configuration: overriding debug from env: %v", bVal)
		} else {
			log.Warnf("configuration: ignoring APM_DEBUG=%q: %v", val, err)
		}
	}
	if val, ok := os.LookupEnv("APM_LOG_LEVEL"); ok {
		c.LogLevel = val
		log.Infof("configuration: overriding log_level from env: %s", val)
	}

	// APM_{...}
	// These are specific to translation.

	if val, ok := os.LookupEnv("APM_SOURCE_LANGUAGE"); ok {
		c.Translation.SourceLanguage = val
		log.Infof("configuration: overriding translation.source_language from env: %s", val)
	}
	if val, ok := os.LookupEnv("APM_TARGET_LANGUAGE"); ok {
		c.Translation.TargetLanguage = val
		log.Infof("configuration: overriding translation.target_language from env: %s", val)
	}
	if val, ok := os.LookupEnv("APM_TRANSLATION_BACKEND"); ok {
		c.Translation.Backend = val
		log.Infof("configuration: overriding translation.backend from env: %s", val)
	}
	if val, ok := os.LookupEnv("APM_REMOTE_URL"); ok {
		c.Translation.RemoteURL = val
		log.Infof("configuration: overriding translation.remote_url from env: %s", val)
	}

	// APM_{...}
	// These are specific to the transport layer.

	if val, ok := os.LookupEnv("APM_HTTP_ADDRESS"); ok {
		c.Transport.HTTPAddress = val
		log.Infof("configuration: overriding transport.http_address from env: %s", val)
	}
	if val, ok := os.LookupEnv("APM_UDP_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			c.Transport.UDPEnabled = bVal
			log.Infof("configuration: overriding transport.udp_enabled from env: %v", bVal)
		} else {
			log.Warnf("configuration: ignoring APM_UDP_ENABLED=%q: %v", val, err)
		}
	}
	if val, ok := os.LookupEnv("APM_UDP_TARGET_ADDRESS"); ok {
		c.Transport.UDPTargetAddress = val
		log.Infof("configuration: overriding transport.udp_target_address from env: %s", val)
	}
	if val, ok := os.LookupEnv("APM_UDP_SEND_INTERVAL"); ok {
		if dur, err := time.ParseDuration(val); err == nil {
			c.Transport.UDPSendInterval = dur
			log.Infof("configuration: overriding transport.udp_send_interval from env: %s", dur)
		} else {
			log.Warnf("configuration: ignoring APM_UDP_SEND_INTERVAL=%q: %v", val, err)
		}
	}
}
