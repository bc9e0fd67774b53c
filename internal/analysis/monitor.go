// SPDX-License-Identifier: MIT
package analysis

import (
	"errors"

	"go.uber.org/zap"

	"apm/internal/frame"
	"apm/internal/log"
	"apm/internal/transport"
)

// minBandHz is the lower edge used for logarithmic band layouts.
const minBandHz = 50.0

// MonitorConfig describes the spectrum monitor.
type MonitorConfig struct {
	SampleRate        int
	FrameSize         int        // Samples per analysed frame; rounded up to a power of two.
	Window            WindowFunc // Defaults to Hann.
	Bands             int        // 0 selects SpeechBands, otherwise that many log bands.
	CalibrationFrames int        // 0 disables calibration.
}

// Monitor analyses the denoised signal of every pipeline task: it keeps the
// latest spectrum, derives band levels and optionally calibrates the ambient
// level. It runs on the pipeline worker.
type Monitor struct {
	fft        *FFTProcessor
	bands      *BandEnergyProcessor
	calibrator *Calibrator
	processors []AudioProcessor
	logger     *zap.Logger
}

// NewMonitor creates a monitor. Band levels are published on t when it is
// not nil.
func NewMonitor(cfg MonitorConfig, t transport.Transport) (*Monitor, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("analysis: monitor sample rate must be positive")
	}
	if cfg.FrameSize <= 0 {
		return nil, errors.New("analysis: monitor frame size must be positive")
	}

	fft, err := NewFFTProcessor(SizeFor(cfg.FrameSize), float64(cfg.SampleRate), cfg.Window)
	if err != nil {
		return nil, err
	}

	var layout []FrequencyBand
	if cfg.Bands > 0 {
		layout = LogBands(cfg.Bands, minBandHz, float64(cfg.SampleRate)/2)
	}
	bands, err := NewBandEnergyProcessor(t, fft, layout)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		fft:        fft,
		bands:      bands,
		processors: []AudioProcessor{fft},
		logger:     log.Named("analysis"),
	}
	if cfg.CalibrationFrames > 0 {
		m.calibrator = NewCalibrator(cfg.CalibrationFrames)
		m.processors = append(m.processors, m.calibrator)
	}
	return m, nil
}

// Analyze processes one denoised frame. Frames at another sample rate are
// ignored because the bin layout would not match.
func (m *Monitor) Analyze(f *frame.Frame) {
	if f == nil || len(f.Samples) == 0 {
		return
	}
	if float64(f.SampleRate) != m.fft.GetSampleRate() {
		m.logger.Debug("skipping frame at foreign sample rate", zap.Int("sample_rate", f.SampleRate))
		return
	}
	for _, p := range m.processors {
		p.Process(f.Samples)
	}
	m.bands.Process()
}

// Spectrum exposes the latest magnitude spectrum.
func (m *Monitor) Spectrum() transport.FFTResultProvider { return m.fft }

// Levels returns the latest band levels.
func (m *Monitor) Levels() []float64 { return m.bands.Levels() }

// Bands returns the band layout.
func (m *Monitor) Bands() []FrequencyBand { return m.bands.Bands() }

// Calibrator returns the ambient calibrator, or nil when disabled.
func (m *Monitor) Calibrator() *Calibrator { return m.calibrator }

// Close releases the processors.
func (m *Monitor) Close() error {
	return m.fft.Close()
}
