// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math/cmplx"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"apm/internal/log"
	"apm/internal/transport"
	"apm/pkg/bitint"
)

// WindowFunc defines the type for selecting an FFT window function.
type WindowFunc int

// Enum for available window functions.
const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

// String returns the window name accepted by ParseWindowFunc.
func (w WindowFunc) String() string {
	switch w {
	case BartlettHann:
		return "BartlettHann"
	case Blackman:
		return "Blackman"
	case BlackmanNuttall:
		return "BlackmanNuttall"
	case Hann:
		return "Hann"
	case Hamming:
		return "Hamming"
	case Lanczos:
		return "Lanczos"
	case Nuttall:
		return "Nuttall"
	default:
		return fmt.Sprintf("WindowFunc(%d)", int(w))
	}
}

// Pre-allocated buffers for FFT calculations.
type fftWorkspace struct {
	input     []float64    // Windowed, zero-padded input.
	fftOutput []complex128 // Complex coefficients.
	magnitude []float64    // Latest magnitude spectrum.
	window    []float64    // Window coefficients.
	mu        sync.RWMutex // Protects magnitude against concurrent readers.
}

// FFTProcessor computes the magnitude spectrum of the most recent buffer and
// serves it to readers such as band analysis and the UDP publisher.
type FFTProcessor struct {
	fftCalculator *fourier.FFT
	fftSize       int
	sampleRate    float64
	windowType    WindowFunc
	workspace     fftWorkspace
	logger        *zap.Logger
}

var (
	_ AudioProcessor              = (*FFTProcessor)(nil)
	_ ClosableProcessor           = (*FFTProcessor)(nil)
	_ transport.FFTResultProvider = (*FFTProcessor)(nil)
)

// SizeFor returns the FFT size used for buffers of n samples: the next power
// of two, at least 2.
func SizeFor(n int) int {
	if n < 2 {
		return 2
	}
	return bitint.NextPowerOfTwo(n)
}

// NewFFTProcessor creates a processor for fftSize points. fftSize must be a
// power of two.
func NewFFTProcessor(fftSize int, sampleRate float64, windowType WindowFunc) (*FFTProcessor, error) {
	if fftSize < 2 || !bitint.IsPowerOfTwo(fftSize) {
		return nil, fmt.Errorf("analysis: fft size must be a power of 2, got %d", fftSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("analysis: sample rate must be positive, got %f", sampleRate)
	}

	windowCoeffs := make([]float64, fftSize)
	applyWindow(windowCoeffs, windowType)

	// Real input yields N/2 + 1 complex values.
	magnitudeSize := fftSize/2 + 1

	logger := log.Named("analysis")
	logger.Debug("fft processor initialised",
		zap.Int("size", fftSize), zap.Float64("sample_rate", sampleRate), zap.Stringer("window", windowType))

	return &FFTProcessor{
		fftCalculator: fourier.NewFFT(fftSize),
		fftSize:       fftSize,
		sampleRate:    sampleRate,
		windowType:    windowType,
		logger:        logger,
		workspace: fftWorkspace{
			input:     make([]float64, fftSize),
			fftOutput: make([]complex128, magnitudeSize),
			magnitude: make([]float64, magnitudeSize),
			window:    windowCoeffs,
		},
	}, nil
}

// Process windows the first fftSize samples (zero-padding shorter buffers),
// transforms them and stores the magnitude spectrum.
func (p *FFTProcessor) Process(samples []float64) {
	p.workspace.mu.Lock()
	defer p.workspace.mu.Unlock()

	n := min(len(samples), p.fftSize)
	for i := range n {
		p.workspace.input[i] = samples[i] * p.workspace.window[i]
	}
	clear(p.workspace.input[n:])

	p.fftCalculator.Coefficients(p.workspace.fftOutput, p.workspace.input)

	for i, c := range p.workspace.fftOutput {
		p.workspace.magnitude[i] = cmplx.Abs(c)
	}
}

// GetMagnitudes returns a copy of the latest magnitude spectrum.
// It allocates; hot readers should use GetMagnitudesInto.
func (p *FFTProcessor) GetMagnitudes() []float64 {
	p.workspace.mu.RLock()
	defer p.workspace.mu.RUnlock()

	out := make([]float64, len(p.workspace.magnitude))
	copy(out, p.workspace.magnitude)
	return out
}

// GetMagnitudesInto copies the latest spectrum into dest, which must be
// fftSize/2 + 1 long.
func (p *FFTProcessor) GetMagnitudesInto(dest []float64) error {
	p.workspace.mu.RLock()
	defer p.workspace.mu.RUnlock()

	if len(dest) != len(p.workspace.magnitude) {
		return fmt.Errorf("analysis: destination length %d, want %d", len(dest), len(p.workspace.magnitude))
	}
	copy(dest, p.workspace.magnitude)
	return nil
}

// GetFrequencyForBin returns the centre frequency (Hz) of binIndex, or 0 when
// the index is out of range.
func (p *FFTProcessor) GetFrequencyForBin(binIndex int) float64 {
	if binIndex < 0 || binIndex >= len(p.workspace.fftOutput) {
		return 0
	}
	return float64(binIndex) * (p.sampleRate / float64(p.fftSize))
}

// GetFFTSize returns the configured FFT size (number of points).
func (p *FFTProcessor) GetFFTSize() int { return p.fftSize }

// GetSampleRate returns the configured sample rate (Hz).
func (p *FFTProcessor) GetSampleRate() float64 { return p.sampleRate }

// Window returns the window function in use.
func (p *FFTProcessor) Window() WindowFunc { return p.windowType }

// Close releases nothing; the processor owns no external resources.
func (p *FFTProcessor) Close() error {
	p.logger.Debug("fft processor closed")
	return nil
}

// ParseWindowFunc converts a string name (case-insensitive) to a WindowFunc
// enum, returns a known default (Hann) and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return Hann, fmt.Errorf("analysis: unknown window function %q", name)
	}
}

// applyWindow fills coeffs with the selected window. Unknown types fall back
// to Hann.
func applyWindow(coeffs []float64, windowType WindowFunc) {
	// The gonum window funcs scale in place.
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch windowType {
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hann:
		window.Hann(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		log.Warnf("analysis: unknown window function %d, using Hann", windowType)
		window.Hann(coeffs)
	}
}
