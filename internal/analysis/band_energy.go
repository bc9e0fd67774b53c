// SPDX-License-Identifier: MIT
package analysis

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"apm/internal/log"
	"apm/internal/transport"
)

// BandEnergyType tags band energy messages on shared transports.
const BandEnergyType = "band_energy"

// Band levels map [levelFloorDB, 0] dBFS linearly onto [0, 1].
const levelFloorDB = -80.0

// FrequencyBand defines the name and frequency range [LowHz, HighHz) of an
// energy band.
type FrequencyBand struct {
	Name   string
	LowHz  float64
	HighHz float64
}

// SpeechBands splits the spectrum into the ranges that matter for voice.
func SpeechBands(sampleRate float64) []FrequencyBand {
	return []FrequencyBand{
		{Name: "sub", LowHz: 20, HighHz: 80},
		{Name: "fundamental", LowHz: 80, HighHz: 300},
		{Name: "lowFormant", LowHz: 300, HighHz: 1000},
		{Name: "formant", LowHz: 1000, HighHz: 3000},
		{Name: "presence", LowHz: 3000, HighHz: 6000},
		{Name: "air", LowHz: 6000, HighHz: sampleRate / 2},
	}
}

// LogBands splits [lowHz, highHz) into n logarithmically spaced bands named
// b00, b01 and so on.
func LogBands(n int, lowHz, highHz float64) []FrequencyBand {
	if n <= 0 || lowHz <= 0 || highHz <= lowHz {
		return nil
	}
	bands := make([]FrequencyBand, n)
	ratio := math.Pow(highHz/lowHz, 1/float64(n))
	lo := lowHz
	for i := range bands {
		hi := lo * ratio
		if i == n-1 {
			hi = highHz
		}
		bands[i] = FrequencyBand{Name: fmt.Sprintf("b%02d", i), LowHz: lo, HighHz: hi}
		lo = hi
	}
	return bands
}

// BandEnergyProcessor reduces the FFT spectrum to per-band levels and
// publishes them through a transport.
type BandEnergyProcessor struct {
	transport   transport.Transport
	bands       []FrequencyBand
	fftProvider transport.FFTResultProvider
	logger      *zap.Logger

	// binBand maps each FFT bin to a band index, or -1.
	binBand []int
	mags    []float64
	sums    []float64
	counts  []int

	mu     sync.RWMutex
	levels []float64
}

// NewBandEnergyProcessor creates a processor over fftProvider. A nil bands
// slice uses SpeechBands at the provider's sample rate. A nil transport keeps
// the levels available through Levels without publishing them.
func NewBandEnergyProcessor(t transport.Transport, fftProvider transport.FFTResultProvider, bands []FrequencyBand) (*BandEnergyProcessor, error) {
	if fftProvider == nil {
		return nil, errors.New("analysis: band energy requires an FFT provider")
	}
	if bands == nil {
		bands = SpeechBands(fftProvider.GetSampleRate())
	}

	numBins := fftProvider.GetFFTSize()/2 + 1
	binBand := make([]int, numBins)
	for i := range binBand {
		binBand[i] = -1
		freq := fftProvider.GetFrequencyForBin(i)
		for b, band := range bands {
			if freq >= band.LowHz && freq < band.HighHz {
				binBand[i] = b
				break
			}
		}
	}

	logger := log.Named("analysis")
	logger.Debug("band energy processor initialised", zap.Int("bands", len(bands)), zap.Int("bins", numBins))

	return &BandEnergyProcessor{
		transport:   t,
		bands:       bands,
		fftProvider: fftProvider,
		logger:      logger,
		binBand:     binBand,
		mags:        make([]float64, numBins),
		sums:        make([]float64, len(bands)),
		counts:      make([]int, len(bands)),
		levels:      make([]float64, len(bands)),
	}, nil
}

// Bands returns the configured bands.
func (p *BandEnergyProcessor) Bands() []FrequencyBand { return p.bands }

// Process reads the latest spectrum, computes band levels and publishes them.
// It must not be called concurrently with itself.
func (p *BandEnergyProcessor) Process() {
	if err := p.fftProvider.GetMagnitudesInto(p.mags); err != nil {
		p.logger.Warn("read spectrum", zap.Error(err))
		return
	}

	clear(p.sums)
	clear(p.counts)
	for i, m := range p.mags {
		if b := p.binBand[i]; b >= 0 {
			p.sums[b] += m * m
			p.counts[b]++
		}
	}

	// 2/N turns a bin magnitude into the amplitude of the tone it holds.
	norm := 2 / float64(p.fftProvider.GetFFTSize())
	p.mu.Lock()
	for b := range p.levels {
		var avg float64
		if p.counts[b] > 0 {
			avg = p.sums[b] / float64(p.counts[b])
		}
		p.levels[b] = normalizeLevel(math.Sqrt(avg) * norm)
	}
	p.mu.Unlock()

	if p.transport == nil {
		return
	}
	if err := p.transport.Send(p.message()); err != nil {
		p.logger.Debug("send band energy", zap.Error(err))
	}
}

// Levels returns a copy of the most recent band levels, in band order.
func (p *BandEnergyProcessor) Levels() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]float64(nil), p.levels...)
}

func (p *BandEnergyProcessor) message() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg := make(map[string]any, len(p.bands)+1)
	msg["type"] = BandEnergyType
	for b, band := range p.bands {
		msg[band.Name] = p.levels[b]
	}
	return msg
}

func normalizeLevel(rms float64) float64 {
	db := 20 * math.Log10(rms+1e-10)
	return math.Max(0, math.Min(1, (db-levelFloorDB)/-levelFloorDB))
}
