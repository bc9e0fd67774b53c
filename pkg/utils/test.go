// SPDX-License-Identifier: MIT
package utils

import (
	"math"
	"math/rand/v2"
	"sync"
)

// MockTransport implements the transport interfaces for testing. It keeps
// every payload it was given.
type MockTransport struct {
	mu     sync.Mutex
	sent   []any
	closed bool

	// Err is returned from Send when set.
	Err error
}

// Send stores the data for later inspection instead of transmitting. Float
// slices are copied so callers may reuse their buffers.
func (m *MockTransport) Send(data any) error {
	if v, ok := data.([]float64); ok {
		data = append([]float64(nil), v...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, data)
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Sent returns every stored payload in order.
func (m *MockTransport) Sent() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.sent...)
}

// Last returns the most recent payload, or nil.
func (m *MockTransport) Last() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GenerateComplexWave returns a 440 Hz tone with two harmonics, peaking just
// under full scale.
func GenerateComplexWave(size int, sampleRate float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2 // 440Hz fundamental + harmonics
		buffer[i] = signal * 0.9
	}
	return buffer
}

// GenerateSineWave returns size samples of a sine at frequency with the given
// peak amplitude. A small phase offset keeps samples off exact zeros.
func GenerateSineWave(size int, sampleRate, frequency, amplitude float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = amplitude * math.Sin(2*math.Pi*frequency*t+0.3)
	}
	return buffer
}

// GenerateNoise returns uniform noise in [-amplitude, amplitude) from a
// seeded source, so runs are repeatable.
func GenerateNoise(size int, amplitude float64, seed uint64) []float64 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	buffer := make([]float64, size)
	for i := range buffer {
		buffer[i] = amplitude * (2*r.Float64() - 1)
	}
	return buffer
}

// FindPeakBin returns the index of the largest magnitude in [startBin, endBin].
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
