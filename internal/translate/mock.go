// SPDX-License-Identifier: MIT
package translate

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultMockLatency is the simulated backend delay.
	DefaultMockLatency = 200 * time.Millisecond

	mockSourceText     = "Hello world"
	mockTranslatedText = "Hola mundo"
	mockConfidence     = 0.95
)

// ErrMockFailure is returned by a Mock configured with WithMockError.
var ErrMockFailure = errors.New("translate: mock failure")

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithMockLatency sets the simulated delay. Zero disables the delay.
func WithMockLatency(d time.Duration) MockOption {
	return func(m *Mock) {
		if d >= 0 {
			m.latency = d
		}
	}
}

// WithMockFailure makes every call return an unsuccessful Result.
func WithMockFailure() MockOption {
	return func(m *Mock) { m.fail = true }
}

// WithMockError makes every call return err.
func WithMockError(err error) MockOption {
	return func(m *Mock) { m.err = err }
}

// Mock is a canned Translator. It waits for the configured latency and then
// returns a silent mono frame as long as the request audio along with fixed
// English/Spanish texts.
type Mock struct {
	latency time.Duration
	fail    bool
	err     error

	mu       sync.Mutex
	requests []Request
}

var _ Translator = (*Mock)(nil)

// NewMock returns a Mock with DefaultMockLatency.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{latency: DefaultMockLatency}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Translate implements Translator. Cancelling ctx cuts the simulated delay
// short and returns ctx.Err().
func (m *Mock) Translate(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if m.err != nil {
		return Result{}, m.err
	}
	if m.fail {
		return Failed(req, "mock backend unavailable", m.latency), nil
	}

	return Result{
		TranslatedAudio: Silence(req.Audio),
		SourceText:      mockSourceText,
		TranslatedText:  mockTranslatedText,
		Confidence:      mockConfidence,
		Latency:         m.latency,
		Success:         true,
	}, nil
}

// Calls returns the number of Translate invocations so far.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
