// SPDX-License-Identifier: MIT
package observe

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the coarse health of a running pipeline.
type Status uint8

const (
	StatusOK       Status = 0
	StatusDegraded Status = 1
	StatusError    Status = 2
	StatusUnknown  Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusDegraded:
		return "DEGRADED"
	case StatusError:
		return "ERROR"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// Default drop-rate thresholds.
const (
	DefaultDegradedDropRate = 0.05
	DefaultErrorDropRate    = 0.15
)

// RuntimeMetrics is a point-in-time view of the health counters.
type RuntimeMetrics struct {
	FramesProcessed uint64        `json:"frames_processed"`
	FramesDropped   uint64        `json:"frames_dropped"`
	FramesSilent    uint64        `json:"frames_silent"`
	Errors          uint64        `json:"errors"`
	Uptime          time.Duration `json:"uptime"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Valid reports whether the counters are mutually consistent.
func (m RuntimeMetrics) Valid() bool {
	const maxReasonable = math.MaxUint64 / 2
	return m.FramesDropped <= m.FramesProcessed && m.FramesProcessed <= maxReasonable
}

// DropRate returns dropped/processed in [0, 1], or 0 before any frame.
func (m RuntimeMetrics) DropRate() float64 {
	if m.FramesProcessed == 0 {
		return 0
	}
	return float64(m.FramesDropped) / float64(m.FramesProcessed)
}

// Snapshot pairs metrics with the status at the time they were taken.
type Snapshot struct {
	Metrics RuntimeMetrics `json:"metrics"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
}

// Health tracks frame counters and derives a status from the drop rate.
// Counting is lock-free; status updates take a short lock. Safe for
// concurrent use.
type Health struct {
	processed atomic.Uint64
	dropped   atomic.Uint64
	silent    atomic.Uint64
	errors    atomic.Uint64
	status    atomic.Uint32

	mu        sync.Mutex
	message   string
	started   time.Time
	degraded  float64
	errorRate float64
}

// NewHealth returns a tracker in StatusOK with default thresholds.
func NewHealth() *Health {
	h := &Health{
		started:   time.Now(),
		degraded:  DefaultDegradedDropRate,
		errorRate: DefaultErrorDropRate,
		message:   "OK",
	}
	h.status.Store(uint32(StatusOK))
	return h
}

// SetDropRateThresholds clamps both thresholds to [0, 1] and raises the error
// threshold to the degraded one if it is lower.
func (h *Health) SetDropRateThresholds(degraded, errorRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = clamp01(degraded)
	h.errorRate = max(clamp01(errorRate), h.degraded)
}

// Thresholds returns the degraded and error drop-rate thresholds.
func (h *Health) Thresholds() (degraded, errorRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded, h.errorRate
}

// IncProcessed counts a frame that went through the pipeline.
func (h *Health) IncProcessed() { saturatingAdd(&h.processed, 1) }

// IncSilent counts a frame that the voice gate rejected.
func (h *Health) IncSilent() { saturatingAdd(&h.silent, 1) }

// IncDropped counts a frame that was never processed and re-evaluates status.
func (h *Health) IncDropped() {
	saturatingAdd(&h.dropped, 1)
	h.checkDropRate()
}

// ReportError records a failure and marks the pipeline as errored.
func (h *Health) ReportError(msg string) {
	h.errors.Add(1)
	h.update(StatusError, msg)
}

// ReportDegraded marks the pipeline degraded.
func (h *Health) ReportDegraded(msg string) { h.update(StatusDegraded, msg) }

// ReportHealthy clears the error count and marks the pipeline OK.
func (h *Health) ReportHealthy() {
	h.errors.Store(0)
	h.update(StatusOK, "System healthy")
}

// Status returns the current status.
func (h *Health) Status() Status { return Status(h.status.Load()) }

// Message returns the last status message.
func (h *Health) Message() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.message
}

// Metrics returns the current counters.
func (h *Health) Metrics() RuntimeMetrics {
	now := time.Now()
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	return RuntimeMetrics{
		FramesProcessed: h.processed.Load(),
		FramesDropped:   h.dropped.Load(),
		FramesSilent:    h.silent.Load(),
		Errors:          h.errors.Load(),
		Uptime:          now.Sub(started),
		Timestamp:       now,
	}
}

// Snapshot returns status and counters together.
func (h *Health) Snapshot() Snapshot {
	return Snapshot{
		Metrics: h.Metrics(),
		Status:  h.Status().String(),
		Message: h.Message(),
	}
}

// Reset zeroes all counters and restarts the uptime clock.
func (h *Health) Reset() {
	h.processed.Store(0)
	h.dropped.Store(0)
	h.silent.Store(0)
	h.errors.Store(0)
	h.mu.Lock()
	h.started = time.Now()
	h.mu.Unlock()
	h.update(StatusOK, "Reset")
}

func (h *Health) checkDropRate() {
	rate := h.Metrics().DropRate()
	degraded, errorRate := h.Thresholds()
	switch {
	case rate >= errorRate:
		h.update(StatusError, "High drop rate")
	case rate >= degraded:
		h.update(StatusDegraded, "Elevated drop rate")
	case h.Status() != StatusOK:
		h.update(StatusOK, "Drop rate recovered")
	}
}

func (h *Health) update(s Status, msg string) {
	h.mu.Lock()
	h.message = msg
	h.mu.Unlock()
	h.status.Store(uint32(s))
}

func saturatingAdd(v *atomic.Uint64, n uint64) {
	for {
		old := v.Load()
		next := old + n
		if next < old {
			next = math.MaxUint64
		}
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
