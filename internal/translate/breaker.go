// SPDX-License-Identifier: MIT
package translate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker is
// rejecting calls.
var ErrCircuitOpen = errors.New("translate: circuit breaker is open")

// BreakerState is the operating mode of a CircuitBreaker.
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout has passed.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a CircuitBreaker. Zero fields take defaults.
type BreakerConfig struct {
	Name         string        `yaml:"name"`
	MaxFailures  int           `yaml:"max_failures"`  // Consecutive failures before opening. Default 5.
	ResetTimeout time.Duration `yaml:"reset_timeout"` // Time spent open before probing. Default 30s.
	HalfOpenMax  int           `yaml:"half_open_max"` // Successful probes needed to close. Default 3.
}

// CircuitBreaker is a closed/open/half-open breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	logger       *zap.Logger
	now          func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	probes        int
	probeFailures int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		logger:       logger,
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is open. A failure while half-open
// re-opens the breaker immediately.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		cb.probes = 0
		cb.probeFailures = 0
		cb.logger.Info("circuit half-open", zap.String("breaker", cb.name))
	case BreakerHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := cb.state == BreakerHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probing bool) {
	cb.openedAt = cb.now()
	if probing {
		cb.probeFailures++
		cb.state = BreakerOpen
		cb.failures = cb.maxFailures
		cb.logger.Warn("circuit re-opened by failed probe", zap.String("breaker", cb.name))
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures && cb.state != BreakerOpen {
		cb.state = BreakerOpen
		cb.logger.Warn("circuit opened",
			zap.String("breaker", cb.name),
			zap.Int("consecutive_failures", cb.failures))
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probing bool) {
	if !probing {
		cb.failures = 0
		return
	}
	if cb.probes-cb.probeFailures >= cb.halfOpenMax {
		cb.state = BreakerClosed
		cb.failures = 0
		cb.probes = 0
		cb.probeFailures = 0
		cb.logger.Info("circuit closed", zap.String("breaker", cb.name))
	}
}

// State reports the current state. An open breaker whose timeout has passed
// reports half-open; the transition itself happens on the next Execute.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFailures = 0
}

// Guarded wraps a Translator with a CircuitBreaker. Transport errors and
// unsuccessful results both count as failures. While the breaker is open,
// Translate returns a failed Result with silent audio instead of calling the
// backend, so the pipeline keeps its timing without hammering a dead service.
type Guarded struct {
	next    Translator
	breaker *CircuitBreaker
}

var _ Translator = (*Guarded)(nil)

// NewGuarded wraps next with breaker.
func NewGuarded(next Translator, breaker *CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Breaker exposes the underlying breaker.
func (g *Guarded) Breaker() *CircuitBreaker { return g.breaker }

// errUnsuccessful marks a Result with Success=false for breaker accounting.
var errUnsuccessful = errors.New("translate: unsuccessful result")

// Translate implements Translator.
func (g *Guarded) Translate(ctx context.Context, req Request) (Result, error) {
	var res Result
	var callErr error
	err := g.breaker.Execute(func() error {
		res, callErr = g.next.Translate(ctx, req)
		if callErr != nil {
			return callErr
		}
		if !res.Success {
			return errUnsuccessful
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return Failed(req, ErrCircuitOpen.Error(), 0), nil
	case callErr != nil:
		return Result{}, callErr
	default:
		return res, nil
	}
}
