// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"apm/internal/frame"
	"apm/internal/observe"
	"apm/internal/translate"
)

// ErrUnknownStream is returned for a stream id the pool does not hold.
var ErrUnknownStream = errors.New("pipeline: unknown stream")

// StreamInput is one frame set destined for a stream.
type StreamInput struct {
	StreamID string
	Mics     []*frame.Frame
	Ref      *frame.Frame
	Azimuth  float64
}

// Pool owns one Orchestrator per stream, so each stream's stage state has a
// single writer while different streams run in parallel.
type Pool struct {
	cfg        Config
	translator translate.Translator
	opts       []Option
	health     *observe.Health

	mu      sync.Mutex
	streams map[string]*Orchestrator
	closed  bool
}

// NewPool returns an empty pool. Every orchestrator it creates shares one
// health tracker and the given options.
func NewPool(cfg Config, translator translate.Translator, opts ...Option) (*Pool, error) {
	if translator == nil {
		return nil, errors.New("pipeline: translator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	return &Pool{
		cfg:        cfg,
		translator: translator,
		opts:       opts,
		health:     observe.NewHealth(),
		streams:    make(map[string]*Orchestrator),
	}, nil
}

// Health returns the tracker shared by all streams.
func (p *Pool) Health() *observe.Health { return p.health }

// Open creates a stream with a fresh id.
func (p *Pool) Open() (string, *Orchestrator, error) {
	id := uuid.NewString()
	o, err := p.Get(id)
	return id, o, err
}

// Get returns the orchestrator for id, creating it on first use.
func (p *Pool) Get(id string) (*Orchestrator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if o, ok := p.streams[id]; ok {
		return o, nil
	}
	opts := append([]Option{WithHealth(p.health)}, p.opts...)
	opts = append(opts, WithSessionID(id))
	o, err := New(p.cfg, p.translator, opts...)
	if err != nil {
		return nil, err
	}
	p.streams[id] = o
	return o, nil
}

// Streams returns the ids currently held.
func (p *Pool) Streams() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	return ids
}

// Remove closes and forgets a stream.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	o, ok := p.streams[id]
	delete(p.streams, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	return o.Close()
}

// ProcessAll runs one frame set per stream concurrently and returns the
// speaker feeds keyed by stream id. A stream may appear only once per batch.
// The first error cancels the remaining waits; tasks already queued still
// complete on their workers.
func (p *Pool) ProcessAll(ctx context.Context, inputs []StreamInput) (map[string][]*frame.Frame, error) {
	seen := make(map[string]struct{}, len(inputs))
	orchestrators := make([]*Orchestrator, len(inputs))
	for i, in := range inputs {
		if _, dup := seen[in.StreamID]; dup {
			return nil, fmt.Errorf("pipeline: stream %s appears twice in one batch", in.StreamID)
		}
		seen[in.StreamID] = struct{}{}
		o, err := p.Get(in.StreamID)
		if err != nil {
			return nil, err
		}
		orchestrators[i] = o
	}

	results := make([][]*frame.Frame, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		g.Go(func() error {
			feeds, err := orchestrators[i].Process(gctx, in.Mics, in.Ref, in.Azimuth)
			if err != nil {
				return fmt.Errorf("stream %s: %w", in.StreamID, err)
			}
			results[i] = feeds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]*frame.Frame, len(inputs))
	for i, in := range inputs {
		out[in.StreamID] = results[i]
	}
	return out, nil
}

// Close closes every stream and rejects further use.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	streams := p.streams
	p.streams = make(map[string]*Orchestrator)
	p.mu.Unlock()

	var errs []error
	for _, o := range streams {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}
