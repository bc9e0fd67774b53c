// SPDX-License-Identifier: MIT
package translate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"apm/internal/frame"
)

func utterance() Request {
	return Request{
		Audio:      frame.New(960, 48000, 1),
		SourceLang: "en-US",
		TargetLang: "es-ES",
	}
}

// --- Mock ---

func TestMockReturnsCannedResult(t *testing.T) {
	m := NewMock(WithMockLatency(0))
	req := utterance()
	req.Audio = frame.New(480, 16000, 2)

	res, err := m.Translate(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "Hello world", res.SourceText)
	assert.Equal(t, "Hola mundo", res.TranslatedText)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, 480, res.TranslatedAudio.FrameCount())
	assert.Equal(t, 16000, res.TranslatedAudio.SampleRate)
	assert.Equal(t, 1, res.TranslatedAudio.Channels)
	for _, s := range res.TranslatedAudio.Samples {
		require.Zero(t, s)
	}
	assert.Equal(t, 1, m.Calls())
}

func TestMockDefaultLatency(t *testing.T) {
	m := NewMock()
	start := time.Now()
	res, err := m.Translate(context.Background(), utterance())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), DefaultMockLatency)
	assert.Equal(t, DefaultMockLatency, res.Latency)
}

func TestMockHonoursCancellation(t *testing.T) {
	m := NewMock(WithMockLatency(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Translate(ctx, utterance())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockFailureModes(t *testing.T) {
	res, err := NewMock(WithMockLatency(0), WithMockFailure()).Translate(context.Background(), utterance())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 960, res.TranslatedAudio.FrameCount())

	_, err = NewMock(WithMockLatency(0), WithMockError(ErrMockFailure)).Translate(context.Background(), utterance())
	assert.ErrorIs(t, err, ErrMockFailure)
}

func TestMockRecordsRequests(t *testing.T) {
	m := NewMock(WithMockLatency(0))
	req := utterance()
	req.ContextHistory = []string{"earlier"}
	_, _ = m.Translate(context.Background(), req)

	got := m.Requests()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"earlier"}, got[0].ContextHistory)
}

func TestSilenceNilAudio(t *testing.T) {
	s := Silence(nil)
	assert.Zero(t, s.FrameCount())
	assert.Equal(t, frame.DefaultSampleRate, s.SampleRate)
}

// --- Circuit breaker ---

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker(cfg, zaptest.NewLogger(t))
	cb.now = clock.now
	return cb, clock
}

var errBackend = errors.New("backend down")

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{}, nil)
	assert.Equal(t, 5, cb.maxFailures)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
	assert.Equal(t, 3, cb.halfOpenMax)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerLifecycle(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: time.Second, HalfOpenMax: 2})
	fail := func() error { return errBackend }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Execute(fail), errBackend)
	assert.Equal(t, BreakerClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(fail), errBackend)
	assert.Equal(t, BreakerOpen, cb.State())

	called := false
	assert.ErrorIs(t, cb.Execute(func() error { called = true; return nil }), ErrCircuitOpen)
	assert.False(t, called)

	clock.advance(time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, BreakerHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, BreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
	_ = cb.Execute(func() error { return errBackend })
	clock.advance(2 * time.Second)

	assert.ErrorIs(t, cb.Execute(func() error { return errBackend }), errBackend)
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{MaxFailures: 2})
	_ = cb.Execute(func() error { return errBackend })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errBackend })
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(func() error { return errBackend })
	require.Equal(t, BreakerOpen, cb.State())
	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}

// --- Guarded ---

func TestGuardedShortCircuitsWhenOpen(t *testing.T) {
	var calls atomic.Int32
	backend := Func(func(ctx context.Context, req Request) (Result, error) {
		calls.Add(1)
		return Failed(req, "no speech recognised", 0), nil
	})
	cb, _ := newTestBreaker(t, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	g := NewGuarded(backend, cb)

	for range 2 {
		res, err := g.Translate(context.Background(), utterance())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "no speech recognised", res.Error)
	}
	require.Equal(t, BreakerOpen, g.Breaker().State())

	res, err := g.Translate(context.Background(), utterance())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrCircuitOpen.Error(), res.Error)
	assert.Equal(t, 960, res.TranslatedAudio.FrameCount())
	assert.Equal(t, int32(2), calls.Load())
}

func TestGuardedPassesThroughErrorsAndSuccess(t *testing.T) {
	cb, _ := newTestBreaker(t, BreakerConfig{})

	_, err := NewGuarded(NewMock(WithMockLatency(0), WithMockError(errBackend)), cb).
		Translate(context.Background(), utterance())
	assert.ErrorIs(t, err, errBackend)

	res, err := NewGuarded(NewMock(WithMockLatency(0)), cb).Translate(context.Background(), utterance())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// --- Remote ---

func startBridge(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoBridge answers each request with the request audio halved.
func echoBridge(ctx context.Context, conn *websocket.Conn) {
	for {
		var req wireRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		samples, _ := DecodePCM(req.Audio)
		for i := range samples {
			samples[i] /= 2
		}
		_ = wsjson.Write(ctx, conn, wireResponse{
			ID:             req.ID,
			Success:        true,
			SourceText:     "good morning",
			TranslatedText: "buenos dias",
			Confidence:     0.8,
			LatencyMS:      12,
			SampleRate:     req.SampleRate,
			Audio:          EncodePCM(samples),
		})
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	url := startBridge(t, echoBridge)
	r, err := NewRemote(RemoteConfig{URL: url, Timeout: 3 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	req := utterance()
	req.Audio = frame.FromSamples([]float64{0.5, -0.25, 1}, 16000, 1)

	for range 2 {
		res, err := r.Translate(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "buenos dias", res.TranslatedText)
		assert.Equal(t, 12*time.Millisecond, res.Latency)
		assert.Equal(t, 16000, res.TranslatedAudio.SampleRate)
		assert.Equal(t, []float64{0.25, -0.125, 0.5}, res.TranslatedAudio.Samples)
	}
}

func TestRemoteBridgeFailure(t *testing.T) {
	url := startBridge(t, func(ctx context.Context, conn *websocket.Conn) {
		var req wireRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, wireResponse{ID: req.ID, Error: "unsupported language"})
	})
	r, err := NewRemote(RemoteConfig{URL: url}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	res, err := r.Translate(context.Background(), utterance())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "unsupported language", res.Error)
	assert.Equal(t, 960, res.TranslatedAudio.FrameCount())
}

func TestRemoteDialError(t *testing.T) {
	r, err := NewRemote(RemoteConfig{URL: "ws://127.0.0.1:1", Timeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = r.Translate(context.Background(), utterance())
	assert.Error(t, err)
}

func TestRemoteClosed(t *testing.T) {
	r, err := NewRemote(RemoteConfig{URL: "ws://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	_, err = r.Translate(context.Background(), utterance())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRemoteRequiresURL(t *testing.T) {
	_, err := NewRemote(RemoteConfig{}, nil)
	assert.Error(t, err)
}

func TestDecodePCMRejectsMisaligned(t *testing.T) {
	_, err := DecodePCM("AAA=") // two bytes
	assert.Error(t, err)
	_, err = DecodePCM("%%%")
	assert.Error(t, err)

	got, err := DecodePCM(EncodePCM([]float64{0.5, -1}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -1}, got)
}
