// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"apm/internal/translate"
)

func newTestPool(t *testing.T, tr translate.Translator) *Pool {
	t.Helper()
	p, err := NewPool(DefaultConfig(), tr, WithLogger(zap.NewNop()), WithMetrics(testMetrics(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolProcessAll(t *testing.T) {
	mock := translate.NewMock(translate.WithMockLatency(0))
	p := newTestPool(t, mock)

	out, err := p.ProcessAll(context.Background(), []StreamInput{
		{StreamID: "a", Mics: speechMics(), Ref: silentRef(), Azimuth: 0},
		{StreamID: "b", Mics: silentMics(), Ref: silentRef(), Azimuth: 0},
		{StreamID: "c", Mics: speechMics(), Ref: silentRef(), Azimuth: -0.4},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Len(t, out["a"], 3)
	assert.Empty(t, out["b"])
	assert.Len(t, out["c"], 3)
	assert.Equal(t, 2, mock.Calls())

	assert.ElementsMatch(t, []string{"a", "b", "c"}, p.Streams())
	assert.Equal(t, uint64(3), p.Health().Metrics().FramesProcessed, "streams share one health tracker")
}

func TestPoolKeepsOneOrchestratorPerStream(t *testing.T) {
	p := newTestPool(t, translate.NewMock(translate.WithMockLatency(0)))

	a1, err := p.Get("a")
	require.NoError(t, err)
	a2, err := p.Get("a")
	require.NoError(t, err)
	b, err := p.Get("b")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, "a", a1.Session())

	id, o, err := p.Open()
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, o.Session())
}

func TestPoolRejectsDuplicateStreamInBatch(t *testing.T) {
	p := newTestPool(t, translate.NewMock(translate.WithMockLatency(0)))
	_, err := p.ProcessAll(context.Background(), []StreamInput{
		{StreamID: "a", Mics: silentMics()},
		{StreamID: "a", Mics: silentMics()},
	})
	require.Error(t, err)
}

func TestPoolPropagatesStreamError(t *testing.T) {
	backendDown := errors.New("backend down")
	p := newTestPool(t, translate.NewMock(translate.WithMockLatency(0), translate.WithMockError(backendDown)))

	_, err := p.ProcessAll(context.Background(), []StreamInput{
		{StreamID: "quiet", Mics: silentMics(), Ref: silentRef()},
		{StreamID: "loud", Mics: speechMics(), Ref: silentRef()},
	})
	require.ErrorIs(t, err, backendDown)
	assert.Contains(t, err.Error(), "stream loud")
}

func TestPoolRemoveAndClose(t *testing.T) {
	p := newTestPool(t, translate.NewMock(translate.WithMockLatency(0)))

	o, err := p.Get("a")
	require.NoError(t, err)
	require.NoError(t, p.Remove("a"))
	assert.ErrorIs(t, o.ResetAll(), ErrClosed)
	assert.ErrorIs(t, p.Remove("a"), ErrUnknownStream)

	_, err = p.Get("b")
	require.NoError(t, err)
	require.NoError(t, p.Close())
	_, err = p.Get("c")
	assert.ErrorIs(t, err, ErrClosed)
}
