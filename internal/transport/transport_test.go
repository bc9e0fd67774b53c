// SPDX-License-Identifier: MIT
package transport

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"apm/pkg/utils"
)

type typedMessage struct{ Value int }

func (typedMessage) MessageType() string { return "typed" }

func TestLoggingTransportTagsMessages(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	lt := NewLoggingTransport(zap.New(core))

	require.NoError(t, lt.Send(map[string]any{"type": "band_energy"}))
	require.NoError(t, lt.Send(typedMessage{Value: 1}))
	require.NoError(t, lt.Send(42))
	require.NoError(t, lt.Close())

	msgs := logs.FilterMessage("message").All()
	require.Len(t, msgs, 3)
	assert.Equal(t, "band_energy", msgs[0].ContextMap()["type"])
	assert.Equal(t, "typed", msgs[1].ContextMap()["type"])
	assert.Equal(t, "unknown", msgs[2].ContextMap()["type"])
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	a := &utils.MockTransport{}
	b := &utils.MockTransport{Err: errors.New("b down")}
	c := &utils.MockTransport{}
	m := Multi{a, b, c}

	err := m.Send("hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b down")
	assert.Equal(t, "hello", a.Last())
	assert.Equal(t, "hello", c.Last(), "a failing transport does not stop the rest")

	require.NoError(t, m.Close())
	assert.True(t, a.Closed())
	assert.True(t, c.Closed())
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketBroadcast(t *testing.T) {
	wst := NewWebSocketTransport(WithWebSocketLogger(zap.NewNop()))
	srv := httptest.NewServer(wst)
	defer srv.Close()
	defer wst.Close()

	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)
	require.Eventually(t, func() bool { return wst.Clients() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, wst.Send(map[string]any{"type": "pipeline_report", "sequence": 7}))

	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got map[string]any
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, "pipeline_report", got["type"])
		assert.InDelta(t, 7, got["sequence"], 0)
	}

	c1.Close()
	require.Eventually(t, func() bool { return wst.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketRateLimitDrops(t *testing.T) {
	wst := NewWebSocketTransport(WithWebSocketLogger(zap.NewNop()), WithRateLimit(1, 2))
	defer wst.Close()

	for range 10 {
		require.NoError(t, wst.Send("x"))
	}
	assert.GreaterOrEqual(t, wst.Dropped(), uint64(7))
}

func TestWebSocketClose(t *testing.T) {
	wst := NewWebSocketTransport(WithWebSocketLogger(zap.NewNop()))
	srv := httptest.NewServer(wst)
	defer srv.Close()

	c := dialWS(t, srv)
	require.Eventually(t, func() bool { return wst.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, wst.Close())
	require.NoError(t, wst.Close())
	assert.Zero(t, wst.Clients())
	assert.ErrorIs(t, wst.Send("late"), ErrTransportClosed)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.Error(t, err, "server side closed the connection")
}
