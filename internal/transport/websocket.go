// SPDX-License-Identifier: MIT
package transport

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"apm/internal/log"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport: closed")

const (
	broadcastQueue = 256
	writeTimeout   = time.Second
)

// WebSocketOption configures a WebSocketTransport.
type WebSocketOption func(*WebSocketTransport)

// WithRateLimit caps broadcasts at perSecond messages with the given burst.
// Messages over the limit are dropped. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) WebSocketOption {
	return func(w *WebSocketTransport) {
		if perSecond > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithWebSocketLogger sets the logger. Defaults to log.Named("websocket").
func WithWebSocketLogger(l *zap.Logger) WebSocketOption {
	return func(w *WebSocketTransport) {
		if l != nil {
			w.logger = l
		}
	}
}

// WebSocketTransport broadcasts JSON messages to every connected monitor.
// It is an http.Handler; mount it on the path clients connect to.
type WebSocketTransport struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan any
	limiter   *rate.Limiter
	logger    *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	dropped   atomic.Uint64
}

// NewWebSocketTransport creates a new WebSocketTransport and starts its
// broadcast loop.
func NewWebSocketTransport(opts ...WebSocketOption) *WebSocketTransport {
	wst := &WebSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Monitors are local tools.
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan any, broadcastQueue),
		logger:    log.Named("websocket"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(wst)
	}

	go wst.handleBroadcasts()
	return wst
}

// ServeHTTP upgrades HTTP connections to WebSocket and registers the client.
func (wst *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if wst.closed.Load() {
		http.Error(w, "transport closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wst.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	wst.clientsMu.Lock()
	wst.clients[conn] = true
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	wst.logger.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Int("total", total))

	// Monitors never send; a read error means the client went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				wst.removeClient(conn)
				return
			}
		}
	}()
}

func (wst *WebSocketTransport) removeClient(conn *websocket.Conn) {
	wst.clientsMu.Lock()
	_, ok := wst.clients[conn]
	delete(wst.clients, conn)
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	if ok {
		conn.Close()
		wst.logger.Info("client disconnected", zap.Int("total", total))
	}
}

// Clients returns the number of connected clients.
func (wst *WebSocketTransport) Clients() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// Dropped returns how many messages were discarded by the rate limiter or a
// full queue.
func (wst *WebSocketTransport) Dropped() uint64 { return wst.dropped.Load() }

// handleBroadcasts sends messages to all connected clients.
func (wst *WebSocketTransport) handleBroadcasts() {
	for {
		select {
		case data := <-wst.broadcast:
			wst.writeAll(data)
		case <-wst.done:
			return
		}
	}
}

func (wst *WebSocketTransport) writeAll(data any) {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	for client := range wst.clients {
		_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.WriteJSON(data); err != nil {
			wst.logger.Debug("dropping client after write error", zap.Error(err))
			client.Close()
			delete(wst.clients, client)
		}
	}
}

// Send queues data for broadcast. Messages over the rate limit, or arriving
// while the queue is full, are dropped without error.
func (wst *WebSocketTransport) Send(data any) error {
	if wst.closed.Load() {
		return ErrTransportClosed
	}
	if wst.limiter != nil && !wst.limiter.Allow() {
		wst.dropped.Add(1)
		return nil
	}
	select {
	case wst.broadcast <- data:
	default:
		wst.dropped.Add(1)
	}
	return nil
}

// Close disconnects every client and stops the broadcast loop.
func (wst *WebSocketTransport) Close() error {
	wst.closeOnce.Do(func() {
		wst.closed.Store(true)
		close(wst.done)

		wst.clientsMu.Lock()
		for client := range wst.clients {
			client.Close()
		}
		wst.clients = make(map[*websocket.Conn]bool)
		wst.clientsMu.Unlock()
		wst.logger.Info("websocket transport closed")
	})
	return nil
}

// Ensure WebSocketTransport satisfies the interfaces.
var (
	_ Transport    = (*WebSocketTransport)(nil)
	_ http.Handler = (*WebSocketTransport)(nil)
)
