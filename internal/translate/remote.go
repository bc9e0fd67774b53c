// SPDX-License-Identifier: MIT
package translate

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"apm/internal/frame"
)

// DefaultRemoteTimeout bounds a single round trip to the bridge.
const DefaultRemoteTimeout = 5 * time.Second

// ErrClosed is returned by Remote after Close.
var ErrClosed = errors.New("translate: remote translator closed")

// wireRequest is the JSON message sent to the translation bridge. Audio is
// mono float32 little-endian PCM, base64 encoded.
type wireRequest struct {
	Type           string   `json:"type"`
	ID             string   `json:"id"`
	SourceLanguage string   `json:"source_language"`
	TargetLanguage string   `json:"target_language"`
	ContextHistory []string `json:"context_history,omitempty"`
	SampleRate     int      `json:"sample_rate"`
	Audio          string   `json:"audio"`
}

// wireResponse is the bridge's reply to a wireRequest.
type wireResponse struct {
	ID             string  `json:"id"`
	Success        bool    `json:"success"`
	SourceText     string  `json:"source_text"`
	TranslatedText string  `json:"translated_text"`
	Confidence     float64 `json:"confidence"`
	LatencyMS      int64   `json:"latency_ms"`
	SampleRate     int     `json:"sample_rate"`
	Audio          string  `json:"audio"`
	Error          string  `json:"error,omitempty"`
}

// RemoteConfig configures a Remote translator.
type RemoteConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Remote sends utterances to a translation bridge over a persistent
// WebSocket. Requests are serialised on the single connection; a broken
// connection is dropped and redialled on the next call.
type Remote struct {
	url     string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ Translator = (*Remote)(nil)

// NewRemote returns a Remote for cfg. No connection is made until the first
// Translate call.
func NewRemote(cfg RemoteConfig, logger *zap.Logger) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("translate: remote url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{url: cfg.URL, timeout: cfg.Timeout, logger: logger}, nil
}

// Translate implements Translator.
func (r *Remote) Translate(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Result{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.conn == nil {
		conn, _, err := websocket.Dial(ctx, r.url, nil)
		if err != nil {
			return Result{}, fmt.Errorf("translate: dial %s: %w", r.url, err)
		}
		conn.SetReadLimit(64 << 20)
		r.conn = conn
		r.logger.Info("connected to translation bridge", zap.String("url", r.url))
	}

	start := time.Now()
	msg := wireRequest{
		Type:           "translate",
		ID:             uuid.NewString(),
		SourceLanguage: req.SourceLang,
		TargetLanguage: req.TargetLang,
		ContextHistory: req.ContextHistory,
		SampleRate:     sampleRateOf(req.Audio),
		Audio:          EncodePCM(samplesOf(req.Audio)),
	}
	if err := wsjson.Write(ctx, r.conn, msg); err != nil {
		r.dropLocked(err)
		return Result{}, fmt.Errorf("translate: send: %w", err)
	}

	var resp wireResponse
	for {
		if err := wsjson.Read(ctx, r.conn, &resp); err != nil {
			r.dropLocked(err)
			return Result{}, fmt.Errorf("translate: receive: %w", err)
		}
		if resp.ID == msg.ID {
			break
		}
		r.logger.Debug("discarding stale bridge response", zap.String("id", resp.ID))
	}

	latency := time.Duration(resp.LatencyMS) * time.Millisecond
	if latency == 0 {
		latency = time.Since(start)
	}
	if !resp.Success {
		return Failed(req, resp.Error, latency), nil
	}

	samples, err := DecodePCM(resp.Audio)
	if err != nil {
		return Failed(req, err.Error(), latency), nil
	}
	rate := resp.SampleRate
	if rate <= 0 {
		rate = msg.SampleRate
	}
	return Result{
		TranslatedAudio: frame.FromSamples(samples, rate, 1),
		SourceText:      resp.SourceText,
		TranslatedText:  resp.TranslatedText,
		Confidence:      resp.Confidence,
		Latency:         latency,
		Success:         true,
	}, nil
}

// dropLocked discards the current connection after an I/O error.
func (r *Remote) dropLocked(cause error) {
	if r.conn == nil {
		return
	}
	r.logger.Warn("dropping translation bridge connection", zap.Error(cause))
	_ = r.conn.Close(websocket.StatusInternalError, "io error")
	r.conn = nil
}

// Close shuts the connection down. Further calls fail with ErrClosed.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(websocket.StatusNormalClosure, "closing")
	r.conn = nil
	return err
}

func samplesOf(f *frame.Frame) []float64 {
	if f == nil {
		return nil
	}
	if f.Channels > 1 {
		return f.Channel(0)
	}
	return f.Samples
}

func sampleRateOf(f *frame.Frame) int {
	if f == nil || f.SampleRate <= 0 {
		return frame.DefaultSampleRate
	}
	return f.SampleRate
}

// EncodePCM packs samples as float32 little-endian and base64 encodes them.
func EncodePCM(samples []float64) string {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(s)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodePCM reverses EncodePCM.
func DecodePCM(data string) ([]float64, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("translate: decode audio: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("translate: audio payload of %d bytes is not float32 aligned", len(raw))
	}
	out := make([]float64, len(raw)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return out, nil
}
