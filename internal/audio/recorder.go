// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"go.uber.org/zap"

	"apm/internal/config"
	"apm/internal/frame"
	"apm/internal/log"
)

var (
	// ErrRecorderClosed is returned by Write after Close.
	ErrRecorderClosed = errors.New("audio: recorder closed")
	// ErrRecorderFailed is returned once too many consecutive writes failed.
	ErrRecorderFailed = errors.New("audio: recorder stopped after repeated write failures")
)

// RecorderConfig describes the output file.
type RecorderConfig struct {
	SampleRate  int
	Channels    int // One per speaker.
	BitDepth    int // 16, 24 or 32.
	MaxDuration time.Duration
	MaxFailures int // Consecutive write failures tolerated; 0 uses the default.
}

// Recorder writes projected speaker feeds to a multichannel WAV file, one
// channel per speaker.
type Recorder struct {
	cfg    RecorderConfig
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	file      *os.File
	encoder   *wav.Encoder
	sampleBuf *audio.IntBuffer
	written   int // Samples per channel written so far.
	failures  int
	failed    bool
	closed    bool
}

// RecordingPath returns a timestamped file name inside dir.
func RecordingPath(dir string, now time.Time) string {
	return filepath.Join(dir, "projection_"+now.Format("20060102_150405")+".wav")
}

// NewRecorder creates path and writes the WAV header.
func NewRecorder(path string, cfg RecorderConfig) (*Recorder, error) {
	if cfg.Channels <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid recording format %d channels at %d Hz", cfg.Channels, cfg.SampleRate)
	}
	switch cfg.BitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("audio: unsupported bit depth %d", cfg.BitDepth)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = config.DefaultMaxConsecutiveWriteFailures
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:     cfg,
		path:    path,
		logger:  log.Named("recorder"),
		file:    file,
		encoder: wav.NewEncoder(file, cfg.SampleRate, cfg.BitDepth, cfg.Channels, 1),
		sampleBuf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: cfg.Channels, SampleRate: cfg.SampleRate},
			SourceBitDepth: cfg.BitDepth,
		},
	}
	r.logger.Info("recording started", zap.String("path", path), zap.Int("channels", cfg.Channels), zap.Int("bit_depth", cfg.BitDepth))
	return r, nil
}

// Path returns the output file path.
func (r *Recorder) Path() string { return r.path }

// Written returns the recorded duration.
func (r *Recorder) Written() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(float64(r.written) / float64(r.cfg.SampleRate) * float64(time.Second))
}

// Write appends one block of speaker feeds. Feeds are mono frames; missing
// or short feeds are padded with silence. Writes past MaxDuration are
// ignored.
func (r *Recorder) Write(feeds []*frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	if r.failed {
		return ErrRecorderFailed
	}

	n := 0
	for _, f := range feeds {
		if f != nil {
			n = max(n, len(f.Samples))
		}
	}
	if r.cfg.MaxDuration > 0 {
		limit := int(r.cfg.MaxDuration.Seconds() * float64(r.cfg.SampleRate))
		n = min(n, limit-r.written)
	}
	if n <= 0 {
		return nil
	}

	channels := r.cfg.Channels
	data := r.sampleBuf.Data[:0]
	if cap(data) < n*channels {
		data = make([]int, 0, n*channels)
	}
	full := float64(int64(1)<<(r.cfg.BitDepth-1) - 1)
	for i := range n {
		for ch := range channels {
			var v float64
			if ch < len(feeds) && feeds[ch] != nil && i < len(feeds[ch].Samples) {
				v = feeds[ch].Samples[i]
			}
			data = append(data, int(math.Round(math.Max(-1, math.Min(1, v))*full)))
		}
	}
	r.sampleBuf.Data = data

	if err := r.encoder.Write(r.sampleBuf); err != nil {
		r.failures++
		if r.failures >= r.cfg.MaxFailures {
			r.failed = true
			r.logger.Error("recording disabled", zap.Int("failures", r.failures), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrRecorderFailed, err)
		}
		return fmt.Errorf("audio: write recording: %w", err)
	}
	r.failures = 0
	r.written += n
	return nil
}

// Close finalises the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.encoder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("recording stopped", zap.String("path", r.path),
		zap.Duration("duration", time.Duration(float64(r.written)/float64(r.cfg.SampleRate)*float64(time.Second))))
	return errors.Join(errs...)
}
