// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"

	"apm/internal/frame"
)

// ErrInvalidWAV is returned for files that are not PCM WAV.
var ErrInvalidWAV = errors.New("audio: not a valid WAV file")

// Clip holds a decoded WAV file as interleaved samples in [-1, 1].
type Clip struct {
	Samples    []float64
	SampleRate int
	Channels   int
	BitDepth   int
}

// FrameCount returns the number of samples per channel.
func (c *Clip) FrameCount() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// ReadWAV decodes a PCM WAV file.
func ReadWAV(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %s: %w", path, err)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bitDepth)
	}
	scale := 1 / float64(int64(1)<<(bitDepth-1))
	// 8-bit PCM is unsigned with its midpoint at 128.
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v-offset) * scale
	}

	return &Clip{
		Samples:    samples,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   bitDepth,
	}, nil
}

// SplitChannels de-interleaves samples into one mono frame per channel.
// A trailing partial sample group is ignored.
func SplitChannels(samples []float64, channels, sampleRate int) []*frame.Frame {
	if channels <= 0 {
		return nil
	}
	n := len(samples) / channels
	out := make([]*frame.Frame, channels)
	for ch := range out {
		f := frame.New(n, sampleRate, 1)
		for i := range n {
			f.Samples[i] = samples[i*channels+ch]
		}
		out[ch] = f
	}
	return out
}

// Blocks cuts the clip into consecutive blocks of size samples per channel.
// Each block holds one mono frame per channel; the last block is zero-padded.
func (c *Clip) Blocks(size int) [][]*frame.Frame {
	if size <= 0 || c.Channels <= 0 {
		return nil
	}
	total := c.FrameCount()
	var blocks [][]*frame.Frame
	for start := 0; start < total; start += size {
		n := min(size, total-start)
		block := make([]*frame.Frame, c.Channels)
		for ch := range block {
			f := frame.New(size, c.SampleRate, 1)
			for i := range n {
				f.Samples[i] = c.Samples[(start+i)*c.Channels+ch]
			}
			block[ch] = f
		}
		blocks = append(blocks, block)
	}
	return blocks
}
