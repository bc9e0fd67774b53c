// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"apm/internal/log"
	"apm/internal/transport"
)

// DefaultInterval is used when a non-positive interval is supplied (~60Hz).
const DefaultInterval = 16 * time.Millisecond

// HeaderSize is the byte length of the packet header preceding the magnitudes.
const HeaderSize = 4 + 8 + 2

// Sender is the datagram sink used by UDPPublisher.
type Sender interface {
	Send(data []byte) error
}

// UDPPublisher periodically fetches the monitor spectrum, packs it into a
// binary packet and sends it through a Sender.
type UDPPublisher struct {
	sender   Sender
	spectrum transport.FFTResultProvider
	interval time.Duration
	logger   *zap.Logger

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex // Protects ticker and doneChan during Start/Stop.

	sequenceNum uint32

	// Reused on every tick so the hot path does not allocate.
	magBuffer    []float64
	f32Buffer    []float32
	packetBuffer *bytes.Buffer
}

// NewUDPPublisher creates a publisher for the given spectrum provider.
func NewUDPPublisher(interval time.Duration, sender Sender, spectrum transport.FFTResultProvider) (*UDPPublisher, error) {
	if sender == nil {
		return nil, errors.New("udp: sender cannot be nil")
	}
	if spectrum == nil {
		return nil, errors.New("udp: spectrum provider cannot be nil")
	}

	logger := log.Named("udp")
	if interval <= 0 {
		interval = DefaultInterval
		logger.Warn("invalid interval, using default", zap.Duration("interval", interval))
	}

	bins := spectrum.GetFFTSize()/2 + 1
	logger.Info("publisher initialised", zap.Duration("interval", interval), zap.Int("bins", bins))

	return &UDPPublisher{
		sender:       sender,
		spectrum:     spectrum,
		interval:     interval,
		logger:       logger,
		magBuffer:    make([]float64, bins),
		f32Buffer:    make([]float32, bins),
		packetBuffer: new(bytes.Buffer),
	}, nil
}

// Start launches the publishing goroutine. Calling Start while running is a no-op.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		p.logger.Warn("start called while running")
		return
	}
	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}
	ticker := p.ticker
	doneChan := p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the publishing goroutine to exit and waits for it.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("publisher stopped", zap.Uint32("packets", p.sequenceNum))
	return nil
}

/*
Packet layout (BigEndian):

|<---- 4 Bytes ---->|<------ 8 Bytes ------>|<-- 2 Bytes -->|<----- N * 4 Bytes ----->|
+-------------------+-----------------------+---------------+-------------------------+
|  Sequence Number  |       Timestamp       |   Magnitude   |       Magnitudes        |
|      (uint32)     |   (int64, unix nano)  | Count (uint16)|      (N * float32)      |
+-------------------+-----------------------+---------------+-------------------------+
*/

// buildAndSendPacket packs the latest spectrum and hands it to the sender.
func (p *UDPPublisher) buildAndSendPacket() {
	packet, err := p.buildPacket(time.Now())
	if err != nil {
		p.logger.Error("build packet", zap.Error(err))
		return
	}
	if err := p.sender.Send(packet); err != nil {
		return // sender already logged it
	}
	p.logger.Debug("sent packet", zap.Uint32("seq", p.sequenceNum), zap.Int("bytes", len(packet)))
}

// buildPacket encodes one packet. The returned slice is only valid until the
// next call.
func (p *UDPPublisher) buildPacket(now time.Time) ([]byte, error) {
	if err := p.spectrum.GetMagnitudesInto(p.magBuffer); err != nil {
		return nil, err
	}
	for i, v := range p.magBuffer {
		p.f32Buffer[i] = float32(v)
	}

	p.sequenceNum++
	p.packetBuffer.Reset()

	header := [HeaderSize]byte{}
	binary.BigEndian.PutUint32(header[0:4], p.sequenceNum)
	binary.BigEndian.PutUint64(header[4:12], uint64(now.UnixNano()))
	binary.BigEndian.PutUint16(header[12:14], uint16(len(p.f32Buffer)))
	p.packetBuffer.Write(header[:])

	if err := binary.Write(p.packetBuffer, binary.BigEndian, p.f32Buffer); err != nil {
		return nil, err
	}
	return p.packetBuffer.Bytes(), nil
}

// Close stops the publisher.
func (p *UDPPublisher) Close() error {
	return p.Stop()
}

var _ interface{ Close() error } = (*UDPPublisher)(nil)
