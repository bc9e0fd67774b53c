// SPDX-License-Identifier: MIT
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"apm/internal/log"
)

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("udp: sender is closed")

// UDPSender handles sending data packets over UDP.
type UDPSender struct {
	conn       *net.UDPConn
	targetAddr *net.UDPAddr
	logger     *zap.Logger
	mu         sync.Mutex // Protects conn during Close
	closed     bool
}

// NewUDPSender creates a new UDPSender targeting the specified address.
// The address should be in the format "host:port", e.g., "127.0.0.1:9090".
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve target %q: %w", targetAddress, err)
	}

	// No local bind is needed for sending.
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial target %q: %w", targetAddress, err)
	}

	logger := log.Named("udp")
	logger.Info("sender connected", zap.Stringer("target", conn.RemoteAddr()))

	return &UDPSender{
		conn:       conn,
		targetAddr: udpAddr,
		logger:     logger,
	}, nil
}

// Target returns the resolved destination address.
func (s *UDPSender) Target() *net.UDPAddr { return s.targetAddr }

// Send transmits the given byte slice as a single UDP datagram.
func (s *UDPSender) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSenderClosed
	}
	_, err := s.conn.Write(data)
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("send failed", zap.Error(err))
		return fmt.Errorf("udp: send: %w", err)
	}
	return nil
}

// Close closes the underlying UDP connection.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	s.logger.Info("sender closing", zap.Stringer("target", s.targetAddr))
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("udp: close: %w", err)
	}
	return nil
}

var _ interface{ Close() error } = (*UDPSender)(nil)
