// SPDX-License-Identifier: MIT
package transport

import (
	"go.uber.org/zap"

	"apm/internal/log"
)

// LoggingTransport implements the Transport interface by logging data at
// debug level.
type LoggingTransport struct {
	logger *zap.Logger
}

// NewLoggingTransport creates a new LoggingTransport instance. A nil logger
// uses log.Named("transport").
func NewLoggingTransport(logger *zap.Logger) *LoggingTransport {
	if logger == nil {
		logger = log.Named("transport")
	}
	logger.Debug("using logging transport")
	return &LoggingTransport{logger: logger}
}

// Send logs the received data.
func (lt *LoggingTransport) Send(data any) error {
	lt.logger.Debug("message", zap.String("type", messageType(data)), zap.Any("data", data))
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	lt.logger.Debug("logging transport closed")
	return nil
}

// messageType extracts the "type" tag carried by maps and typed messages.
func messageType(data any) string {
	switch v := data.(type) {
	case map[string]any:
		if s, ok := v["type"].(string); ok {
			return s
		}
	case interface{ MessageType() string }:
		return v.MessageType()
	}
	return "unknown"
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
