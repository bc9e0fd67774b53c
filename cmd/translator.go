// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"apm/internal/config"
	"apm/internal/translate"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newTranslator builds the configured backend behind a circuit breaker. The
// returned closer releases the backend connection.
func newTranslator(cfg config.TranslationConfig, logger *zap.Logger) (*translate.Guarded, io.Closer, error) {
	var (
		backend translate.Translator
		closer  io.Closer = nopCloser{}
	)
	switch cfg.Backend {
	case config.BackendMock:
		backend = translate.NewMock(translate.WithMockLatency(cfg.MockLatency))
	case config.BackendRemote:
		remote, err := translate.NewRemote(translate.RemoteConfig{
			URL:     cfg.RemoteURL,
			Timeout: cfg.RemoteTimeout,
		}, logger.Named("remote"))
		if err != nil {
			return nil, nil, err
		}
		backend, closer = remote, remote
	default:
		return nil, nil, fmt.Errorf("unknown translation backend %q", cfg.Backend)
	}

	breaker := translate.NewCircuitBreaker(cfg.Breaker, logger.Named("breaker"))
	logger.Info("translator ready",
		zap.String("backend", cfg.Backend),
		zap.String("source", cfg.SourceLanguage),
		zap.String("target", cfg.TargetLanguage))
	return translate.NewGuarded(backend, breaker), closer, nil
}
