// SPDX-License-Identifier: MIT
package cmd

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"apm/internal/config"
	"apm/internal/observe"
	"apm/internal/ptt"
)

// newHealth returns a health tracker using the configured drop-rate thresholds.
func newHealth(cfg *config.Config) *observe.Health {
	h := observe.NewHealth()
	h.SetDropRateThresholds(cfg.Pipeline.DegradedDropRate, cfg.Pipeline.ErrorDropRate)
	return h
}

// newMux serves the monitor socket, Prometheus metrics, health and, when a
// controller is given, push-to-talk control.
func newMux(ws http.Handler, health *observe.Health, ctrl *ptt.Controller, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	if ws != nil {
		mux.Handle("/ws", ws)
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := health.Snapshot()
		code := http.StatusOK
		if health.Status() == observe.StatusError {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, snap, logger)
	})
	if ctrl != nil {
		mux.HandleFunc("POST /ptt/{action}", func(w http.ResponseWriter, r *http.Request) {
			switch r.PathValue("action") {
			case "press":
				ctrl.Press()
			case "release":
				ctrl.Release()
			case "toggle":
				ctrl.Toggle()
			default:
				http.NotFound(w, r)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"state": ctrl.State().String(),
				"stats": ctrl.Stats(),
			}, logger)
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response", zap.Error(err))
	}
}
