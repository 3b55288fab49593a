package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/ngome/internal/observability"
)

// startAdminServer exposes Prometheus metrics, liveness, and readiness over
// HTTP for long-running modes. Returns nil when metrics are disabled.
func startAdminServer(sc *SharedComponents, logger *slog.Logger) *http.Server {
	cfg := sc.Config.Observability
	if cfg == nil || cfg.Metrics == nil || !cfg.Metrics.Enabled || sc.Obs == nil {
		return nil
	}
	addr := cfg.Metrics.ListenAddr
	if addr == "" {
		addr = ":9090"
	}
	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}

	srv := &http.Server{Addr: addr, Handler: newAdminMux(sc, path), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("admin endpoint listening",
			slog.String("addr", addr),
			slog.String("metrics_path", path),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin endpoint failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func newAdminMux(sc *SharedComponents, metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()
	if m := sc.Obs.Metrics; m != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeHealthStatus(w, http.StatusOK, sc.Obs.Health.CheckHealth())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := sc.Obs.Health.CheckReady(r.Context())
		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeHealthStatus(w, code, status)
	})
	return mux
}

func writeHealthStatus(w http.ResponseWriter, code int, status observability.HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
