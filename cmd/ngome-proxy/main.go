// ngome-proxy is the per-run reverse proxy that mediates a sandbox's
// access to the upstream LLM endpoint. It runs inside the proxy container,
// configured entirely by environment variables set by the proxy manager.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/ngome/internal/llmproxy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	if err := run(logger); err != nil {
		logger.Error("proxy failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	upstreamRaw := os.Getenv("NGOME_UPSTREAM_URL")
	apiKey := os.Getenv("NGOME_UPSTREAM_API_KEY")
	billingAccount := os.Getenv("NGOME_BILLING_ACCOUNT")
	runID := os.Getenv("NGOME_RUN_ID")
	listen := os.Getenv("NGOME_LISTEN")
	auditFile := os.Getenv("NGOME_AUDIT_FILE")
	socketPath := os.Getenv("NGOME_SOCKET")

	if upstreamRaw == "" || apiKey == "" || billingAccount == "" || runID == "" {
		return fmt.Errorf("NGOME_UPSTREAM_URL, NGOME_UPSTREAM_API_KEY, NGOME_BILLING_ACCOUNT, and NGOME_RUN_ID are required")
	}
	if listen == "" {
		listen = ":8484"
	}
	if auditFile == "" {
		return fmt.Errorf("NGOME_AUDIT_FILE is required")
	}

	upstream, err := url.Parse(upstreamRaw)
	if err != nil {
		return fmt.Errorf("parsing upstream url: %w", err)
	}

	audit, err := llmproxy.NewAuditWriter(auditFile)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer audit.Close()

	forwarder := llmproxy.NewForwarder(upstream, apiKey, billingAccount, audit, logger)

	reg := prometheus.NewRegistry()
	requests := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ngome",
		Subsystem: "proxy",
		Name:      "forwarded_total",
		Help:      "Total requests forwarded upstream.",
	})
	reg.MustRegister(requests)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "run_id": runID})
	})
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Inc()
		forwarder.ServeHTTP(w, r)
	}))

	tcpServer := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("proxy listening",
			slog.String("addr", listen),
			slog.String("run_id", runID),
		)
		if err := tcpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Unix socket leg for network=none sandboxes. The socket directory is
	// bind-mounted into both this container and the sandbox.
	var unixServer *http.Server
	if socketPath != "" {
		_ = os.Remove(socketPath)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return fmt.Errorf("listening on socket %s: %w", socketPath, err)
		}
		if err := os.Chmod(socketPath, 0666); err != nil {
			return fmt.Errorf("setting socket permissions: %w", err)
		}
		unixServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("proxy listening on socket", slog.String("path", socketPath))
			if err := unixServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = tcpServer.Shutdown(shutdownCtx)
	if unixServer != nil {
		_ = unixServer.Shutdown(shutdownCtx)
	}
	return nil
}
