package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/billing"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/engine"
	"github.com/jkaninda/ngome/internal/llmproxy"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("NGOME_CONFIG", configPath))
}

// SharedComponents holds the subsystems every command builds on. Built
// once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Engine  engine.Client
	Runner  *sandbox.Runner
	Proxies *llmproxy.Manager
	Reader  *billing.Reader
	Store   *billing.Store // nil = usage not persisted.
	Obs     *observability.Observability

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared wires the container engine, runner, proxy manager, billing
// reader and store, and observability. Callers must call sc.Cleanup().
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	for _, dir := range []string{cfg.ResolvedWorkspace(), cfg.ResolvedDataDir(), cfg.AuditDir(), cfg.SocketDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Container engine.
	eng, err := engine.NewDocker(logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}
	sc.Engine = eng
	sc.addCleanup(func() {
		if err := eng.Close(); err != nil {
			logger.Error("closing engine client", slog.String("error", err.Error()))
		}
	})

	// The sandbox and the proxy must agree on the internal network; the
	// proxy section wins when both are set.
	internalNetwork := cfg.Sandbox.InternalNetwork
	if cfg.Proxy != nil && cfg.Proxy.InternalNetwork != "" {
		internalNetwork = cfg.Proxy.InternalNetwork
	}
	if internalNetwork == "" {
		internalNetwork = "ngome-internal"
	}

	sc.Runner = sandbox.NewRunner(eng, sandbox.Config{
		DefaultTimeout:  cfg.Sandbox.MaxExecution(),
		MemoryMB:        cfg.Sandbox.MaxMemoryMB,
		PIDsLimit:       int(cfg.Sandbox.PidsLimit),
		MaxOutputBytes:  cfg.Sandbox.MaxOutputKB * 1024,
		InternalNetwork: internalNetwork,
	}, logger)
	logger.Debug("sandbox runner initialized",
		slog.String("image", cfg.Sandbox.Image),
		slog.Int("max_memory_mb", cfg.Sandbox.MaxMemoryMB),
	)

	// Proxy manager.
	if cfg.Proxy != nil {
		sc.Proxies = llmproxy.NewManager(eng, llmproxy.ManagerConfig{
			ProxyImage:      cfg.Proxy.Image,
			InternalNetwork: internalNetwork,
			EgressNetwork:   cfg.Proxy.EgressNetwork,
			AuditDir:        cfg.AuditDir(),
			SocketDir:       cfg.SocketDir(),
			UpstreamURL:     cfg.Proxy.UpstreamURL,
			ListenPort:      cfg.Proxy.ListenPort,
		}, logger)
		logger.Debug("proxy manager initialized", slog.String("image", cfg.Proxy.Image))
	}

	sc.Reader = billing.NewReader(cfg.AuditDir(), logger)

	// Usage store.
	if cfg.Billing != nil {
		sqlitePath := cfg.Billing.SQLitePath
		if sqlitePath == "" {
			sqlitePath = cfg.DatabasePath()
		}
		store, err := billing.Open(billing.Config{
			Driver:      cfg.Billing.Driver,
			SQLitePath:  sqlitePath,
			PostgresDSN: cfg.Billing.PostgresDSN,
		}, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("opening usage store: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing usage store", slog.String("error", err.Error()))
			}
		})
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("engine", func(ctx context.Context) error {
			_, err := eng.NetworkExists(ctx, "bridge")
			return err
		})
	}

	return sc, nil
}
