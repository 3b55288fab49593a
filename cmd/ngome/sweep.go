package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/janitor"
)

var sweepDaemon bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove orphaned proxy containers",
	Long: `Remove proxy containers whose run is no longer alive. The sweep
enumerates by ownership label only and never touches containers it did
not create. With --daemon it keeps sweeping on the configured schedule.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDaemon, "daemon", false, "keep sweeping on the configured schedule")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if sc.Proxies == nil {
		return fmt.Errorf("sweep requires a proxy section in the config")
	}

	jcfg := janitor.Config{}
	if cfg.Janitor != nil {
		jcfg.Schedule = cfg.Janitor.Schedule
		jcfg.SweepTimeout = cfg.Janitor.SweepTimeout()
	}

	var metrics *janitor.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		metrics = janitor.NewMetrics(m.Registry)
	}

	j, err := janitor.New(sc.Proxies, jcfg, metrics, logger)
	if err != nil {
		return err
	}

	if sweepDaemon {
		cancel := j.Start(cmd.Context())
		defer cancel()
		if srv := startAdminServer(sc, logger); srv != nil {
			defer func() {
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		<-cmd.Context().Done()
		return nil
	}

	removed, err := j.SweepNow(context.Background())
	if err != nil {
		return fmt.Errorf("sweeping: %w", err)
	}
	fmt.Printf("removed %d orphaned proxy container(s)\n", removed)
	return nil
}
