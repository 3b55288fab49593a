package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	usageRunID   string
	usageAccount string
	usageIngest  bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect proxied LLM usage",
	Long: `Read a run's proxy audit log, or summarize persisted usage for a
billing account. Reads are best-effort: a run whose proxy never wrote a
log reports zero usage, not an error.

Examples:
  ngome usage --run-id 7f3a...
  ngome usage --run-id 7f3a... --ingest
  ngome usage --account acct-42`,
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().StringVar(&usageRunID, "run-id", "", "show audit entries for one run")
	usageCmd.Flags().StringVar(&usageAccount, "account", "", "summarize persisted usage for one billing account")
	usageCmd.Flags().BoolVar(&usageIngest, "ingest", false, "persist the run's entries into the usage store")
}

func runUsage(_ *cobra.Command, _ []string) error {
	if usageRunID == "" && usageAccount == "" {
		return fmt.Errorf("one of --run-id or --account is required")
	}

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

	ctx := context.Background()

	if usageAccount != "" {
		if sc.Store == nil {
			return fmt.Errorf("--account requires a billing section in the config")
		}
		usage, err := sc.Store.AccountUsage(ctx, usageAccount)
		if err != nil {
			return err
		}
		fmt.Printf("account %s: %d call(s), $%.4f\n", usageAccount, usage.Calls, usage.CostUSD)
		return nil
	}

	entries := sc.Reader.ReadAuditEntries(usageRunID)
	if len(entries) == 0 {
		fmt.Println("no usage recorded for this run")
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	var total float64
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
		total += e.CostUSD
	}
	fmt.Fprintf(os.Stderr, "%d call(s), $%.4f total\n", len(entries), total)

	if usageIngest {
		if sc.Store == nil {
			return fmt.Errorf("--ingest requires a billing section in the config")
		}
		if err := sc.Store.Ingest(ctx, usageRunID, entries); err != nil {
			return err
		}
	}
	return nil
}
