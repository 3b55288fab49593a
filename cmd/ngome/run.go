package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
)

// Exit codes for the run command. The sandboxed command's own exit code is
// passed through when it fits; expected failures map onto fixed codes.
const (
	ExitSetupError = 125
	ExitTimeout    = 124
	ExitOOM        = 137
)

var (
	runImage          string
	runNetwork        string
	runWorkspace      string
	runMounts         []string
	runTimeoutSec     int
	runMemoryMB       int
	runID             string
	runWithLLM        bool
	runBillingAccount string
	runModel          string
	runAttempt        int
	runJSON           bool
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Execute one command in an ephemeral sandbox container",
	Long: `Execute a command in a fresh, isolated container and print its output.
The container is always removed afterwards, whatever happens. Timeouts,
OOM kills, and nonzero exits are reported in the result, not as errors.

Examples:
  ngome run -- python3 solve.py
  ngome run --network none --timeout 120 -- make test
  ngome run --llm --billing-account acct-42 --model small-1 -- ./agent.sh`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runImage, "image", "", "container image (default: sandbox.image from config)")
	runCmd.Flags().StringVar(&runNetwork, "network", "", "network policy: none, internal, or bridge")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "host workspace directory mounted read-write at /workspace")
	runCmd.Flags().StringArrayVar(&runMounts, "mount", nil, "extra bind mount, host:container:mode (mode ro or rw)")
	runCmd.Flags().IntVar(&runTimeoutSec, "timeout", 0, "wall-clock limit in seconds")
	runCmd.Flags().IntVar(&runMemoryMB, "memory", 0, "memory hard limit in MB")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random)")
	runCmd.Flags().BoolVar(&runWithLLM, "llm", false, "attach a per-run LLM proxy")
	runCmd.Flags().StringVar(&runBillingAccount, "billing-account", "", "billing account charged for proxied LLM usage")
	runCmd.Flags().StringVar(&runModel, "model", "", "model selection passed to the sandbox")
	runCmd.Flags().IntVar(&runAttempt, "attempt", 1, "attempt number, bumps the proxy container name on retry")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
}

func runRun(_ *cobra.Command, args []string) error {
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

	req, err := buildRunRequest(sc, args)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Attach the proxy before the sandbox starts. The run must not begin
	// without its proxy: a late proxy would mean unaudited startup traffic.
	if runWithLLM {
		if sc.Proxies == nil {
			return fmt.Errorf("--llm requires a proxy section in the config")
		}
		if runBillingAccount == "" {
			return fmt.Errorf("--llm requires --billing-account")
		}
		handle, err := sc.Proxies.EnsureProxy(ctx, req.RunID, runBillingAccount, runAttempt)
		if err != nil {
			return fmt.Errorf("starting llm proxy: %w", err)
		}
		sc.addCleanup(func() { sc.Proxies.Release(context.Background(), handle) })
		sc.Obs.MetricsOrNil().RecordProxy(handle.Reused)
		req.LLMProxy = &sandbox.LLMProxy{
			Enabled:          true,
			BillingAccountID: runBillingAccount,
			Attempt:          runAttempt,
			Env:              handle.SandboxEnv(runModel),
		}
	}

	// The instrumented wrapper owns run metrics and the sandbox.run span.
	runner := observability.NewInstrumentedRunner(sc.Runner, sc.Obs.MetricsOrNil(), sc.Obs.TracerOrNil())

	result, err := runner.RunOnce(ctx, *req)
	if err != nil {
		// Setup failures never reach the sandboxed command; they exit
		// with a fixed code so callers can tell them from the command's
		// own failures.
		logger.Error("run setup failed", slog.String("error", err.Error()))
		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(&sandbox.RunResult{ExitCode: -1, ErrorCode: sandbox.ErrorSetup, Stderr: err.Error()})
		}
		sc.Cleanup()
		os.Exit(ExitSetupError)
	}

	// Best-effort usage accounting after the run: a damaged audit log
	// never fails the run itself.
	if runWithLLM {
		entries := sc.Reader.ReadAuditEntries(req.RunID)
		var cost float64
		for _, e := range entries {
			cost += e.CostUSD
		}
		sc.Obs.MetricsOrNil().RecordUsage(runBillingAccount, len(entries), cost)
		if sc.Store != nil && len(entries) > 0 {
			if err := sc.Store.Ingest(ctx, req.RunID, entries); err != nil {
				logger.Error("persisting usage", slog.String("error", err.Error()))
			}
		}
	}

	if code := printResult(result); code != 0 {
		sc.Cleanup()
		os.Exit(code)
	}
	return nil
}

func buildRunRequest(sc *SharedComponents, argv []string) (*sandbox.RunRequest, error) {
	cfg := sc.Config

	image := runImage
	if image == "" {
		image = cfg.Sandbox.Image
	}
	if image == "" {
		return nil, fmt.Errorf("no image: set --image or sandbox.image in the config")
	}

	network := runNetwork
	if network == "" {
		network = cfg.Sandbox.Network
	}
	if network == "" {
		network = string(sandbox.NetworkNone)
	}

	workspace := runWorkspace
	if workspace == "" {
		workspace = cfg.ResolvedWorkspace()
	}

	id := runID
	if id == "" {
		id = uuid.NewString()
	}

	req := &sandbox.RunRequest{
		RunID:         id,
		WorkspacePath: workspace,
		Image:         image,
		Argv:          argv,
		Limits: sandbox.Limits{
			MaxRuntimeSec: runTimeoutSec,
			MaxMemoryMB:   runMemoryMB,
		},
		Network: sandbox.NetworkPolicy{Mode: sandbox.NetworkMode(network)},
	}

	for _, spec := range runMounts {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid mount %q, want host:container:mode", spec)
		}
		req.Mounts = append(req.Mounts, sandbox.Mount{
			HostPath:      parts[0],
			ContainerPath: parts[1],
			Mode:          parts[2],
		})
	}

	return req, nil
}

// printResult writes the result and returns the process exit code: 0 for a
// clean run, the fixed timeout/OOM codes, or the command's own exit code
// passed through when it fits.
func printResult(r *sandbox.RunResult) int {
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
	} else {
		fmt.Fprint(os.Stdout, r.Stdout)
		fmt.Fprint(os.Stderr, r.Stderr)
	}
	if r.OK {
		return 0
	}

	switch r.ErrorCode {
	case sandbox.ErrorTimeout:
		return ExitTimeout
	case sandbox.ErrorOOM:
		return ExitOOM
	}
	if r.ExitCode > 0 && r.ExitCode < 126 {
		return r.ExitCode
	}
	return 1
}
