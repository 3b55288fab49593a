// Ngome: sandboxed command execution with audited LLM access.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome runs untrusted commands in ephemeral, isolated containers.",
	Long: `Ngome executes commands in ephemeral Docker containers under strict
resource and network limits. Runs that need model access get a per-run
reverse proxy that injects the upstream credential and audits every call
for billing. A WebSocket client bridges remote agent invocations into a
clean, ordered event stream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, sweepCmd, agentCmd, usageCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
