package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/bridge"
	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/protocol"
)

var (
	agentMessage    string
	agentSessionKey string
	agentIDFlag     string
	agentShowDeltas bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Invoke a remote agent turn over the gateway",
	Long: `Send one message to the remote agent runtime and stream its output.
Incremental deltas are shown as they arrive; the printed result is always
the gateway's authoritative final text.

Examples:
  ngome agent -m "summarize the failing tests"
  ngome agent -m "continue" --session-key build-review`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "message to send (required)")
	agentCmd.Flags().StringVar(&agentSessionKey, "session-key", "", "conversation key (default: random, one-shot)")
	agentCmd.Flags().StringVar(&agentIDFlag, "agent-id", "", "agent to invoke (default: gateway.agent_id from config)")
	agentCmd.Flags().BoolVar(&agentShowDeltas, "deltas", true, "stream incremental output to stderr")
	_ = agentCmd.MarkFlagRequired("message")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Gateway == nil {
		return fmt.Errorf("agent requires a gateway section in the config")
	}

	agentID := agentIDFlag
	if agentID == "" {
		agentID = cfg.Gateway.AgentID
	}
	if agentID == "" {
		return fmt.Errorf("no agent id: set --agent-id or gateway.agent_id in the config")
	}

	sessionKey := agentSessionKey
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	minProto, maxProto := cfg.Gateway.ProtocolRange()
	ctx := cmd.Context()
	client, err := gateway.Dial(ctx, gateway.Config{
		URL:         cfg.Gateway.URL,
		Token:       cfg.Gateway.Token,
		MinProtocol: minProto,
		MaxProtocol: maxProto,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// The stream must be attached before the invocation so no early
	// event is missed.
	stream := bridge.Open(client, sessionKey, logger)

	invoker := observability.NewInstrumentedGateway(client, obs.MetricsOrNil(), obs.TracerOrNil())
	if _, err := invoker.Agent(ctx, protocol.AgentParams{
		Message:        agentMessage,
		AgentID:        agentID,
		SessionKey:     sessionKey,
		IdempotencyKey: uuid.NewString(),
	}, cfg.Gateway.RequestTimeout()); err != nil {
		return fmt.Errorf("invoking agent: %w", err)
	}

	return consumeStream(ctx, stream)
}

func consumeStream(ctx context.Context, stream *bridge.Stream) error {
	start := time.Now()
	for {
		ev, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch ev.Kind {
		case bridge.EventTextDelta:
			if agentShowDeltas {
				fmt.Fprint(os.Stderr, ev.Delta)
			}
		case bridge.EventAssistantFinal:
			if agentShowDeltas {
				fmt.Fprintln(os.Stderr)
			}
			fmt.Println(ev.Content)
		case bridge.EventDone:
			fmt.Fprintf(os.Stderr, "done in %s\n", time.Since(start).Round(time.Millisecond))
		case bridge.EventError:
			return fmt.Errorf("agent stream failed: %s: %s", ev.Code, ev.Message)
		}
	}
}
