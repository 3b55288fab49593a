package llmproxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jkaninda/ngome/internal/engine"
)

const (
	defaultListenPort = 8484
	defaultKeyEnv     = "NGOME_UPSTREAM_API_KEY"

	// containerAuditDir is where the proxy container writes its audit log;
	// the manager bind-mounts the host audit directory there.
	containerAuditDir = "/var/log/ngome"

	// containerSocketDir is where the proxy container exposes its unix
	// socket for network=none sandbox runs.
	containerSocketDir = "/run/ngome"
)

// ManagerConfig configures proxy container creation.
type ManagerConfig struct {
	ProxyImage      string // Image carrying the ngome-proxy binary.
	InternalNetwork string // Internal-only network shared with sandboxes.
	EgressNetwork   string // Network from which the upstream is reachable.
	AuditDir        string // Host directory receiving per-run audit logs.
	SocketDir       string // Host directory for per-run forwarded sockets.
	UpstreamURL     string // The one upstream LLM endpoint.
	UpstreamKeyEnv  string // Host env var holding the real credential.
	ListenPort      int
}

// ProxyHandle describes one run's live proxy.
type ProxyHandle struct {
	RunID       string
	Attempt     int
	ContainerID string

	// Endpoint is the proxy URL reachable from sandboxes on the internal
	// network.
	Endpoint string

	// SocketPath is the host path of the proxy's unix socket, forwarded
	// into network=none sandboxes via a bind mount.
	SocketPath string

	// Reused reports that a still-running container under the same
	// runID+attempt key served this call instead of a fresh one.
	Reused bool
}

// SandboxEnv returns the environment a sandboxed run needs to reach this
// proxy. It contains the endpoint and the model selection, never the
// upstream credential.
func (h *ProxyHandle) SandboxEnv(model string) map[string]string {
	env := map[string]string{
		"NGOME_LLM_BASE_URL": h.Endpoint,
		"NGOME_LLM_SOCKET":   filepath.Join(containerSocketDir, "llm.sock"),
	}
	if model != "" {
		env["NGOME_MODEL"] = model
	}
	return env
}

// Manager creates and sweeps per-run proxy containers.
type Manager struct {
	engine engine.Client
	config ManagerConfig
	logger *slog.Logger
}

// NewManager creates a Manager. Zero config fields fall back to defaults.
func NewManager(eng engine.Client, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.InternalNetwork == "" {
		cfg.InternalNetwork = "ngome-internal"
	}
	if cfg.EgressNetwork == "" {
		cfg.EgressNetwork = "bridge"
	}
	if cfg.UpstreamKeyEnv == "" {
		cfg.UpstreamKeyEnv = defaultKeyEnv
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = defaultListenPort
	}
	return &Manager{engine: eng, config: cfg, logger: logger}
}

// ProxyContainerName returns the container name for a run's proxy attempt.
func ProxyContainerName(runID string, attempt int) string {
	return fmt.Sprintf("ngome-proxy-%s-a%d", runID, attempt)
}

// EnsureProxy creates the proxy container for one run attempt, or reuses a
// running one keyed by runID+attempt. Creation failure is a setup error;
// the sandboxed command must not start without its proxy.
func (m *Manager) EnsureProxy(ctx context.Context, runID, billingAccountID string, attempt int) (*ProxyHandle, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if billingAccountID == "" {
		return nil, fmt.Errorf("billing account id is required")
	}

	name := ProxyContainerName(runID, attempt)
	endpoint := fmt.Sprintf("http://%s:%d", name, m.config.ListenPort)
	socketPath := filepath.Join(m.config.SocketDir, runID, "llm.sock")

	existing, err := m.engine.ListContainers(ctx, map[string]string{
		engine.LabelComponent: engine.ComponentProxy,
		engine.LabelRunID:     runID,
		engine.LabelAttempt:   strconv.Itoa(attempt),
	})
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.Running {
			return &ProxyHandle{
				RunID:       runID,
				Attempt:     attempt,
				ContainerID: c.ID,
				Endpoint:    endpoint,
				SocketPath:  socketPath,
				Reused:      true,
			}, nil
		}
		// A stopped leftover under our key blocks the name; clear it.
		if err := m.engine.RemoveContainer(ctx, c.ID); err != nil {
			return nil, err
		}
	}

	ok, err := m.engine.ImageExists(ctx, m.config.ProxyImage)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("proxy image %q not found", m.config.ProxyImage)
	}

	if err := m.engine.EnsureNetwork(ctx, m.config.InternalNetwork, true); err != nil {
		return nil, err
	}

	credential := os.Getenv(m.config.UpstreamKeyEnv)
	if credential == "" {
		return nil, fmt.Errorf("upstream credential env %s is empty", m.config.UpstreamKeyEnv)
	}

	socketHostDir := filepath.Join(m.config.SocketDir, runID)
	if err := os.MkdirAll(socketHostDir, 0750); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.MkdirAll(m.config.AuditDir, 0750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	spec := engine.ContainerSpec{
		Name:  name,
		Image: m.config.ProxyImage,
		Env: []string{
			"NGOME_UPSTREAM_URL=" + m.config.UpstreamURL,
			"NGOME_UPSTREAM_API_KEY=" + credential,
			"NGOME_BILLING_ACCOUNT=" + billingAccountID,
			"NGOME_RUN_ID=" + runID,
			"NGOME_LISTEN=:" + strconv.Itoa(m.config.ListenPort),
			"NGOME_AUDIT_FILE=" + filepath.Join(containerAuditDir, AuditFileName(runID)),
			"NGOME_SOCKET=" + filepath.Join(containerSocketDir, "llm.sock"),
		},
		Labels: map[string]string{
			engine.LabelComponent: engine.ComponentProxy,
			engine.LabelRunID:     runID,
			engine.LabelAttempt:   strconv.Itoa(attempt),
		},
		Mounts: []engine.Mount{
			{HostPath: m.config.AuditDir, ContainerPath: containerAuditDir},
			{HostPath: socketHostDir, ContainerPath: containerSocketDir},
		},
		NetworkMode: m.config.InternalNetwork,
	}

	id, err := m.engine.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}

	// The proxy needs both legs: the internal network it shares with the
	// sandbox, and the egress network the upstream is reachable from.
	if err := m.engine.ConnectNetwork(ctx, m.config.EgressNetwork, id); err != nil {
		m.removeBestEffort(id)
		return nil, err
	}
	if err := m.engine.StartContainer(ctx, id); err != nil {
		m.removeBestEffort(id)
		return nil, err
	}

	m.logger.Info("llm proxy started",
		slog.String("run_id", runID),
		slog.Int("attempt", attempt),
		slog.String("container", id),
		slog.String("billing_account", billingAccountID),
	)

	return &ProxyHandle{
		RunID:       runID,
		Attempt:     attempt,
		ContainerID: id,
		Endpoint:    endpoint,
		SocketPath:  socketPath,
	}, nil
}

// Release removes a run's proxy after the run ended. Cleanup failure is
// logged, never escalated: the orphan sweep is the backstop.
func (m *Manager) Release(ctx context.Context, h *ProxyHandle) {
	if h == nil {
		return
	}
	if err := m.engine.RemoveContainer(ctx, h.ContainerID); err != nil {
		m.logger.Warn("proxy cleanup failed, sweep will collect it",
			slog.String("run_id", h.RunID),
			slog.String("container", h.ContainerID),
			slog.String("error", err.Error()),
		)
	}
}

// CleanupSweep removes every labeled proxy container whose parent run is no
// longer active and returns the count removed. It enumerates by ownership
// label only, so it never touches unlabeled resources, and it is safe to
// call repeatedly and concurrently: removing an already-removed container
// is not an error.
func (m *Manager) CleanupSweep(ctx context.Context) (int, error) {
	proxies, err := m.engine.ListContainers(ctx, map[string]string{
		engine.LabelComponent: engine.ComponentProxy,
	})
	if err != nil {
		return 0, err
	}

	sandboxes, err := m.engine.ListContainers(ctx, map[string]string{
		engine.LabelComponent: engine.ComponentSandbox,
	})
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool)
	for _, s := range sandboxes {
		if s.Running {
			active[s.Labels[engine.LabelRunID]] = true
		}
	}

	removed := 0
	for _, p := range proxies {
		runID := p.Labels[engine.LabelRunID]
		if runID == "" || active[runID] {
			continue
		}
		if err := m.engine.RemoveContainer(ctx, p.ID); err != nil {
			m.logger.Warn("sweep removal failed",
				slog.String("container", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		m.logger.Info("swept orphan proxy",
			slog.String("run_id", runID),
			slog.String("container", p.ID),
			slog.Time("created", p.Created),
		)
	}
	return removed, nil
}

func (m *Manager) removeBestEffort(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.engine.RemoveContainer(ctx, id); err != nil {
		m.logger.Warn("removing failed proxy container", slog.String("error", err.Error()))
	}
}
