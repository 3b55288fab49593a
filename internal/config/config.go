// Package config handles loading and validating Ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Ngome.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root mounted into sandboxes. Default: ~/.ngome/workspace. Override: NGOME_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.ngome/data. Override: NGOME_DATA_DIR env var.
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Proxy         *ProxyConfig         `json:"proxy,omitempty" yaml:"proxy,omitempty"`                 // nil = runs get no LLM proxy
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = gateway features disabled
	Billing       *BillingConfig       `json:"billing,omitempty" yaml:"billing,omitempty"`             // nil = audit logs read but never persisted
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = no scheduled sweeps (manual sweep still works)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SandboxConfig holds defaults applied to runs that do not set their own
// limits.
type SandboxConfig struct {
	Image               string `json:"image" yaml:"image"`
	Network             string `json:"network" yaml:"network"`                             // "none" (default), "internal", or "bridge".
	InternalNetwork     string `json:"internal_network" yaml:"internal_network"`           // Docker network name for network=internal. Default: "ngome-internal".
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Default: 300.
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Default: 512.
	PidsLimit           int64  `json:"pids_limit" yaml:"pids_limit"`                       // Default: 256.
	MaxOutputKB         int    `json:"max_output_kb" yaml:"max_output_kb"`                 // Per-stream capture cap. Default: 1024.
}

// MaxExecution returns the default run timeout with a fallback of 5m.
func (s *SandboxConfig) MaxExecution() time.Duration {
	if s != nil && s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ProxyConfig configures the per-run LLM proxy.
type ProxyConfig struct {
	Image           string `json:"image" yaml:"image"`
	InternalNetwork string `json:"internal_network" yaml:"internal_network"` // Default: "ngome-internal".
	EgressNetwork   string `json:"egress_network" yaml:"egress_network"`     // Default: "bridge".
	AuditDir        string `json:"audit_dir,omitempty" yaml:"audit_dir,omitempty"`
	SocketDir       string `json:"socket_dir,omitempty" yaml:"socket_dir,omitempty"`
	UpstreamURL     string `json:"upstream_url" yaml:"upstream_url"`
	ListenPort      int    `json:"listen_port" yaml:"listen_port"` // Default: 8484.
}

// GatewayConfig configures the WebSocket connection to the remote agent
// runtime. The token can be set here or via NGOME_GATEWAY_TOKEN, which
// takes precedence.
type GatewayConfig struct {
	URL                   string `json:"url" yaml:"url"`
	Token                 string `json:"token,omitempty" yaml:"token,omitempty"`
	AgentID               string `json:"agent_id" yaml:"agent_id"`
	MinProtocolVersion    int    `json:"min_protocol_version" yaml:"min_protocol_version"`       // Default: 1.
	MaxProtocolVersion    int    `json:"max_protocol_version" yaml:"max_protocol_version"`       // Default: 1.
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"` // Default: 30.
}

// RequestTimeout returns the per-request timeout with a default of 30s.
func (g *GatewayConfig) RequestTimeout() time.Duration {
	if g != nil && g.RequestTimeoutSeconds > 0 {
		return time.Duration(g.RequestTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ProtocolRange returns the supported protocol version range, defaulting
// to [1, 1].
func (g *GatewayConfig) ProtocolRange() (int, int) {
	min, max := 1, 1
	if g != nil && g.MinProtocolVersion > 0 {
		min = g.MinProtocolVersion
	}
	if g != nil && g.MaxProtocolVersion > 0 {
		max = g.MaxProtocolVersion
	}
	return min, max
}

// BillingConfig configures the usage store fed from proxy audit logs.
type BillingConfig struct {
	Driver      string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
}

// JanitorConfig configures the scheduled cleanup sweep.
type JanitorConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Schedule            string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // Five-field cron expression. Default: every 5 minutes.
	SweepTimeoutSeconds int    `json:"sweep_timeout_seconds" yaml:"sweep_timeout_seconds"`
}

// SweepTimeout returns the per-sweep timeout with a default of 2m.
func (j *JanitorConfig) SweepTimeout() time.Duration {
	if j != nil && j.SweepTimeoutSeconds > 0 {
		return time.Duration(j.SweepTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Admin endpoint in daemon modes. Default: ":9090"
	Path       string `json:"path" yaml:"path"`                                   // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ngome", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. The gateway token and directories can be set in the file
// or overridden by environment variables; environment variables win.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides take precedence over file values.
	if envWS := os.Getenv("NGOME_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envDD := os.Getenv("NGOME_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envTok := os.Getenv("NGOME_GATEWAY_TOKEN"); envTok != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &GatewayConfig{}
		}
		cfg.Gateway.Token = envTok
	}
	if envURL := os.Getenv("NGOME_GATEWAY_URL"); envURL != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &GatewayConfig{}
		}
		cfg.Gateway.URL = envURL
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", resolved, err)
	}
	return &cfg, nil
}

// ResolvedWorkspace returns the workspace root, defaulting under the home
// directory.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "workspace"
		}
		return filepath.Join(home, ".ngome", "workspace")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// ResolvedDataDir returns the data directory, defaulting under the home
// directory.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".ngome", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// AuditDir returns the proxy audit directory, defaulting under the data
// directory.
func (c *Config) AuditDir() string {
	if c.Proxy != nil && c.Proxy.AuditDir != "" {
		return c.Proxy.AuditDir
	}
	return filepath.Join(c.ResolvedDataDir(), "audit")
}

// SocketDir returns the proxy socket directory, defaulting under the data
// directory.
func (c *Config) SocketDir() string {
	if c.Proxy != nil && c.Proxy.SocketDir != "" {
		return c.Proxy.SocketDir
	}
	return filepath.Join(c.ResolvedDataDir(), "sockets")
}

// DatabasePath returns the default SQLite usage database path under the
// data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "ngome.db")
}

func (c *Config) validate() error {
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	switch c.Sandbox.Network {
	case "", "none", "internal", "bridge":
		// valid
	default:
		return fmt.Errorf("sandbox.network %q is not supported (use none, internal, or bridge)", c.Sandbox.Network)
	}
	if c.Proxy != nil {
		if c.Proxy.Image == "" {
			return fmt.Errorf("proxy.image is required when the proxy is configured")
		}
		if c.Proxy.UpstreamURL == "" {
			return fmt.Errorf("proxy.upstream_url is required when the proxy is configured")
		}
	}
	if c.Gateway != nil {
		if c.Gateway.URL == "" {
			return fmt.Errorf("gateway.url is required (or set NGOME_GATEWAY_URL)")
		}
		min, max := c.Gateway.ProtocolRange()
		if min > max {
			return fmt.Errorf("gateway.min_protocol_version %d exceeds max_protocol_version %d", min, max)
		}
	}
	if c.Billing != nil {
		switch c.Billing.Driver {
		case "", "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("billing.driver %q is not supported (use sqlite or postgres)", c.Billing.Driver)
		}
		if c.Billing.Driver == "postgres" && c.Billing.PostgresDSN == "" {
			return fmt.Errorf("billing.postgres_dsn is required for the postgres driver")
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
