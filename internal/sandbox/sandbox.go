// Package sandbox executes untrusted commands in ephemeral, isolated
// containers. Each run gets exactly one container; the container never
// outlives the call, even on failure paths.
package sandbox

import (
	"io"
	"time"
)

// NetworkMode is the egress policy attached to a run.
type NetworkMode string

const (
	// NetworkNone attaches no network stack: DNS and all outbound
	// connections fail inside the container.
	NetworkNone NetworkMode = "none"

	// NetworkInternal attaches only a named internal-only network with no
	// default route to the outside world.
	NetworkInternal NetworkMode = "internal"

	// NetworkBridge is the permissive default, used only for
	// non-sandboxed diagnostics.
	NetworkBridge NetworkMode = "bridge"
)

// NetworkPolicy selects the network mode for a run.
type NetworkPolicy struct {
	Mode NetworkMode `json:"mode" yaml:"mode"`

	// NetworkName names the internal network for NetworkInternal runs.
	// Empty = the runner's configured default.
	NetworkName string `json:"network_name,omitempty" yaml:"network_name,omitempty"`
}

// Mount declares an extra bind mount for a run.
type Mount struct {
	HostPath      string `json:"host_path" yaml:"host_path"`
	ContainerPath string `json:"container_path" yaml:"container_path"`
	Mode          string `json:"mode" yaml:"mode"` // "ro" or "rw"
}

// Limits constrains one run.
type Limits struct {
	MaxRuntimeSec int `json:"max_runtime_sec" yaml:"max_runtime_sec"`
	MaxMemoryMB   int `json:"max_memory_mb" yaml:"max_memory_mb"`
}

// LLMProxy carries the proxy attachment for runs that need model access
// despite network isolation. Env holds the proxy endpoint and the
// model-selection variable; it never contains the upstream credential.
type LLMProxy struct {
	Enabled          bool              `json:"enabled" yaml:"enabled"`
	BillingAccountID string            `json:"billing_account_id" yaml:"billing_account_id"`
	Attempt          int               `json:"attempt" yaml:"attempt"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// RunRequest describes one sandboxed command execution.
// RunID must be unique across all concurrently running requests: container
// resources are named after it, and orphan sweeps key on it.
type RunRequest struct {
	RunID         string        `json:"run_id"`
	WorkspacePath string        `json:"workspace_path"`
	Image         string        `json:"image"`
	Argv          []string      `json:"argv"`
	Limits        Limits        `json:"limits"`
	Network       NetworkPolicy `json:"network"`
	Mounts        []Mount       `json:"mounts,omitempty"`
	LLMProxy      *LLMProxy     `json:"llm_proxy,omitempty"`
}

// ErrorCode classifies expected execution failures.
type ErrorCode string

const (
	ErrorTimeout ErrorCode = "timeout"
	ErrorOOM     ErrorCode = "oom"
	ErrorSetup   ErrorCode = "setup_error"
)

// RunResult captures the outcome of one run. Expected failure modes
// (timeout, OOM, nonzero exit) are encoded here, never returned as errors.
type RunResult struct {
	OK        bool          `json:"ok"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	Duration  time.Duration `json:"-"`
}

// limitedWriter caps captured output so a runaway container can't OOM the
// host. Excess bytes are discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		n = lw.remaining
	}
	if _, err := lw.w.Write(p[:n]); err != nil {
		return 0, err
	}
	lw.remaining -= n
	return len(p), nil
}
