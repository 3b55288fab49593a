package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/engine"
)

const (
	defaultTimeout     = 5 * time.Minute
	defaultMemoryMB    = 512
	defaultPIDsLimit   = 64
	defaultOutputBytes = 1 << 20 // 1 MiB per stream

	// WorkspaceMountPath is the fixed container path the workspace is
	// mounted at, read-write.
	WorkspaceMountPath = "/workspace"
)

// Config holds runner-wide defaults. Per-request limits override them.
type Config struct {
	DefaultTimeout  time.Duration // Wall-clock timeout when the request sets none.
	MemoryMB        int           // Default memory hard limit.
	PIDsLimit       int           // Fork bomb protection.
	MaxOutputBytes  int           // Per-stream capture cap.
	InternalNetwork string        // Default network for NetworkInternal runs.
}

// Runner executes RunRequests against a container engine.
//
// Security guarantees, enforced through the engine for every run:
//   - one ephemeral container per request, always removed afterwards
//   - all Linux capabilities dropped, no privilege escalation
//   - read-only root filesystem with tmpfs for /tmp
//   - memory hard limit with swap disabled (OOM kill on exceed)
//   - PIDs limit, sanitized environment, network per declared policy
type Runner struct {
	engine engine.Client
	config Config
	logger *slog.Logger
}

// NewRunner creates a Runner. Zero config fields fall back to defaults.
func NewRunner(eng engine.Client, cfg Config, logger *slog.Logger) *Runner {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.PIDsLimit == 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = defaultOutputBytes
	}
	if cfg.InternalNetwork == "" {
		cfg.InternalNetwork = "ngome-internal"
	}
	return &Runner{engine: eng, config: cfg, logger: logger}
}

// ContainerName returns the container name used for a run.
func ContainerName(runID string) string {
	return "ngome-run-" + runID
}

// RunOnce executes one request in one ephemeral container.
//
// It returns an error only for setup failures (bad request, missing image
// or network) before any sandboxed work starts. Timeout, OOM, and nonzero
// exits are encoded in the result. There are no retries: callers that want
// to retry submit a whole new request with a fresh RunID.
func (r *Runner) RunOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ok, err := r.engine.ImageExists(ctx, req.Image)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("image %q not found", req.Image)
	}

	networkMode, err := r.resolveNetwork(ctx, req.Network)
	if err != nil {
		return nil, err
	}

	spec := r.buildSpec(req, networkMode)
	id, err := r.engine.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}

	// From this point on the container exists: it must be removed on every
	// path out of this function, including panics and setup errors below.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.engine.RemoveContainer(rmCtx, id); err != nil {
			r.logger.Warn("sandbox container removal failed",
				slog.String("run_id", req.RunID),
				slog.String("container", id),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := r.engine.StartContainer(ctx, id); err != nil {
		return nil, err
	}

	timeout := r.config.DefaultTimeout
	if req.Limits.MaxRuntimeSec > 0 {
		timeout = time.Duration(req.Limits.MaxRuntimeSec) * time.Second
	}

	r.logger.Info("sandbox run started",
		slog.String("run_id", req.RunID),
		slog.String("image", req.Image),
		slog.Any("argv", req.Argv),
		slog.String("network", string(spec.NetworkMode)),
		slog.Duration("timeout", timeout),
	)

	var stdoutBuf, stderrBuf bytes.Buffer
	capture := r.captureOutput(ctx, id, &stdoutBuf, &stderrBuf)
	defer capture.finish()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result *RunResult
	select {
	case wr := <-r.engine.WaitContainer(ctx, id):
		if wr.Err != nil {
			return nil, fmt.Errorf("waiting for container: %w", wr.Err)
		}
		capture.finish()
		result = &RunResult{ExitCode: wr.ExitCode}
		if state, err := r.engine.InspectContainer(ctx, id); err == nil && state.OOMKilled {
			result.ErrorCode = ErrorOOM
		}

	case <-timer.C:
		// Unconditional deadline: terminate regardless of in-flight I/O.
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.engine.RemoveContainer(killCtx, id); err != nil {
			r.logger.Warn("killing timed-out container failed",
				slog.String("run_id", req.RunID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		capture.finish()
		result = &RunResult{ExitCode: -1, ErrorCode: ErrorTimeout}

	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Duration = time.Since(start)
	result.OK = result.ExitCode == 0 && result.ErrorCode == ""

	r.logger.Info("sandbox run finished",
		slog.String("run_id", req.RunID),
		slog.Bool("ok", result.OK),
		slog.Int("exit_code", result.ExitCode),
		slog.String("error_code", string(result.ErrorCode)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func validateRequest(req RunRequest) error {
	if req.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if req.Image == "" {
		return fmt.Errorf("image is required")
	}
	if len(req.Argv) == 0 {
		return fmt.Errorf("empty argv")
	}
	if req.WorkspacePath == "" {
		return fmt.Errorf("workspace path is required")
	}
	for _, m := range req.Mounts {
		if m.Mode != "ro" && m.Mode != "rw" {
			return fmt.Errorf("mount %s: mode must be ro or rw", m.ContainerPath)
		}
	}
	switch req.Network.Mode {
	case NetworkNone, NetworkInternal, NetworkBridge:
	default:
		return fmt.Errorf("unknown network mode %q", req.Network.Mode)
	}
	return nil
}

// resolveNetwork maps the request policy onto an engine network mode.
// Internal networks must already exist; a missing network is a setup error,
// not something the runner creates on the fly.
func (r *Runner) resolveNetwork(ctx context.Context, policy NetworkPolicy) (string, error) {
	switch policy.Mode {
	case NetworkNone:
		return "none", nil
	case NetworkBridge:
		return "bridge", nil
	case NetworkInternal:
		name := policy.NetworkName
		if name == "" {
			name = r.config.InternalNetwork
		}
		exists, err := r.engine.NetworkExists(ctx, name)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("internal network %q not found", name)
		}
		return name, nil
	}
	return "", fmt.Errorf("unknown network mode %q", policy.Mode)
}

func (r *Runner) buildSpec(req RunRequest, networkMode string) engine.ContainerSpec {
	memoryMB := int64(r.config.MemoryMB)
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = int64(req.Limits.MaxMemoryMB)
	}

	mounts := []engine.Mount{{
		HostPath:      req.WorkspacePath,
		ContainerPath: WorkspaceMountPath,
		ReadOnly:      false,
	}}
	for _, m := range req.Mounts {
		mounts = append(mounts, engine.Mount{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.Mode == "ro",
		})
	}

	// Sanitized base environment: nothing inherited from the host.
	env := []string{
		"HOME=/workspace",
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	if req.LLMProxy != nil && req.LLMProxy.Enabled {
		for k, v := range req.LLMProxy.Env {
			env = append(env, k+"="+v)
		}
	}

	return engine.ContainerSpec{
		Name:       ContainerName(req.RunID),
		Image:      req.Image,
		Cmd:        req.Argv,
		Env:        env,
		WorkingDir: WorkspaceMountPath,
		Labels: map[string]string{
			engine.LabelComponent: engine.ComponentSandbox,
			engine.LabelRunID:     req.RunID,
		},
		Mounts:         mounts,
		NetworkMode:    networkMode,
		MemoryMB:       memoryMB,
		PidsLimit:      int64(r.config.PIDsLimit),
		ReadOnlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
}

// logCapture tracks one container's background log-capture goroutine. The
// output buffers belong to that goroutine until finish returns.
type logCapture struct {
	stream io.ReadCloser
	done   chan struct{}
	once   sync.Once
}

// finish closes the log stream, forcing the demultiplexer to EOF, then
// waits for the capture goroutine. Callers must not read the buffers
// before finish has returned. Safe to call more than once.
func (lc *logCapture) finish() {
	if lc.stream != nil {
		lc.once.Do(func() { lc.stream.Close() })
	}
	<-lc.done
}

// captureOutput demultiplexes the container's log stream into separate,
// capped stdout/stderr buffers. Each stream is internally ordered; no
// ordering is guaranteed between the two.
func (r *Runner) captureOutput(ctx context.Context, id string, stdout, stderr *bytes.Buffer) *logCapture {
	lc := &logCapture{done: make(chan struct{})}
	stream, err := r.engine.FollowLogs(ctx, id)
	if err != nil {
		r.logger.Warn("attaching container logs failed", slog.String("error", err.Error()))
		close(lc.done)
		return lc
	}
	lc.stream = stream
	go func() {
		defer close(lc.done)
		err := engine.DemuxLogs(stream,
			&limitedWriter{w: stdout, remaining: r.config.MaxOutputBytes},
			&limitedWriter{w: stderr, remaining: r.config.MaxOutputBytes},
		)
		if err != nil && ctx.Err() == nil {
			r.logger.Debug("log stream ended", slog.String("error", err.Error()))
		}
	}()
	return lc
}
