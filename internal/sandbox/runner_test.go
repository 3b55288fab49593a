package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/engine"
)

// fakeEngine is an in-memory engine.Client with scriptable outcomes.
type fakeEngine struct {
	mu sync.Mutex

	images   map[string]bool
	networks map[string]bool

	created []engine.ContainerSpec
	removed []string

	createErr error
	startErr  error

	// wait is delivered to WaitContainer; nil means the container never
	// stops on its own (used for timeout tests).
	wait  *engine.WaitResult
	state engine.ContainerState

	// logs is a pre-framed multiplexed log stream. stream, when set,
	// takes precedence and is handed out as-is.
	logs   []byte
	stream io.ReadCloser
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:   map[string]bool{"ngome-runtime:latest": true},
		networks: map[string]bool{"ngome-internal": true},
		wait:     &engine.WaitResult{ExitCode: 0},
	}
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return "ctr-" + spec.Name, nil
}

func (f *fakeEngine) StartContainer(context.Context, string) error {
	return f.startErr
}

func (f *fakeEngine) FollowLogs(context.Context, string) (io.ReadCloser, error) {
	if f.stream != nil {
		return f.stream, nil
	}
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeEngine) WaitContainer(context.Context, string) <-chan engine.WaitResult {
	ch := make(chan engine.WaitResult, 1)
	if f.wait != nil {
		ch <- *f.wait
	}
	return ch
}

func (f *fakeEngine) InspectContainer(context.Context, string) (engine.ContainerState, error) {
	return f.state, nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) ListContainers(context.Context, map[string]string) ([]engine.ContainerInfo, error) {
	return nil, nil
}

func (f *fakeEngine) ConnectNetwork(context.Context, string, string) error { return nil }

func (f *fakeEngine) NetworkExists(_ context.Context, name string) (bool, error) {
	return f.networks[name], nil
}

func (f *fakeEngine) EnsureNetwork(_ context.Context, name string, _ bool) error {
	f.networks[name] = true
	return nil
}

func (f *fakeEngine) ImageExists(_ context.Context, ref string) (bool, error) {
	return f.images[ref], nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func (f *fakeEngine) lastSpec(t *testing.T) engine.ContainerSpec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		t.Fatal("no container was created")
	}
	return f.created[len(f.created)-1]
}

// muxFrame builds one frame of the engine's multiplexed log framing:
// stream type byte, three zero bytes, big-endian payload length, payload.
func muxFrame(stream byte, payload string) []byte {
	buf := make([]byte, 8+len(payload))
	buf[0] = stream
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest(runID string) RunRequest {
	return RunRequest{
		RunID:         runID,
		WorkspacePath: "/tmp/ws",
		Image:         "ngome-runtime:latest",
		Argv:          []string{"echo", "hello"},
		Network:       NetworkPolicy{Mode: NetworkNone},
	}
}

func TestRunOnce_Success(t *testing.T) {
	eng := newFakeEngine()
	eng.logs = append(muxFrame(1, "out line\n"), muxFrame(2, "err line\n")...)
	r := NewRunner(eng, Config{}, testLogger())

	result, err := r.RunOnce(context.Background(), testRequest("r1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.OK {
		t.Errorf("ok = false, want true")
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "out line\n" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "out line\n")
	}
	if result.Stderr != "err line\n" {
		t.Errorf("stderr = %q, want %q", result.Stderr, "err line\n")
	}
	if eng.removedCount() != 1 {
		t.Errorf("removed %d containers, want 1", eng.removedCount())
	}
}

func TestRunOnce_NonZeroExit(t *testing.T) {
	eng := newFakeEngine()
	eng.wait = &engine.WaitResult{ExitCode: 42}
	r := NewRunner(eng, Config{}, testLogger())

	result, err := r.RunOnce(context.Background(), testRequest("r2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK {
		t.Error("ok = true, want false for nonzero exit")
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
	if result.ErrorCode != "" {
		t.Errorf("error code = %q, want empty", result.ErrorCode)
	}
}

func TestRunOnce_Timeout(t *testing.T) {
	eng := newFakeEngine()
	eng.wait = nil // container never stops on its own
	r := NewRunner(eng, Config{}, testLogger())

	req := testRequest("r3")
	req.Limits.MaxRuntimeSec = 1

	start := time.Now()
	result, err := r.RunOnce(context.Background(), req)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK {
		t.Error("ok = true, want false on timeout")
	}
	if result.ErrorCode != ErrorTimeout {
		t.Errorf("error code = %q, want %q", result.ErrorCode, ErrorTimeout)
	}
	if elapsed > 4*time.Second {
		t.Errorf("run took %s, want bounded grace after the 1s deadline", elapsed)
	}
	// Kill + deferred cleanup both go through RemoveContainer.
	if eng.removedCount() < 1 {
		t.Error("timed-out container was not removed")
	}
}

func TestRunOnce_OOM(t *testing.T) {
	eng := newFakeEngine()
	eng.wait = &engine.WaitResult{ExitCode: 137}
	eng.state = engine.ContainerState{OOMKilled: true, ExitCode: 137}
	r := NewRunner(eng, Config{}, testLogger())

	result, err := r.RunOnce(context.Background(), testRequest("r4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OK {
		t.Error("ok = true, want false on OOM")
	}
	if result.ErrorCode != ErrorOOM {
		t.Errorf("error code = %q, want %q", result.ErrorCode, ErrorOOM)
	}
}

func TestRunOnce_MissingImageIsSetupError(t *testing.T) {
	eng := newFakeEngine()
	r := NewRunner(eng, Config{}, testLogger())

	req := testRequest("r5")
	req.Image = "nope:latest"

	if _, err := r.RunOnce(context.Background(), req); err == nil {
		t.Fatal("expected setup error for missing image")
	}
	if len(eng.created) != 0 {
		t.Error("no container should be created when the image is missing")
	}
}

func TestRunOnce_MissingInternalNetworkIsSetupError(t *testing.T) {
	eng := newFakeEngine()
	r := NewRunner(eng, Config{}, testLogger())

	req := testRequest("r6")
	req.Network = NetworkPolicy{Mode: NetworkInternal, NetworkName: "does-not-exist"}

	if _, err := r.RunOnce(context.Background(), req); err == nil {
		t.Fatal("expected setup error for missing internal network")
	}
}

func TestRunOnce_CleanupOnStartFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = fmt.Errorf("daemon unavailable")
	r := NewRunner(eng, Config{}, testLogger())

	if _, err := r.RunOnce(context.Background(), testRequest("r7")); err == nil {
		t.Fatal("expected error when start fails")
	}
	if eng.removedCount() != 1 {
		t.Errorf("removed %d containers, want 1 even when start failed", eng.removedCount())
	}
}

func TestRunOnce_SpecReflectsRequest(t *testing.T) {
	eng := newFakeEngine()
	r := NewRunner(eng, Config{}, testLogger())

	req := testRequest("r8")
	req.Limits.MaxMemoryMB = 128
	req.Mounts = []Mount{
		{HostPath: "/data/in", ContainerPath: "/repo", Mode: "ro"},
		{HostPath: "/data/out", ContainerPath: "/out", Mode: "rw"},
	}
	req.LLMProxy = &LLMProxy{
		Enabled: true,
		Env:     map[string]string{"NGOME_MODEL": "small-1"},
	}

	if _, err := r.RunOnce(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spec := eng.lastSpec(t)
	if spec.NetworkMode != "none" {
		t.Errorf("network mode = %q, want none", spec.NetworkMode)
	}
	if spec.MemoryMB != 128 {
		t.Errorf("memory = %d MB, want 128", spec.MemoryMB)
	}
	if !spec.ReadOnlyRootfs {
		t.Error("rootfs should be read-only")
	}
	if spec.Labels[engine.LabelRunID] != "r8" {
		t.Errorf("run id label = %q, want r8", spec.Labels[engine.LabelRunID])
	}
	if spec.Labels[engine.LabelComponent] != engine.ComponentSandbox {
		t.Errorf("component label = %q", spec.Labels[engine.LabelComponent])
	}

	// Workspace rw, /repo ro, /out rw.
	if len(spec.Mounts) != 3 {
		t.Fatalf("mounts = %d, want 3", len(spec.Mounts))
	}
	if spec.Mounts[0].ContainerPath != WorkspaceMountPath || spec.Mounts[0].ReadOnly {
		t.Errorf("workspace mount wrong: %+v", spec.Mounts[0])
	}
	if !spec.Mounts[1].ReadOnly {
		t.Error("ro mount not read-only at the engine level")
	}
	if spec.Mounts[2].ReadOnly {
		t.Error("rw mount should be writable")
	}

	foundModel := false
	for _, e := range spec.Env {
		if e == "NGOME_MODEL=small-1" {
			foundModel = true
		}
		if strings.Contains(e, "API_KEY") || strings.Contains(e, "SECRET") {
			t.Errorf("credential-looking env leaked into sandbox: %s", e)
		}
	}
	if !foundModel {
		t.Error("model-selection env var missing from container env")
	}
}

// followStream produces framed output indefinitely, like a follow-mode log
// stream that outlives its container. It ends only when closed.
type followStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *followStream) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	return copy(p, muxFrame(1, "tick ")), nil
}

func (s *followStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *followStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// The container exits immediately while its log stream keeps producing.
// The runner must end the capture before it assembles the result; output
// buffers may not be touched by both sides at once.
func TestRunOnce_EndsLogCaptureBeforeReadingOutput(t *testing.T) {
	eng := newFakeEngine()
	stream := &followStream{}
	eng.stream = stream
	r := NewRunner(eng, Config{}, testLogger())

	result, err := r.RunOnce(context.Background(), testRequest("r10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stream.isClosed() {
		t.Error("log stream still open after the result was assembled")
	}
	if rest := strings.ReplaceAll(result.Stdout, "tick ", ""); rest != "" {
		t.Errorf("captured output corrupted: %q", result.Stdout)
	}
}

func TestRunOnce_InvalidMountMode(t *testing.T) {
	eng := newFakeEngine()
	r := NewRunner(eng, Config{}, testLogger())

	req := testRequest("r9")
	req.Mounts = []Mount{{HostPath: "/x", ContainerPath: "/y", Mode: "rwx"}}

	if _, err := r.RunOnce(context.Background(), req); err == nil {
		t.Fatal("expected error for invalid mount mode")
	}
}
