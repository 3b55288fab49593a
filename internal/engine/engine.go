// Package engine wraps the Docker Engine API behind a narrow client
// interface. Components depend on the interface, never on the Docker SDK
// directly, so tests can substitute fakes per run.
package engine

import (
	"context"
	"io"
	"time"
)

// Mount declares a single bind mount for a container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ContainerSpec describes one container to create. The engine applies the
// hardening baseline (cap-drop, no-new-privileges, no swap) on top of it.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Labels     map[string]string
	Mounts     []Mount

	// NetworkMode is "none", "bridge", or the name of a Docker network.
	NetworkMode string

	MemoryMB       int64
	PidsLimit      int64
	ReadOnlyRootfs bool

	// Tmpfs maps container paths to tmpfs mount options.
	Tmpfs map[string]string
}

// WaitResult is the outcome of waiting for a container to stop.
type WaitResult struct {
	ExitCode int
	Err      error
}

// ContainerState is the subset of container inspect data the runner needs.
type ContainerState struct {
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// ContainerInfo identifies one container in a list operation.
type ContainerInfo struct {
	ID      string
	Name    string
	Labels  map[string]string
	Running bool
	Created time.Time
}

// Client is the container engine surface used by the sandbox runner and the
// LLM proxy manager.
type Client interface {
	// CreateContainer creates a container and returns its ID. The container
	// is not started.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a previously created container.
	StartContainer(ctx context.Context, id string) error

	// FollowLogs returns the container's multiplexed stdout/stderr stream.
	// The stream uses the engine's binary framing; callers must demultiplex
	// with DemuxLogs, never split on newlines.
	FollowLogs(ctx context.Context, id string) (io.ReadCloser, error)

	// WaitContainer delivers exactly one WaitResult when the container stops.
	WaitContainer(ctx context.Context, id string) <-chan WaitResult

	// InspectContainer reports the container's current state.
	InspectContainer(ctx context.Context, id string) (ContainerState, error)

	// RemoveContainer force-removes a container. Removing a container that
	// no longer exists is not an error.
	RemoveContainer(ctx context.Context, id string) error

	// ListContainers returns containers matching all given label values,
	// including stopped ones.
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	// ConnectNetwork attaches a created container to an additional network.
	ConnectNetwork(ctx context.Context, network, containerID string) error

	// NetworkExists reports whether a named network exists.
	NetworkExists(ctx context.Context, name string) (bool, error)

	// EnsureNetwork creates a network if it does not exist. Internal
	// networks have no route to the outside world.
	EnsureNetwork(ctx context.Context, name string, internal bool) error

	// ImageExists reports whether an image is available locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	Close() error
}
