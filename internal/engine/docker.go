package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker implements Client against a real Docker daemon.
type Docker struct {
	cli    *client.Client
	logger *slog.Logger
}

var _ Client = (*Docker)(nil)

// NewDocker connects to the Docker daemon using the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDocker(logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{cli: cli, logger: logger}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}

	var mounts []mount.Mount
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Mounts:      mounts,
		Tmpfs:       spec.Tmpfs,

		// Hardening baseline applied to every container we create.
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: spec.ReadOnlyRootfs,
	}

	if spec.MemoryMB > 0 {
		bytes := spec.MemoryMB * 1024 * 1024
		hostCfg.Resources.Memory = bytes
		// Swap equal to memory disables swap entirely: exceeding the limit
		// means an OOM kill, not silent swapping.
		hostCfg.Resources.MemorySwap = bytes
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) FollowLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching logs for %s: %w", id, err)
	}
	return rc, nil
}

func (d *Docker) WaitContainer(ctx context.Context, id string) <-chan WaitResult {
	out := make(chan WaitResult, 1)
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	go func() {
		select {
		case status := <-statusCh:
			out <- WaitResult{ExitCode: int(status.StatusCode)}
		case err := <-errCh:
			out <- WaitResult{Err: err}
		}
	}()
	return out
}

func (d *Docker) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	state := ContainerState{}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		state.OOMKilled = info.State.OOMKilled
	}
	return state, nil
}

func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Labels:  c.Labels,
			Running: c.State == "running",
			Created: time.Unix(c.Created, 0),
		})
	}
	return infos, nil
}

func (d *Docker) ConnectNetwork(ctx context.Context, network, containerID string) error {
	if err := d.cli.NetworkConnect(ctx, network, containerID, nil); err != nil {
		return fmt.Errorf("connecting container %s to network %s: %w", containerID, network, err)
	}
	return nil
}

func (d *Docker) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting network %s: %w", name, err)
	}
	return true, nil
}

func (d *Docker) EnsureNetwork(ctx context.Context, name string, internal bool) error {
	exists, err := d.NetworkExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = d.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:   "bridge",
		Internal: internal,
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	d.logger.Info("created network", slog.String("network", name), slog.Bool("internal", internal))
	return nil
}

func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return true, nil
}

// DemuxLogs splits a multiplexed container log stream into separate stdout
// and stderr writers. The engine prefixes each chunk with an 8-byte header
// (stream type byte + big-endian length); plain-text splitting would
// interleave the two streams.
func DemuxLogs(src io.Reader, stdout, stderr io.Writer) error {
	_, err := stdcopy.StdCopy(stdout, stderr, src)
	return err
}
