package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

// DockerClient implements Client against the Docker Engine API.
type DockerClient struct {
	logger *zap.Logger
	api    *client.Client
}

// NewDockerClient connects to the Docker daemon configured by the
// environment (DOCKER_HOST etc.) with API version negotiation.
func NewDockerClient(logger *zap.Logger) (*DockerClient, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerClient{logger: logger, api: api}, nil
}

func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (d *DockerClient) BuildImage(ctx context.Context, tag string, buildContext io.Reader) (string, error) {
	resp, err := d.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		NoCache:     true,
	})
	if err != nil {
		return "", d.mapErr(err)
	}
	defer resp.Body.Close()

	// The build endpoint streams JSON messages; a message with a non-empty
	// error field means the build failed after the request was accepted.
	var log strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if decodeErr := dec.Decode(&msg); decodeErr != nil {
			if decodeErr == io.EOF {
				break
			}
			return log.String(), fmt.Errorf("failed to read build output: %w", decodeErr)
		}
		if msg.Stream != "" {
			log.WriteString(msg.Stream)
		}
		if msg.Error != "" {
			return log.String(), fmt.Errorf("build failed: %s", msg.Error)
		}
	}
	return log.String(), nil
}

func (d *DockerClient) RemoveImage(ctx context.Context, tag string) error {
	_, err := d.api.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
	return d.mapErr(err)
}

func (d *DockerClient) CreateNetwork(ctx context.Context, name string, internal bool) (string, error) {
	resp, err := d.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   "bridge",
		Internal: internal,
	})
	if err != nil {
		return "", d.mapErr(err)
	}
	return resp.ID, nil
}

func (d *DockerClient) RemoveNetwork(ctx context.Context, networkID string) error {
	return d.mapErr(d.api.NetworkRemove(ctx, networkID))
}

func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg, netCfg, err := dockerSpec(spec)
	if err != nil {
		return "", err
	}
	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", d.mapErr(err)
	}
	return resp.ID, nil
}

func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	return d.mapErr(d.api.ContainerStart(ctx, containerID, container.StartOptions{}))
}

func (d *DockerClient) KillContainer(ctx context.Context, containerID string) error {
	return d.mapErr(d.api.ContainerKill(ctx, containerID, "KILL"))
}

func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string) error {
	return d.mapErr(d.api.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}))
}

func (d *DockerClient) WaitContainer(ctx context.Context, containerID string) (int, error) {
	waitCh, errCh := d.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("container wait failed: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, d.mapErr(err)
	}
}

func (d *DockerClient) InspectContainer(ctx context.Context, containerID string) (ContainerState, error) {
	info, err := d.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerState{}, d.mapErr(err)
	}
	state := ContainerState{Health: HealthNone}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		if info.State.Health != nil {
			state.Health = HealthState(info.State.Health.Status)
		}
	}
	return state, nil
}

func (d *DockerClient) ContainerLogs(ctx context.Context, containerID string) ([]byte, []byte, error) {
	rc, err := d.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, d.mapErr(err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (d *DockerClient) ContainerStats(ctx context.Context, containerID string) (Stats, error) {
	resp, err := d.api.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return Stats{}, d.mapErr(err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("failed to decode container stats: %w", err)
	}
	stats := Stats{
		CPUTotalNanos: raw.CPUStats.CPUUsage.TotalUsage,
		MemoryBytes:   raw.MemoryStats.Usage,
		MemoryLimit:   raw.MemoryStats.Limit,
	}
	for _, nw := range raw.Networks {
		stats.NetworkRxBytes += nw.RxBytes
		stats.NetworkTxBytes += nw.TxBytes
	}
	return stats, nil
}

func (d *DockerClient) AttachContainer(ctx context.Context, containerID string) (*Attach, error) {
	resp, err := d.api.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, d.mapErr(err)
	}

	// The hijacked stream multiplexes stdout/stderr; demultiplex into pipes
	// so callers get two plain readers.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, resp.Reader)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	return &Attach{
		Stdin:  &hijackedWriter{resp: resp},
		Stdout: stdoutR,
		Stderr: stderrR,
		closeFn: func() error {
			resp.Close()
			return nil
		},
	}, nil
}

// hijackedWriter adapts the hijacked connection's write half to io.WriteCloser.
type hijackedWriter struct {
	resp types.HijackedResponse
}

func (w *hijackedWriter) Write(p []byte) (int, error) { return w.resp.Conn.Write(p) }

func (w *hijackedWriter) Close() error { return w.resp.CloseWrite() }

func (d *DockerClient) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

// dockerSpec translates a ContainerSpec into the Docker API shapes. Split out
// so the mapping is testable without a daemon.
func dockerSpec(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	portSet, portMap, err := portBindings(spec.Ports)
	if err != nil {
		return nil, nil, nil, err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          strslice.StrSlice(spec.Cmd),
		Env:          env,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		ExposedPorts: portSet,
		Labels:       spec.Labels,
		OpenStdin:    spec.OpenStdin,
		StdinOnce:    spec.OpenStdin,
	}
	if spec.Health != nil {
		cfg.Healthcheck = &container.HealthConfig{
			Test:        spec.Health.Test,
			Interval:    spec.Health.Interval,
			Timeout:     spec.Health.Timeout,
			StartPeriod: spec.Health.StartPeriod,
			Retries:     spec.Health.Retries,
		}
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    spec.Memory,
			CPUPeriod: spec.CPUPeriod,
			CPUQuota:  spec.CPUQuota,
			Ulimits:   ulimits(spec.Ulimits),
		},
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		SecurityOpt:    spec.SecurityOpt,
		CapDrop:        strslice.StrSlice(spec.CapDrop),
		Sysctls:        spec.Sysctls,
		PortBindings:   portMap,
		Binds:          binds(spec.Volumes),
	}
	if spec.MaxLogBytes > 0 {
		hostCfg.LogConfig = container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": logMaxSize(spec.MaxLogBytes), "max-file": "1"},
		}
	}

	var netCfg *network.NetworkingConfig
	switch {
	case spec.NetworkDisabled:
		hostCfg.NetworkMode = "none"
	case spec.NetworkID != "":
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkID)
		endpoint := &network.EndpointSettings{NetworkID: spec.NetworkID}
		if spec.NetworkAlias != "" {
			endpoint.Aliases = []string{spec.NetworkAlias}
		}
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.NetworkID: endpoint},
		}
	}

	return cfg, hostCfg, netCfg, nil
}

func portBindings(ports []PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	portSet := nat.PortSet{}
	portMap := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprintf("%d", p.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port mapping %d:%d: %w", p.HostPort, p.ContainerPort, err)
		}
		portSet[port] = struct{}{}
		portMap[port] = append(portMap[port], nat.PortBinding{HostPort: fmt.Sprintf("%d", p.HostPort)})
	}
	return portSet, portMap, nil
}

func binds(volumes []VolumeMapping) []string {
	if len(volumes) == 0 {
		return nil
	}
	out := make([]string, 0, len(volumes))
	for _, v := range volumes {
		bind := fmt.Sprintf("%s:%s", v.HostPath, v.ContainerPath)
		if v.ReadOnly {
			bind += ":ro"
		}
		out = append(out, bind)
	}
	return out
}

func ulimits(limits map[string]int64) []*units.Ulimit {
	if len(limits) == 0 {
		return nil
	}
	out := make([]*units.Ulimit, 0, len(limits))
	for name, value := range limits {
		out = append(out, &units.Ulimit{Name: name, Soft: value, Hard: value})
	}
	return out
}

// logMaxSize renders a byte count in the "<n>k" form the json-file log driver
// accepts, rounding up to at least one kilobyte.
func logMaxSize(maxBytes int64) string {
	kb := maxBytes / 1024
	if kb < 1 {
		kb = 1
	}
	return fmt.Sprintf("%dk", kb)
}
