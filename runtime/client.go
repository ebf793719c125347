package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound marks a container, network, or image that no longer exists.
// Cleanup paths treat it as success; implementations must wrap it so
// errors.Is works.
var ErrNotFound = errors.New("not found")

// ErrUnavailable marks the runtime daemon itself being unreachable.
var ErrUnavailable = errors.New("container runtime unavailable")

// HealthState mirrors the runtime's view of a container health probe.
type HealthState string

const (
	HealthNone     HealthState = "none"
	HealthStarting HealthState = "starting"
	Healthy        HealthState = "healthy"
	Unhealthy      HealthState = "unhealthy"
)

// PortMapping publishes one container port on the host.
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string // "tcp" when empty
}

// VolumeMapping binds one host path into a container.
type VolumeMapping struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// HealthProbe is a runtime-native readiness probe.
type HealthProbe struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

// ContainerSpec is everything needed to create one container. The engine
// fills it verbatim from its policy types; implementations must not apply
// defaults beyond what the underlying runtime requires.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
	User       string

	NetworkID       string
	NetworkAlias    string
	NetworkDisabled bool

	Memory    int64
	CPUPeriod int64
	CPUQuota  int64

	ReadOnlyRootfs bool
	SecurityOpt    []string
	CapDrop        []string
	Ulimits        map[string]int64
	Sysctls        map[string]string

	Ports   []PortMapping
	Volumes []VolumeMapping
	Health  *HealthProbe

	MaxLogBytes int64
	OpenStdin   bool
	Labels      map[string]string
}

// ContainerState is a point-in-time snapshot of one container.
type ContainerState struct {
	Running  bool
	ExitCode int
	Health   HealthState
}

// Stats is a point-in-time resource usage snapshot.
type Stats struct {
	CPUTotalNanos  uint64
	MemoryBytes    uint64
	MemoryLimit    uint64
	NetworkRxBytes uint64
	NetworkTxBytes uint64
}

// Attach is a live hijacked I/O connection to a container.
type Attach struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	closeFn func() error
}

// Close releases the attached streams. Safe to call more than once.
func (a *Attach) Close() error {
	if a.closeFn == nil {
		return nil
	}
	fn := a.closeFn
	a.closeFn = nil
	return fn()
}

// Client is the runtime boundary the engine programs against.
type Client interface {
	// Ping verifies the runtime daemon is reachable.
	Ping(ctx context.Context) error

	// BuildImage builds an image tagged tag from a tar build context and
	// returns the captured build log.
	BuildImage(ctx context.Context, tag string, buildContext io.Reader) (string, error)
	RemoveImage(ctx context.Context, tag string) error

	CreateNetwork(ctx context.Context, name string, internal bool) (string, error)
	RemoveNetwork(ctx context.Context, networkID string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	// KillContainer delivers SIGKILL; it never attempts a graceful stop.
	KillContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error

	// WaitContainer blocks until the container stops and returns its exit
	// code. Context cancellation aborts the wait, not the container.
	WaitContainer(ctx context.Context, containerID string) (int, error)
	InspectContainer(ctx context.Context, containerID string) (ContainerState, error)

	// ContainerLogs returns the demultiplexed stdout and stderr captured so
	// far.
	ContainerLogs(ctx context.Context, containerID string) (stdout, stderr []byte, err error)
	ContainerStats(ctx context.Context, containerID string) (Stats, error)

	AttachContainer(ctx context.Context, containerID string) (*Attach, error)
}
