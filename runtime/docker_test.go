package runtime

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDockerSpec(t *testing.T) {
	t.Run("FullSpec", func(t *testing.T) {
		spec := ContainerSpec{
			Name:       "runbox-x-main",
			Image:      "runbox/python:x",
			WorkingDir: "/app",
			Env:        map[string]string{"KEY": "value"},

			NetworkID:    "net-1",
			NetworkAlias: "db",

			Memory:    256 * 1024 * 1024,
			CPUPeriod: 100000,
			CPUQuota:  50000,

			ReadOnlyRootfs: true,
			SecurityOpt:    []string{"no-new-privileges"},
			CapDrop:        []string{"ALL"},
			Ulimits:        map[string]int64{"nofile": 1024},
			Sysctls:        map[string]string{"net.ipv4.ip_unprivileged_port_start": "1024"},

			MaxLogBytes: 10 * 1024 * 1024,
			OpenStdin:   true,
			Labels:      map[string]string{"runbox.execution": "x"},
		}

		cfg, hostCfg, netCfg, err := dockerSpec(spec)
		require.NoError(t, err)

		assert.Equal(t, "runbox/python:x", cfg.Image)
		assert.Equal(t, "/app", cfg.WorkingDir)
		assert.Equal(t, []string{"KEY=value"}, cfg.Env)
		assert.True(t, cfg.OpenStdin)
		assert.True(t, cfg.StdinOnce)
		assert.Equal(t, "x", cfg.Labels["runbox.execution"])

		assert.Equal(t, int64(256*1024*1024), hostCfg.Resources.Memory)
		assert.Equal(t, int64(100000), hostCfg.Resources.CPUPeriod)
		assert.Equal(t, int64(50000), hostCfg.Resources.CPUQuota)
		assert.True(t, hostCfg.ReadonlyRootfs)
		assert.Equal(t, []string{"no-new-privileges"}, hostCfg.SecurityOpt)
		assert.Contains(t, hostCfg.CapDrop, "ALL")
		require.Len(t, hostCfg.Resources.Ulimits, 1)
		assert.Equal(t, "nofile", hostCfg.Resources.Ulimits[0].Name)
		assert.Equal(t, int64(1024), hostCfg.Resources.Ulimits[0].Soft)
		assert.Equal(t, int64(1024), hostCfg.Resources.Ulimits[0].Hard)
		assert.Equal(t, "10240k", hostCfg.LogConfig.Config["max-size"])

		assert.Equal(t, container.NetworkMode("net-1"), hostCfg.NetworkMode)
		require.NotNil(t, netCfg)
		endpoint := netCfg.EndpointsConfig["net-1"]
		require.NotNil(t, endpoint)
		assert.Equal(t, []string{"db"}, endpoint.Aliases)
	})

	t.Run("NetworkDisabled", func(t *testing.T) {
		spec := ContainerSpec{Name: "x", Image: "img", NetworkDisabled: true}

		_, hostCfg, netCfg, err := dockerSpec(spec)
		require.NoError(t, err)
		assert.Equal(t, container.NetworkMode("none"), hostCfg.NetworkMode)
		assert.Nil(t, netCfg)
	})

	t.Run("HealthProbe", func(t *testing.T) {
		spec := ContainerSpec{
			Name:  "db",
			Image: "postgres:16",
			Health: &HealthProbe{
				Test:        []string{"CMD-SHELL", "pg_isready"},
				Interval:    2 * time.Second,
				Timeout:     5 * time.Second,
				StartPeriod: time.Second,
				Retries:     5,
			},
		}

		cfg, _, _, err := dockerSpec(spec)
		require.NoError(t, err)
		require.NotNil(t, cfg.Healthcheck)
		assert.Equal(t, []string{"CMD-SHELL", "pg_isready"}, cfg.Healthcheck.Test)
		assert.Equal(t, 2*time.Second, cfg.Healthcheck.Interval)
		assert.Equal(t, 5, cfg.Healthcheck.Retries)
	})

	t.Run("NoLogCapWithoutMaxBytes", func(t *testing.T) {
		_, hostCfg, _, err := dockerSpec(ContainerSpec{Name: "x", Image: "img"})
		require.NoError(t, err)
		assert.Empty(t, hostCfg.LogConfig.Type)
	})
}

func TestPortBindings(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		portSet, portMap, err := portBindings(nil)
		require.NoError(t, err)
		assert.Nil(t, portSet)
		assert.Nil(t, portMap)
	})

	t.Run("DefaultsToTCP", func(t *testing.T) {
		portSet, portMap, err := portBindings([]PortMapping{
			{HostPort: 8080, ContainerPort: 80},
			{HostPort: 5353, ContainerPort: 53, Protocol: "udp"},
		})
		require.NoError(t, err)

		tcp, err := nat.NewPort("tcp", "80")
		require.NoError(t, err)
		udp, err := nat.NewPort("udp", "53")
		require.NoError(t, err)

		assert.Contains(t, portSet, tcp)
		assert.Contains(t, portSet, udp)
		require.Len(t, portMap[tcp], 1)
		assert.Equal(t, "8080", portMap[tcp][0].HostPort)
	})
}

func TestBinds(t *testing.T) {
	assert.Nil(t, binds(nil))
	assert.Equal(t,
		[]string{"/data:/var/lib/data", "/conf:/etc/conf:ro"},
		binds([]VolumeMapping{
			{HostPath: "/data", ContainerPath: "/var/lib/data"},
			{HostPath: "/conf", ContainerPath: "/etc/conf", ReadOnly: true},
		}))
}

func TestLogMaxSize(t *testing.T) {
	assert.Equal(t, "1k", logMaxSize(100))
	assert.Equal(t, "1k", logMaxSize(1024))
	assert.Equal(t, "10240k", logMaxSize(10*1024*1024))
}

func TestAttachCloseIdempotent(t *testing.T) {
	calls := 0
	a := &Attach{closeFn: func() error { calls++; return nil }}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, calls)

	var zero Attach
	assert.NoError(t, zero.Close())
}
