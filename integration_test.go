package integration

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/runtime"
	"github.com/isdmx/runbox/sandbox"
)

// stubRuntime is a canned container runtime so the full stack can run
// without Docker. Every container exits immediately with code 0 and the
// configured output.
type stubRuntime struct {
	mu       sync.Mutex
	stdout   []byte
	nextID   int
	networks map[string]bool
}

func newStubRuntime(stdout string) *stubRuntime {
	return &stubRuntime{stdout: []byte(stdout), networks: make(map[string]bool)}
}

func (s *stubRuntime) Ping(context.Context) error { return nil }

func (s *stubRuntime) BuildImage(_ context.Context, tag string, buildContext io.Reader) (string, error) {
	_, err := io.ReadAll(buildContext)
	return "built " + tag, err
}

func (s *stubRuntime) RemoveImage(context.Context, string) error { return nil }

func (s *stubRuntime) CreateNetwork(_ context.Context, name string, _ bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[name] = true
	return "net-" + name, nil
}

func (s *stubRuntime) RemoveNetwork(context.Context, string) error { return nil }

func (s *stubRuntime) CreateContainer(context.Context, runtime.ContainerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return "ctr-" + string(rune('a'+s.nextID)), nil
}

func (s *stubRuntime) StartContainer(context.Context, string) error { return nil }
func (s *stubRuntime) KillContainer(context.Context, string) error  { return nil }
func (s *stubRuntime) RemoveContainer(context.Context, string) error {
	return nil
}

func (s *stubRuntime) WaitContainer(context.Context, string) (int, error) { return 0, nil }

func (s *stubRuntime) InspectContainer(context.Context, string) (runtime.ContainerState, error) {
	return runtime.ContainerState{Running: true, Health: runtime.Healthy}, nil
}

func (s *stubRuntime) ContainerLogs(context.Context, string) ([]byte, []byte, error) {
	return s.stdout, nil, nil
}

func (s *stubRuntime) ContainerStats(context.Context, string) (runtime.Stats, error) {
	return runtime.Stats{CPUTotalNanos: 1e6, MemoryBytes: 1 << 20}, nil
}

func (s *stubRuntime) AttachContainer(context.Context, string) (*runtime.Attach, error) {
	return &runtime.Attach{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Transport:   "stdio",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Engine: config.EngineConfig{
			BaseDir:            t.TempDir(),
			MonitorIntervalSec: 1,
			ReapIntervalSec:    3600,
			SessionFrameBytes:  65536,
			LimitStrikes:       2,
		},
		Container: config.ContainerConfig{
			MemoryLimit:      "128m",
			CPUPeriod:        100000,
			CPUQuota:         50000,
			NetworkDisabled:  true,
			TimeoutSec:       5,
			MaxOutputBytes:   4096,
			MaxLogBytes:      1 << 20,
			LogRetentionDays: 1,
		},
		Languages: map[string]config.LanguageConfig{
			"python": {Image: "python:3.11-slim", Filename: "main.py", RunCmd: "python /app/main.py"},
			"nodejs": {Image: "node:20-alpine", Filename: "main.js", RunCmd: "node /app/main.js"},
		},
		Logging: config.LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

func buildEngine(t *testing.T, cfg *config.Config, rt runtime.Client) *sandbox.Engine {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := sandbox.NewStore()
	builder := sandbox.NewImageBuilder(log, rt, cfg.Recipes(), cfg.Engine.BaseDir)
	return sandbox.NewEngine(log, rt, store, builder, cfg.Engine.BaseDir)
}

// TestIntegrationConfigLoggerEngine tests the integration between the
// config, logger and sandbox packages
func TestIntegrationConfigLoggerEngine(t *testing.T) {
	t.Run("ConfigAndLoggerIntegration", func(t *testing.T) {
		cfg := testConfig(t)

		// Create logger using config
		testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)
		require.NotNil(t, testLogger)

		// Test that logger works
		testLogger.Info("Integration test started")
		_ = testLogger.Sync()
	})

	t.Run("EngineRunThroughConfigDefaults", func(t *testing.T) {
		cfg := testConfig(t)
		engine := buildEngine(t, cfg, newStubRuntime("hello\n"))

		res, err := engine.Run(context.Background(), sandbox.RunRequest{
			Source: []byte("print('hello')"),
			Config: cfg.ContainerDefaults().WithLanguage("python"),
		})
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusCompleted, res.Status)
		assert.Equal(t, "hello\n", res.Stdout)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)
	})

	t.Run("FullMCPIntegration", func(t *testing.T) {
		cfg := testConfig(t)
		mcpLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)

		engine := buildEngine(t, cfg, newStubRuntime("ok\n"))

		// Create MCP server
		server, err := mcpserver.New(cfg, mcpLogger, engine)
		require.NoError(t, err)
		require.NotNil(t, server)

		// Test that tools are registered
		mcpServer := server.GetMCPServer()
		require.NotNil(t, mcpServer)
	})
}

// TestIntegrationBackgroundLoops verifies the monitor and reaper run
// against the same store the engine writes to
func TestIntegrationBackgroundLoops(t *testing.T) {
	cfg := testConfig(t)
	rt := newStubRuntime("done\n")
	log := zaptest.NewLogger(t)
	store := sandbox.NewStore()
	builder := sandbox.NewImageBuilder(log, rt, cfg.Recipes(), cfg.Engine.BaseDir)
	engine := sandbox.NewEngine(log, rt, store, builder, cfg.Engine.BaseDir)

	res, err := engine.Run(context.Background(), sandbox.RunRequest{
		Source: []byte("print('done')"),
		Config: cfg.ContainerDefaults().WithLanguage("python"),
	})
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusCompleted, res.Status)

	monitor := sandbox.NewMonitor(log, engine, cfg.MonitorInterval(),
		sandbox.WithLimitStrikes(cfg.Engine.LimitStrikes))
	monitor.Poll(context.Background())

	// A completed execution is not reaped before its retention age.
	reaper := sandbox.NewReaper(log, engine, cfg.ReapInterval())
	reaper.Sweep(context.Background())
	got, err := engine.Get(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusCompleted, got.Status)

	// Stopping a finished execution is a no-op for the result but still
	// reclaims resources.
	require.NoError(t, engine.Stop(context.Background(), res.ExecutionID))
}
