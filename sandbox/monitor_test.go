package sandbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/runtime"
)

func runningExecution(store *Store, id string) *Execution {
	exec := &Execution{
		ID:          id,
		Status:      StatusRunning,
		Config:      validContainerConfig(),
		ContainerID: "ctr-" + id,
		StartTime:   time.Now(),
	}
	store.Put(exec)
	return exec
}

func TestMonitorContainerDisappeared(t *testing.T) {
	rt := newFakeRuntime()
	rt.inspectFn = func(string) (runtime.ContainerState, error) {
		return runtime.ContainerState{}, fmt.Errorf("gone: %w", runtime.ErrNotFound)
	}
	engine, store := testEngine(t, rt)
	runningExecution(store, "x")

	monitor := NewMonitor(zaptest.NewLogger(t), engine, time.Second)
	monitor.Poll(context.Background())

	res, ok := store.Result("x")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "container disappeared", res.Error)
	assert.Contains(t, rt.removedContainers, "ctr-x")
}

func TestMonitorMemoryLimit(t *testing.T) {
	rt := newFakeRuntime()
	rt.stats = runtime.Stats{MemoryBytes: 512 * 1024 * 1024} // limit is 256m
	engine, store := testEngine(t, rt)
	runningExecution(store, "x")

	monitor := NewMonitor(zaptest.NewLogger(t), engine, time.Second)

	// First over-limit sample is a strike, not a kill.
	monitor.Poll(context.Background())
	assert.Empty(t, rt.killed)
	snap, _ := store.Snapshot("x")
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, uint64(512*1024*1024), snap.Usage.MemoryBytes)

	// Second consecutive sample kills the execution.
	monitor.Poll(context.Background())
	assert.Contains(t, rt.killed, "ctr-x")

	res, ok := store.Result("x")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "memory limit exceeded")
}

func TestMonitorStrikesResetUnderLimit(t *testing.T) {
	rt := newFakeRuntime()
	rt.stats = runtime.Stats{MemoryBytes: 512 * 1024 * 1024}
	engine, store := testEngine(t, rt)
	runningExecution(store, "x")

	monitor := NewMonitor(zaptest.NewLogger(t), engine, time.Second)
	monitor.Poll(context.Background())

	// Usage drops back under the limit: the strike counter resets.
	rt.stats = runtime.Stats{MemoryBytes: 1 * 1024 * 1024}
	monitor.Poll(context.Background())

	rt.stats = runtime.Stats{MemoryBytes: 512 * 1024 * 1024}
	monitor.Poll(context.Background())
	assert.Empty(t, rt.killed)

	snap, _ := store.Snapshot("x")
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestMonitorRecordsUsage(t *testing.T) {
	rt := newFakeRuntime()
	rt.stats = runtime.Stats{
		CPUTotalNanos:  7e9,
		MemoryBytes:    64 * 1024 * 1024,
		NetworkRxBytes: 100,
		NetworkTxBytes: 200,
	}
	engine, store := testEngine(t, rt)
	runningExecution(store, "x")

	monitor := NewMonitor(zaptest.NewLogger(t), engine, time.Second)
	monitor.Poll(context.Background())

	snap, _ := store.Snapshot("x")
	assert.Equal(t, uint64(7e9), snap.Usage.CPUNanos)
	assert.Equal(t, uint64(64*1024*1024), snap.Usage.MemoryBytes)
	assert.Equal(t, uint64(100), snap.Usage.NetworkRxBytes)
	assert.Equal(t, uint64(200), snap.Usage.NetworkTxBytes)
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestMonitorIgnoresExitedContainers(t *testing.T) {
	rt := newFakeRuntime()
	rt.inspectFn = func(string) (runtime.ContainerState, error) {
		return runtime.ContainerState{Running: false, ExitCode: 0}, nil
	}
	engine, store := testEngine(t, rt)
	runningExecution(store, "x")

	monitor := NewMonitor(zaptest.NewLogger(t), engine, time.Second)
	monitor.Poll(context.Background())

	// The run path owns normal exits; the monitor leaves them alone.
	_, ok := store.Result("x")
	assert.False(t, ok)
	snap, _ := store.Snapshot("x")
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestMonitorCustomStrikes(t *testing.T) {
	rt := newFakeRuntime()
	rt.stats = runtime.Stats{MemoryBytes: 512 * 1024 * 1024}
	engine, store := testEngine(t, rt)
	runningExecution(store, "x")

	monitor := NewMonitor(zaptest.NewLogger(t), engine, time.Second, WithLimitStrikes(3))
	monitor.Poll(context.Background())
	monitor.Poll(context.Background())
	assert.Empty(t, rt.killed)

	monitor.Poll(context.Background())
	assert.Contains(t, rt.killed, "ctr-x")
	_, ok := store.Result("x")
	assert.True(t, ok)
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	engine, _ := testEngine(t, newFakeRuntime())
	monitor := NewMonitor(zaptest.NewLogger(t), engine, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
