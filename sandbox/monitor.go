package sandbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/runtime"
)

// defaultLimitStrikes is how many consecutive over-limit polls it takes
// before the Monitor kills an execution. A single sample can spike during
// page cache churn; two in a row is a real overrun.
const defaultLimitStrikes = 2

// Monitor is the background watchdog for running executions. On a fixed
// interval it polls every StatusRunning execution: refreshing resource
// usage, terminating executions whose container vanished underneath them,
// and killing executions that hold above their memory limit. CPU has no
// watchdog: the cgroup quota throttles at the limit, so it cannot be
// exceeded. All container calls happen outside the store lock, so a slow
// runtime never stalls the run path.
type Monitor struct {
	logger   *zap.Logger
	engine   *Engine
	interval time.Duration
	strikes  int
}

// MonitorOption defines a functional option for Monitor.
type MonitorOption func(*Monitor)

// WithLimitStrikes sets how many consecutive over-limit polls trigger a kill.
func WithLimitStrikes(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.strikes = n
		}
	}
}

// NewMonitor creates a Monitor polling at the given interval.
func NewMonitor(logger *zap.Logger, engine *Engine, interval time.Duration, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		logger:   logger,
		engine:   engine,
		interval: interval,
		strikes:  defaultLimitStrikes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls until the context is cancelled. Intended to be started in its
// own goroutine by the process lifecycle.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor started", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll inspects every running execution once.
func (m *Monitor) Poll(ctx context.Context) {
	for _, id := range m.engine.store.RunningIDs() {
		m.pollOne(ctx, id)
	}
}

func (m *Monitor) pollOne(ctx context.Context, id string) {
	snap, ok := m.engine.store.Snapshot(id)
	if !ok || snap.ContainerID == "" {
		return
	}

	state, err := m.engine.rt.InspectContainer(ctx, snap.ContainerID)
	if errors.Is(err, runtime.ErrNotFound) {
		m.logger.Warn("container disappeared while running",
			zap.String("execution_id", id),
			zap.String("container_id", snap.ContainerID))
		m.engine.finalize(id, StatusFailed, "container disappeared", nil, "", "")
		m.engine.cleanupAfterFailure(id)
		return
	}
	if err != nil {
		m.logger.Warn("failed to inspect running container",
			zap.String("execution_id", id), zap.Error(err))
		return
	}
	if !state.Running {
		// Exited on its own; the run path's wait collects the result.
		return
	}

	stats, err := m.engine.rt.ContainerStats(ctx, snap.ContainerID)
	if err != nil {
		m.logger.Debug("failed to read container stats",
			zap.String("execution_id", id), zap.Error(err))
		return
	}

	usage := ResourceUsage{
		CPUNanos:       stats.CPUTotalNanos,
		MemoryBytes:    stats.MemoryBytes,
		NetworkRxBytes: stats.NetworkRxBytes,
		NetworkTxBytes: stats.NetworkTxBytes,
	}
	limit := snap.Config.MemoryBytes()
	over := limit > 0 && stats.MemoryBytes > uint64(limit)

	var strikes int
	m.engine.store.Update(id, func(x *Execution) {
		x.Usage = usage
		if over {
			x.limitStrikes++
		} else {
			x.limitStrikes = 0
		}
		strikes = x.limitStrikes
	})
	m.engine.metrics.ObserveUsage(id, usage.CPUNanos, usage.MemoryBytes)

	if over && strikes >= m.strikes {
		m.kill(ctx, id, snap.ContainerID, &ResourceLimitExceededError{
			Resource: "memory",
			Observed: stats.MemoryBytes,
			Limit:    uint64(limit),
		})
	}
}

func (m *Monitor) kill(ctx context.Context, id, containerID string, cause error) {
	m.logger.Warn("killing execution over resource limit",
		zap.String("execution_id", id),
		zap.Error(cause))
	if err := m.engine.rt.KillContainer(ctx, containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		m.logger.Warn("failed to kill container over limit",
			zap.String("execution_id", id), zap.Error(err))
	}
	m.engine.finalize(id, StatusFailed, cause.Error(), nil, "", "")
	m.engine.cleanupAfterFailure(id)
}
