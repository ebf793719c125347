package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper evicts executions once their retention period has passed,
// reclaiming any resources a crashed or interrupted cleanup left behind.
// Retention is per-execution, taken from its container config, and applies
// to stuck non-terminal records too so an abandoned execution cannot leak
// its containers and workdir forever.
type Reaper struct {
	logger   *zap.Logger
	engine   *Engine
	interval time.Duration
	now      func() time.Time
}

// NewReaper creates a Reaper sweeping at the given interval.
func NewReaper(logger *zap.Logger, engine *Engine, interval time.Duration) *Reaper {
	return &Reaper{
		logger:   logger,
		engine:   engine,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled. Intended to be started in its
// own goroutine by the process lifecycle.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts every execution past its retention age. Age is measured
// from the end of the run, falling back to its start for records that
// never finished; retention is days while run timeouts are seconds, so a
// non-terminal record that old is stuck, not still running.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.now()
	for _, exec := range r.engine.store.Executions() {
		ref := exec.EndTime
		if ref.IsZero() {
			ref = exec.StartTime
		}
		age := now.Sub(ref)
		if age < exec.Config.Retention() {
			continue
		}
		if err := r.engine.Cleanup(ctx, exec.ID); err != nil {
			r.logger.Warn("reaper cleanup reported errors",
				zap.String("execution_id", exec.ID), zap.Error(err))
		}
		r.engine.store.Delete(exec.ID)
		r.engine.metrics.ForgetExecution(exec.ID)
		r.logger.Info("execution reaped",
			zap.String("execution_id", exec.ID),
			zap.Duration("age", age))
	}
}
