package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/runtime"
)

// ErrExecutionNotFound is returned by Get and Stop for unknown execution IDs.
var ErrExecutionNotFound = errors.New("execution not found")

// cleanupGrace bounds how long error-path cleanup may take once the caller's
// context is gone.
const cleanupGrace = 30 * time.Second

// RunRequest is one request to execute source code under a policy.
type RunRequest struct {
	Source       []byte
	Config       ContainerConfig
	Dependencies []ContainerDependency
}

// Engine runs untrusted code in per-execution container sandboxes. One
// goroutine per in-flight execution drives build, startup, the timed run and
// cleanup; all shared state lives in the Store.
type Engine struct {
	logger  *zap.Logger
	rt      runtime.Client
	store   *Store
	builder *ImageBuilder
	fs      FileSystem
	metrics Recorder
	baseDir string
}

// EngineOption defines a functional option for Engine.
type EngineOption func(*Engine)

// WithEngineFileSystem sets the FileSystem for Engine.
func WithEngineFileSystem(fs FileSystem) EngineOption {
	return func(e *Engine) {
		e.fs = fs
	}
}

// WithRecorder sets the telemetry Recorder for Engine.
func WithRecorder(rec Recorder) EngineOption {
	return func(e *Engine) {
		e.metrics = rec
	}
}

// NewEngine creates an Engine. baseDir is the root for per-execution working
// directories and build contexts.
func NewEngine(logger *zap.Logger, rt runtime.Client, store *Store, builder *ImageBuilder, baseDir string, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:  logger,
		rt:      rt,
		store:   store,
		builder: builder,
		fs:      RealFileSystem{},
		metrics: NopRecorder{},
		baseDir: baseDir,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Healthy reports whether the container runtime is reachable. Failure is
// fatal for the whole engine, not one execution, and should surface through
// process health checks.
func (e *Engine) Healthy(ctx context.Context) error {
	if err := e.rt.Ping(ctx); err != nil {
		return &RuntimeUnavailableError{Err: err}
	}
	return nil
}

// Run executes one request end to end and returns its result. Validation
// failures are rejected before any side effect with a typed error and no
// stored record; every later failure is recorded as a failed result and
// returned together with its typed cause.
func (e *Engine) Run(ctx context.Context, req RunRequest) (Result, error) {
	if len(req.Source) == 0 {
		return Result{}, &ValidationError{Reason: "source must not be empty"}
	}
	if err := req.Config.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := e.builder.Recipe(req.Config.Language); err != nil {
		return Result{}, err
	}
	ordered, err := BuildStartOrder(req.Dependencies)
	if err != nil {
		return Result{}, err
	}

	id := uuid.NewString()
	exec := &Execution{
		ID:           id,
		Status:       StatusCreated,
		Config:       req.Config,
		Dependencies: ordered,
		WorkDir:      filepath.Join(e.baseDir, id),
		StartTime:    time.Now(),
	}
	e.store.Put(exec)
	e.metrics.ExecutionStarted()

	e.logger.Info("execution created",
		zap.String("execution_id", id),
		zap.String("language", req.Config.Language),
		zap.Int("dependencies", len(ordered)))

	return e.execute(ctx, id, req.Source)
}

// Get returns the stored result for an execution, synthesizing an in-flight
// result for executions that have not finished yet.
func (e *Engine) Get(id string) (Result, error) {
	if res, ok := e.store.Result(id); ok {
		return res, nil
	}
	snap, ok := e.store.Snapshot(id)
	if !ok {
		return Result{}, ErrExecutionNotFound
	}
	return Result{
		ExecutionID: snap.ID,
		Status:      snap.Status,
		StartTime:   snap.StartTime,
		EndTime:     snap.EndTime,
		Usage:       snap.Usage,
		Error:       snap.Error,
	}, nil
}

// Stop terminates an execution on caller request. A run in progress
// terminates as failed ("stopped by caller"); afterwards all resources are
// reclaimed and the record is evicted. Safe to race with the run path and
// with the Monitor: cleanup is idempotent.
func (e *Engine) Stop(ctx context.Context, id string) error {
	snap, ok := e.store.Snapshot(id)
	if !ok {
		return ErrExecutionNotFound
	}
	live := e.store.MarkStopped(id)
	if live {
		if snap.ContainerID != "" {
			if err := e.rt.KillContainer(ctx, snap.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
				e.logger.Warn("failed to kill container on stop",
					zap.String("execution_id", id), zap.Error(err))
			}
		}
		e.metrics.ExecutionFinished(StatusFailed, time.Since(snap.StartTime))
	}
	if err := e.Cleanup(ctx, id); err != nil {
		e.logger.Warn("cleanup on stop reported errors", zap.String("execution_id", id), zap.Error(err))
	}
	e.store.Delete(id)
	e.metrics.ForgetExecution(id)
	e.logger.Info("execution stopped and evicted", zap.String("execution_id", id))
	return nil
}

func (e *Engine) execute(ctx context.Context, id string, source []byte) (Result, error) {
	snap, _ := e.store.Snapshot(id)

	e.store.Transition(id, StatusBuilding)
	tag, err := e.builder.Build(ctx, id, snap.Config.Language, source)
	if err != nil {
		return e.fail(ctx, id, err)
	}
	e.store.Update(id, func(x *Execution) { x.ImageTag = tag })

	e.store.Transition(id, StatusStarting)
	if err := e.startNetwork(ctx, id); err != nil {
		return e.fail(ctx, id, err)
	}
	if err := e.startDependencies(ctx, id); err != nil {
		return e.fail(ctx, id, err)
	}

	containerID, err := e.startMain(ctx, id, tag)
	if err != nil {
		return e.fail(ctx, id, err)
	}
	e.store.Transition(id, StatusRunning)
	e.logger.Info("execution running",
		zap.String("execution_id", id),
		zap.String("container_id", containerID))

	return e.awaitCompletion(ctx, id, containerID)
}

func (e *Engine) startNetwork(ctx context.Context, id string) error {
	snap, _ := e.store.Snapshot(id)
	// A fully network-disabled execution with no dependencies needs no
	// network at all; the main container runs with networking off. With
	// dependencies the isolated network is created internal-only so the
	// containers can reach each other but not the outside.
	if snap.Config.NetworkDisabled && len(snap.Dependencies) == 0 {
		return nil
	}
	netID, err := e.rt.CreateNetwork(ctx, "runbox-"+id, snap.Config.NetworkDisabled)
	if err != nil {
		return fmt.Errorf("failed to create execution network: %w", err)
	}
	e.store.Update(id, func(x *Execution) { x.NetworkID = netID })
	return nil
}

func (e *Engine) startDependencies(ctx context.Context, id string) error {
	snap, _ := e.store.Snapshot(id)
	for _, dep := range snap.Dependencies {
		containerID, err := e.rt.CreateContainer(ctx, e.dependencySpec(snap, dep))
		if err != nil {
			return fmt.Errorf("failed to create dependency %q: %w", dep.Name, err)
		}
		e.store.Update(id, func(x *Execution) {
			x.DependencyContainerIDs = append(x.DependencyContainerIDs, containerID)
		})
		if err := e.rt.StartContainer(ctx, containerID); err != nil {
			return fmt.Errorf("failed to start dependency %q: %w", dep.Name, err)
		}
		e.logger.Debug("dependency started",
			zap.String("execution_id", id),
			zap.String("dependency", dep.Name),
			zap.String("container_id", containerID))
		if dep.Health != nil {
			if err := e.waitHealthy(ctx, dep, containerID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) startMain(ctx context.Context, id, tag string) (string, error) {
	snap, _ := e.store.Snapshot(id)
	containerID, err := e.rt.CreateContainer(ctx, e.mainSpec(snap, tag))
	if err != nil {
		return "", fmt.Errorf("failed to create main container: %w", err)
	}
	e.store.Update(id, func(x *Execution) { x.ContainerID = containerID })
	if err := e.rt.StartContainer(ctx, containerID); err != nil {
		return "", fmt.Errorf("failed to start main container: %w", err)
	}
	return containerID, nil
}

func (e *Engine) awaitCompletion(ctx context.Context, id, containerID string) (Result, error) {
	snap, _ := e.store.Snapshot(id)
	timeout := snap.Config.Timeout()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, waitErr := e.rt.WaitContainer(runCtx, containerID)

	if runCtx.Err() == context.DeadlineExceeded {
		killCtx, killCancel := context.WithTimeout(context.Background(), cleanupGrace)
		defer killCancel()
		if err := e.rt.KillContainer(killCtx, containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			e.logger.Warn("failed to kill container after timeout",
				zap.String("execution_id", id), zap.Error(err))
		}
		timeoutErr := &ExecutionTimeoutError{Timeout: timeout}
		stdout, stderr := e.collectOutput(killCtx, id, containerID)
		res := e.finalize(id, StatusTimedOut, timeoutErr.Error(), nil, stdout, stderr)
		e.cleanupAfterFailure(id)
		return res, timeoutErr
	}

	if e.store.ConsumeStopped(id) {
		stopErr := errors.New("stopped by caller")
		res := e.finalize(id, StatusFailed, stopErr.Error(), nil, "", "")
		return res, stopErr
	}

	if waitErr != nil {
		return e.fail(ctx, id, fmt.Errorf("failed to wait for container: %w", waitErr))
	}

	outCtx, outCancel := context.WithTimeout(context.Background(), cleanupGrace)
	defer outCancel()
	stdout, stderr := e.collectOutput(outCtx, id, containerID)
	e.snapshotUsage(outCtx, id, containerID)

	if exitCode == 0 {
		res := e.finalize(id, StatusCompleted, "", &exitCode, stdout, stderr)
		return res, nil
	}
	exitErr := fmt.Errorf("process exited with code %d", exitCode)
	res := e.finalize(id, StatusFailed, exitErr.Error(), &exitCode, stdout, stderr)
	e.cleanupAfterFailure(id)
	return res, exitErr
}

// fail records a failed result for a typed cause and cleans up everything
// started so far.
func (e *Engine) fail(ctx context.Context, id string, cause error) (Result, error) {
	e.logger.Warn("execution failed",
		zap.String("execution_id", id),
		zap.Error(cause))
	res := e.finalize(id, StatusFailed, cause.Error(), nil, "", "")
	e.cleanupAfterFailure(id)
	return res, cause
}

// finalize records the terminal status and stores the immutable result. If a
// concurrent finalizer (Monitor, Stop) already terminated the execution its
// status and error win.
func (e *Engine) finalize(id string, status Status, errMsg string, exitCode *int, stdout, stderr string) Result {
	if e.store.ConsumeStopped(id) {
		status = StatusFailed
		errMsg = "stopped by caller"
	}
	now := time.Now()
	record := false
	e.store.Update(id, func(x *Execution) {
		if !x.Status.Terminal() {
			x.Status = status
			x.Error = errMsg
		}
		if x.EndTime.IsZero() {
			x.EndTime = now
		}
		if exitCode != nil {
			code := *exitCode
			x.ExitCode = &code
		}
		if !x.finished {
			x.finished = true
			record = true
		}
	})
	snap, ok := e.store.Snapshot(id)
	if !ok {
		// Evicted by a concurrent Stop; return the result to the caller
		// without storing it.
		snap = Execution{ID: id, Status: status, Error: errMsg, StartTime: now, EndTime: now, ExitCode: exitCode}
	}
	res := Result{
		ExecutionID: id,
		Status:      snap.Status,
		Stdout:      stdout,
		Stderr:      stderr,
		ExitCode:    snap.ExitCode,
		Error:       snap.Error,
		StartTime:   snap.StartTime,
		EndTime:     snap.EndTime,
		Usage:       snap.Usage,
	}
	e.store.PutResult(res)
	if record {
		e.metrics.ExecutionFinished(res.Status, res.EndTime.Sub(res.StartTime))
	}
	e.logger.Info("execution finished",
		zap.String("execution_id", id),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.EndTime.Sub(res.StartTime)))
	return res
}

func (e *Engine) cleanupAfterFailure(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupGrace)
	defer cancel()
	if err := e.Cleanup(ctx, id); err != nil {
		e.logger.Warn("cleanup after failure reported errors",
			zap.String("execution_id", id), zap.Error(err))
	}
}

// Cleanup reclaims every resource an execution created, in reverse creation
// order: containers, then the network, then filesystem artifacts. It is
// idempotent and treats "already removed" as success at every step, so the
// engine's error path, Stop, the Monitor and the Reaper can all race on it
// harmlessly.
func (e *Engine) Cleanup(ctx context.Context, id string) error {
	snap, ok := e.store.Snapshot(id)
	if !ok || snap.cleaned {
		return nil
	}

	var errs []error
	tolerate := func(step string, err error) {
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	if snap.ContainerID != "" {
		tolerate("remove main container", e.rt.RemoveContainer(ctx, snap.ContainerID))
	}
	for i := len(snap.DependencyContainerIDs) - 1; i >= 0; i-- {
		tolerate("remove dependency container", e.rt.RemoveContainer(ctx, snap.DependencyContainerIDs[i]))
	}
	if snap.NetworkID != "" {
		tolerate("remove network", e.rt.RemoveNetwork(ctx, snap.NetworkID))
	}
	if snap.ImageTag != "" {
		tolerate("remove image", e.rt.RemoveImage(ctx, snap.ImageTag))
	}
	tolerate("remove working directory", e.fs.RemoveAll(snap.WorkDir))

	e.store.MarkCleaned(id)
	e.metrics.ForgetExecution(id)
	return errors.Join(errs...)
}

func (e *Engine) collectOutput(ctx context.Context, id, containerID string) (string, string) {
	stdout, stderr, err := e.rt.ContainerLogs(ctx, containerID)
	if err != nil {
		e.logger.Warn("failed to collect container output",
			zap.String("execution_id", id), zap.Error(err))
		return "", ""
	}
	snap, _ := e.store.Snapshot(id)
	max := snap.Config.MaxOutputBytes
	return string(truncate(stdout, max)), string(truncate(stderr, max))
}

func (e *Engine) snapshotUsage(ctx context.Context, id, containerID string) {
	stats, err := e.rt.ContainerStats(ctx, containerID)
	if err != nil {
		// The container may already be gone; keep whatever the Monitor
		// observed last.
		return
	}
	e.store.Update(id, func(x *Execution) {
		x.Usage = ResourceUsage{
			CPUNanos:       stats.CPUTotalNanos,
			MemoryBytes:    stats.MemoryBytes,
			NetworkRxBytes: stats.NetworkRxBytes,
			NetworkTxBytes: stats.NetworkTxBytes,
		}
	})
}

func (e *Engine) waitHealthy(ctx context.Context, dep ContainerDependency, containerID string) error {
	hc := dep.Health.normalized()
	bound := dep.Health.WaitBound()
	deadline := time.Now().Add(bound)
	for {
		state, err := e.rt.InspectContainer(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect dependency %q: %w", dep.Name, err)
		}
		if !state.Running {
			return fmt.Errorf("dependency %q exited before becoming healthy", dep.Name)
		}
		if state.Health == runtime.Healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return &HealthCheckTimeoutError{Dependency: dep.Name, Waited: bound}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(hc.Interval):
		}
	}
}

func (e *Engine) dependencySpec(exec Execution, dep ContainerDependency) runtime.ContainerSpec {
	spec := runtime.ContainerSpec{
		Name:         fmt.Sprintf("runbox-%s-%s", exec.ID, dep.Name),
		Image:        dep.Image,
		Env:          dep.Env,
		NetworkID:    exec.NetworkID,
		NetworkAlias: dep.Name,
		Ports:        dep.Ports,
		Volumes:      dep.Volumes,
		MaxLogBytes:  exec.Config.MaxLogBytes,
		Labels:       executionLabels(exec.ID),
	}
	if dep.Health != nil {
		hc := dep.Health.normalized()
		spec.Health = &runtime.HealthProbe{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			StartPeriod: hc.StartPeriod,
			Retries:     hc.Retries,
		}
	}
	return spec
}

func (e *Engine) mainSpec(exec Execution, tag string) runtime.ContainerSpec {
	cfg := exec.Config
	return runtime.ContainerSpec{
		Name:            fmt.Sprintf("runbox-%s-main", exec.ID),
		Image:           tag,
		WorkingDir:      "/app",
		NetworkID:       exec.NetworkID,
		NetworkDisabled: cfg.NetworkDisabled && exec.NetworkID == "",
		Memory:          cfg.MemoryBytes(),
		CPUPeriod:       cfg.CPUPeriod,
		CPUQuota:        cfg.CPUQuota,
		ReadOnlyRootfs:  cfg.ReadOnly,
		SecurityOpt:     cfg.SecurityOpts,
		CapDrop:         cfg.DroppedCapabilities,
		Ulimits:         cfg.Ulimits,
		Sysctls:         cfg.Sysctls,
		MaxLogBytes:     cfg.MaxLogBytes,
		OpenStdin:       true,
		Labels:          executionLabels(exec.ID),
	}
}

func executionLabels(id string) map[string]string {
	return map[string]string{"runbox.execution": id}
}

// truncate caps b at max bytes exactly.
func truncate(b []byte, max int64) []byte {
	if max > 0 && int64(len(b)) > max {
		return b[:max]
	}
	return b
}
