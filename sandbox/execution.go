package sandbox

import (
	"sync"
	"time"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusCreated   Status = "created"
	StatusBuilding  Status = "building"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCleaned   Status = "cleaned"
)

// Terminal reports whether no further status transition is expected apart
// from cleanup.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCleaned:
		return true
	default:
		return false
	}
}

// ResourceUsage is a point-in-time snapshot of an execution's consumption.
type ResourceUsage struct {
	CPUNanos       uint64 `json:"cpu_nanos"`
	MemoryBytes    uint64 `json:"memory_bytes"`
	NetworkRxBytes uint64 `json:"network_rx_bytes"`
	NetworkTxBytes uint64 `json:"network_tx_bytes"`
}

// Execution is the engine's bookkeeping record for one run request. It is
// owned by the Engine; the Monitor and Reaper read snapshots and request
// transitions through the Store, never mutating an Execution directly.
type Execution struct {
	ID           string
	Status       Status
	Config       ContainerConfig
	Dependencies []ContainerDependency // in start order

	ImageTag               string
	NetworkID              string
	ContainerID            string
	DependencyContainerIDs []string // parallel to Dependencies
	WorkDir                string

	StartTime time.Time
	EndTime   time.Time
	Usage     ResourceUsage
	ExitCode  *int
	Error     string

	// stopped is set by Stop so the run path reports "stopped by caller"
	// instead of a plain failure.
	stopped bool
	// limitStrikes counts consecutive monitor polls over the memory limit.
	limitStrikes int
	// finished guards finish-time telemetry so racing finalizers record an
	// execution exactly once.
	finished bool
	// cleaned short-circuits repeat cleanups.
	cleaned bool
}

// Result is the immutable outcome of one execution, persisted in the store
// until reaped.
type Result struct {
	ExecutionID string        `json:"execution_id"`
	Status      Status        `json:"status"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ExitCode    *int          `json:"exit_code"`
	Error       string        `json:"error,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Usage       ResourceUsage `json:"resource_usage"`
}

// Store is the shared execution map. A single coarse mutex guards all
// inserts, transitions and removals; update closures run under the lock and
// must never block on external calls.
type Store struct {
	mu         sync.Mutex
	executions map[string]*Execution
	results    map[string]*Result
	// stopMarks outlive their execution records: Stop evicts the record
	// before the run goroutine wakes from its container wait, and the mark
	// is how that goroutine still learns the stop verdict.
	stopMarks map[string]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		executions: make(map[string]*Execution),
		results:    make(map[string]*Result),
		stopMarks:  make(map[string]struct{}),
	}
}

// Put inserts a new execution record.
func (s *Store) Put(exec *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = exec
}

// Snapshot returns a copy of the execution, safe to read without the lock.
func (s *Store) Snapshot(id string) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return Execution{}, false
	}
	return copyExecution(exec), true
}

// Update runs fn on the execution under the store lock. fn must not block.
func (s *Store) Update(id string, fn func(*Execution)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return false
	}
	fn(exec)
	return true
}

// Transition moves the execution to a new status. It refuses to overwrite a
// terminal status, so racing finalizers (run path, monitor, stop) agree on
// whoever got there first.
func (s *Store) Transition(id string, to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return false
	}
	if exec.Status.Terminal() && to != StatusCleaned {
		return false
	}
	exec.Status = to
	return true
}

// MarkStopped terminates a live execution as failed ("stopped by caller")
// and reports whether it was still live. Doing the transition here, under
// the lock, means the run path's finalizer can never overwrite the stop
// verdict.
func (s *Store) MarkStopped(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return false
	}
	if exec.Status.Terminal() {
		return false
	}
	exec.stopped = true
	exec.finished = true
	exec.Status = StatusFailed
	exec.Error = "stopped by caller"
	s.stopMarks[id] = struct{}{}
	return true
}

// ConsumeStopped reports whether Stop terminated this execution and clears
// the mark. The mark survives Delete, so a finalizer that wakes after Stop
// evicted the record still reports "stopped by caller" instead of whatever
// exit the kill produced.
func (s *Store) ConsumeStopped(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stopMarks[id]; ok {
		delete(s.stopMarks, id)
		return true
	}
	exec, ok := s.executions[id]
	return ok && exec.stopped
}

// MarkCleaned records that an execution's resources are gone. The status
// moves to StatusCleaned only once a result exists, so a finalizer racing
// with cleanup never has its terminal status overwritten. Returns false if
// the execution was already cleaned.
func (s *Store) MarkCleaned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return false
	}
	if exec.cleaned {
		return false
	}
	exec.cleaned = true
	if _, ok := s.results[id]; ok {
		exec.Status = StatusCleaned
	}
	return true
}

// PutResult stores the result for an execution that is still tracked.
// Results for executions evicted mid-flight (explicit stop) are dropped;
// the in-flight Run call still returns them to its caller.
func (s *Store) PutResult(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[res.ExecutionID]; !ok {
		return
	}
	s.results[res.ExecutionID] = &res
}

// Result returns the stored result, if any.
func (s *Store) Result(id string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if !ok {
		return Result{}, false
	}
	return *res, true
}

// Delete evicts the execution and its result.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, id)
	delete(s.results, id)
}

// RunningIDs returns the IDs of executions currently in StatusRunning.
func (s *Store) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, exec := range s.executions {
		if exec.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Executions returns snapshots of every tracked execution.
func (s *Store) Executions() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		out = append(out, copyExecution(exec))
	}
	return out
}

// Len returns the number of tracked executions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

func copyExecution(exec *Execution) Execution {
	snapshot := *exec
	snapshot.Dependencies = append([]ContainerDependency(nil), exec.Dependencies...)
	snapshot.DependencyContainerIDs = append([]string(nil), exec.DependencyContainerIDs...)
	if exec.ExitCode != nil {
		code := *exec.ExitCode
		snapshot.ExitCode = &code
	}
	return snapshot
}
