package sandbox

import "time"

// Recorder receives engine telemetry. The metrics package provides the
// prometheus-backed implementation; tests use NopRecorder.
type Recorder interface {
	ExecutionStarted()
	ExecutionFinished(status Status, duration time.Duration)
	ObserveUsage(executionID string, cpuNanos, memoryBytes uint64)
	ForgetExecution(executionID string)
}

// NopRecorder discards all telemetry.
type NopRecorder struct{}

func (NopRecorder) ExecutionStarted()                           {}
func (NopRecorder) ExecutionFinished(Status, time.Duration)     {}
func (NopRecorder) ObserveUsage(string, uint64, uint64)         {}
func (NopRecorder) ForgetExecution(string)                      {}
