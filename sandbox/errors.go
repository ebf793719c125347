package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a bad container config or dependency set. It is
// always returned before any side effect has happened.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid execution request: %s", e.Reason)
}

// CircularDependencyError reports a cycle in the dependency graph.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency between containers: %s", strings.Join(e.Cycle, ", "))
}

// UnknownDependencyError reports a depends_on entry that names no supplied
// dependency.
type UnknownDependencyError struct {
	Dependent string
	Missing   string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("container %q depends on unknown container %q", e.Dependent, e.Missing)
}

// UnsupportedLanguageError reports a language with no registered build recipe.
type UnsupportedLanguageError struct {
	Language string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported language: %q", e.Language)
}

// BuildError reports a failed image build. Build failures are deterministic
// (bad source, missing dependency) and are never retried by the engine.
type BuildError struct {
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image build failed: %v", e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// HealthCheckTimeoutError reports a dependency container that never became
// healthy within its wait bound. The whole run is aborted and cleaned.
type HealthCheckTimeoutError struct {
	Dependency string
	Waited     time.Duration
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("dependency %q not healthy after %s", e.Dependency, e.Waited)
}

// ExecutionTimeoutError reports a main process that exceeded its timeout and
// was killed.
type ExecutionTimeoutError struct {
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded timeout of %s", e.Timeout)
}

// RuntimeUnavailableError reports that the container runtime itself is
// unreachable. This is fatal for the engine, not just one execution, and
// surfaces through Engine.Healthy.
type RuntimeUnavailableError struct {
	Err error
}

func (e *RuntimeUnavailableError) Error() string {
	return fmt.Sprintf("container runtime unavailable: %v", e.Err)
}

func (e *RuntimeUnavailableError) Unwrap() error { return e.Err }

// ResourceLimitExceededError is raised by the Monitor when an execution
// sustains usage above its configured limit.
type ResourceLimitExceededError struct {
	Resource string
	Observed uint64
	Limit    uint64
}

func (e *ResourceLimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: observed %d, limit %d", e.Resource, e.Observed, e.Limit)
}

// SessionAlreadyAttachedError reports a second interactive attach attempt
// for an execution that already has a live session.
type SessionAlreadyAttachedError struct {
	ExecutionID string
}

func (e *SessionAlreadyAttachedError) Error() string {
	return fmt.Sprintf("an interactive session is already attached to execution %s", e.ExecutionID)
}
