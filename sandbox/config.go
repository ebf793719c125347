package sandbox

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
)

// ContainerConfig is the immutable execution policy for one execution. It is
// snapshotted into the Execution when a run starts and never mutated after.
type ContainerConfig struct {
	Language            string
	MemoryLimit         string
	CPUPeriod           int64
	CPUQuota            int64
	NetworkDisabled     bool
	TimeoutSeconds      int
	MaxOutputBytes      int64
	MaxLogBytes         int64
	LogRetentionDays    int
	ReadOnly            bool
	SecurityOpts        []string
	Ulimits             map[string]int64
	DroppedCapabilities []string
	Sysctls             map[string]string
}

// Validate checks the policy invariants. It returns a *ValidationError so
// callers can reject a request before any side effect.
func (c ContainerConfig) Validate() error {
	if c.Language == "" {
		return &ValidationError{Reason: "language must not be empty"}
	}
	if c.TimeoutSeconds <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)}
	}
	mem, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("memory_limit %q is not a byte quantity: %v", c.MemoryLimit, err)}
	}
	if mem <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("memory_limit must be positive, got %q", c.MemoryLimit)}
	}
	if c.CPUPeriod < 0 || c.CPUQuota < 0 {
		return &ValidationError{Reason: "cpu_period and cpu_quota must not be negative"}
	}
	if c.CPUPeriod > 0 && c.CPUQuota > c.CPUPeriod {
		return &ValidationError{Reason: fmt.Sprintf("cpu_quota %d exceeds cpu_period %d", c.CPUQuota, c.CPUPeriod)}
	}
	if c.MaxOutputBytes <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("max_output_bytes must be positive, got %d", c.MaxOutputBytes)}
	}
	if c.LogRetentionDays <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("log_retention_days must be positive, got %d", c.LogRetentionDays)}
	}
	return nil
}

// MemoryBytes returns the parsed memory limit. Call Validate first.
func (c ContainerConfig) MemoryBytes() int64 {
	mem, err := units.RAMInBytes(c.MemoryLimit)
	if err != nil {
		return 0
	}
	return mem
}

// Timeout returns the execution timeout as a duration.
func (c ContainerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Retention returns the log retention window as a duration.
func (c ContainerConfig) Retention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

// WithLanguage returns a copy of the config bound to a language.
func (c ContainerConfig) WithLanguage(language string) ContainerConfig {
	c.Language = language
	return c
}
