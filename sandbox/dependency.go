package sandbox

import (
	"time"

	"github.com/isdmx/runbox/runtime"
)

// HealthCheck is a polled readiness probe for one dependency container.
// Interval, Timeout and Retries map onto the runtime's native probe; the
// engine derives its overall wait bound from them.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

const (
	defaultHealthInterval = 2 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	defaultHealthRetries  = 5
)

// normalized returns the check with zero fields replaced by defaults.
func (h HealthCheck) normalized() HealthCheck {
	if h.Interval <= 0 {
		h.Interval = defaultHealthInterval
	}
	if h.Timeout <= 0 {
		h.Timeout = defaultHealthTimeout
	}
	if h.Retries <= 0 {
		h.Retries = defaultHealthRetries
	}
	return h
}

// WaitBound is how long the engine waits for the container to report
// healthy before aborting the whole run.
func (h HealthCheck) WaitBound() time.Duration {
	n := h.normalized()
	return n.StartPeriod + n.Interval*time.Duration(n.Retries+1)
}

// ContainerDependency declares one auxiliary service container started
// before the main code container.
type ContainerDependency struct {
	Name      string
	Image     string
	Env       map[string]string
	Ports     []runtime.PortMapping
	Volumes   []runtime.VolumeMapping
	Health    *HealthCheck
	DependsOn []string
}

// BuildStartOrder validates a dependency set and returns it in start order.
// The main container implicitly depends on every supplied dependency, so it
// is always started last and does not appear in the returned slice.
//
// The sort is a deterministic topological order: among containers whose
// prerequisites are all satisfied, declaration order wins. A cycle yields
// *CircularDependencyError, a depends_on entry naming no supplied container
// yields *UnknownDependencyError, and no partial order is ever returned.
func BuildStartOrder(deps []ContainerDependency) ([]ContainerDependency, error) {
	index := make(map[string]int, len(deps))
	for i, dep := range deps {
		if dep.Name == "" {
			return nil, &ValidationError{Reason: "dependency container name must not be empty"}
		}
		if dep.Image == "" {
			return nil, &ValidationError{Reason: "dependency container " + dep.Name + " has no image"}
		}
		if _, dup := index[dep.Name]; dup {
			return nil, &ValidationError{Reason: "duplicate dependency container name " + dep.Name}
		}
		index[dep.Name] = i
	}

	indegree := make([]int, len(deps))
	dependents := make([][]int, len(deps))
	for i, dep := range deps {
		for _, ref := range dep.DependsOn {
			j, ok := index[ref]
			if !ok {
				return nil, &UnknownDependencyError{Dependent: dep.Name, Missing: ref}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm with a sorted ready list keeps the order stable:
	// the lowest declaration index among ready nodes always goes first.
	ordered := make([]ContainerDependency, 0, len(deps))
	done := make([]bool, len(deps))
	for len(ordered) < len(deps) {
		next := -1
		for i := range deps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			var cycle []string
			for i, dep := range deps {
				if !done[i] {
					cycle = append(cycle, dep.Name)
				}
			}
			return nil, &CircularDependencyError{Cycle: cycle}
		}
		done[next] = true
		ordered = append(ordered, deps[next])
		for _, i := range dependents[next] {
			indegree[i]--
		}
	}
	return ordered, nil
}
