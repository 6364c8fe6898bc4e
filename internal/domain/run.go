package domain

import (
	"strings"
	"time"
)

// Job identifies the recurring process a run executes.
type Job struct {
	Namespace string
	Name      string
}

// Run identifies one execution of a job. The ID is immutable for the
// lifetime of the run.
type Run struct {
	ID        string
	Job       Job
	StartedAt time.Time
	EndedAt   time.Time
}

// Validate checks the fields required to open a run.
func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrValidation("run id is required")
	}
	if strings.TrimSpace(r.Job.Name) == "" {
		return ErrValidation("job name is required")
	}
	return nil
}

// RunState is the lifecycle state of a run inside the correlation index.
type RunState int

// Run lifecycle: Open -> Accumulating -> Emitting -> Closed.
const (
	RunOpen RunState = iota
	RunAccumulating
	RunEmitting
	RunClosed
)

func (s RunState) String() string {
	switch s {
	case RunOpen:
		return "OPEN"
	case RunAccumulating:
		return "ACCUMULATING"
	case RunEmitting:
		return "EMITTING"
	case RunClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AcceptsFacets reports whether facets may still be recorded in this state.
func (s RunState) AcceptsFacets() bool {
	return s == RunOpen || s == RunAccumulating
}
