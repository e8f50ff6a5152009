// Package admission decides whether the host can take another job.
package admission

import "fmt"

// Check names the threshold that rejected a start.
type Check string

const (
	CheckNone   Check = ""
	CheckJobs   Check = "jobs"
	CheckCPU    Check = "cpu"
	CheckMemory Check = "memory"
)

// Thresholds are the admission ceilings. A value is reached when the sample
// is greater than or equal to it.
type Thresholds struct {
	MaxJobs          int
	MaxCPUPercent    float64
	MaxMemoryPercent float64
}

// DefaultThresholds mirrors the stock deployment limits.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxJobs: 10, MaxCPUPercent: 90, MaxMemoryPercent: 90}
}

// Sample is a point-in-time view of host load.
type Sample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Decision is the result of Evaluate.
type Decision struct {
	Admit  bool
	Check  Check
	Reason string
}

// Evaluate applies the job, CPU, and memory checks in that order; the first
// violation wins.
func Evaluate(t Thresholds, s Sample, live int) Decision {
	switch {
	case live >= t.MaxJobs:
		return Decision{Check: CheckJobs, Reason: fmt.Sprintf("Too many running processes (%d/%d)", live, t.MaxJobs)}
	case s.CPUPercent >= t.MaxCPUPercent:
		return Decision{Check: CheckCPU, Reason: fmt.Sprintf("High CPU load (%.1f%%)", s.CPUPercent)}
	case s.MemoryPercent >= t.MaxMemoryPercent:
		return Decision{Check: CheckMemory, Reason: fmt.Sprintf("High memory usage (%.1f%%)", s.MemoryPercent)}
	}
	return Decision{Admit: true}
}

// Error is returned by callers that turn a rejecting Decision into an error.
type Error struct {
	Check  Check
	Reason string
}

func (e *Error) Error() string { return "admission rejected: " + e.Reason }

// Err converts a rejecting decision into an *Error, or nil when admitted.
func (d Decision) Err() error {
	if d.Admit {
		return nil
	}
	return &Error{Check: d.Check, Reason: d.Reason}
}
