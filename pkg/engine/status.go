package engine

import (
	"fmt"
)

// RunStatus is the run state written onto the host's cloud resource.
type RunStatus string

const (
	// RunStatusRunning indicates workers are being executed.
	RunStatusRunning RunStatus = "Running"

	// RunStatusCompleted indicates every worker installed successfully.
	RunStatusCompleted RunStatus = "Completed"

	// RunStatusError indicates the run aborted on a fatal error.
	RunStatusError RunStatus = "Error"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusError:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// String implements fmt.Stringer.
func (s RunStatus) String() string {
	return string(s)
}
