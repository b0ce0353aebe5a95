package engine

import (
	"time"
)

// WorkerSpec is one worker after the configuration merge.
type WorkerSpec struct {
	// Name is the worker name as it appears in the config (e.g. "salt").
	Name string `json:"name"`

	// Config holds the resolved parameters for the worker.
	Config map[string]interface{} `json:"config"`

	// Merged is set once CLI overrides have been applied to Config.
	Merged bool `json:"-"`
}

// Param returns the value of a parameter, or nil when unset.
func (s WorkerSpec) Param(key string) interface{} {
	if s.Config == nil {
		return nil
	}
	return s.Config[key]
}

// ResolvedConfig is the ordered list of workers to run.
// System-specific workers come first, then workers only listed under "all".
type ResolvedConfig struct {
	Workers []WorkerSpec `json:"workers"`
}

// Names returns the worker names in run order.
func (r *ResolvedConfig) Names() []string {
	names := make([]string, 0, len(r.Workers))
	for _, w := range r.Workers {
		names = append(names, w.Name)
	}
	return names
}

// Get returns the spec for name.
func (r *ResolvedConfig) Get(name string) (WorkerSpec, bool) {
	for _, w := range r.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return WorkerSpec{}, false
}

// CommandResult is the outcome of one subprocess invocation.
type CommandResult struct {
	Args     []string      `json:"args"`
	Retcode  int           `json:"retcode"`
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports a zero exit code.
func (r CommandResult) Succeeded() bool {
	return r.Retcode == 0
}

// WorkerResult records what one worker did during the run.
type WorkerResult struct {
	Name     string          `json:"name"`
	Skipped  bool            `json:"skipped,omitempty"`
	Commands []CommandResult `json:"commands,omitempty"`
	Duration time.Duration   `json:"duration"`
	Err      error           `json:"-"`
}

// Outcome aggregates the result of a run.
type Outcome struct {
	RunID       string         `json:"run_id"`
	Success     bool           `json:"success"`
	Workers     []WorkerResult `json:"workers"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Err         error          `json:"-"`
}

// Status maps the outcome onto the status reported to the cloud provider.
func (o *Outcome) Status() RunStatus {
	switch {
	case o == nil || o.CompletedAt.IsZero():
		return RunStatusRunning
	case o.Success:
		return RunStatusCompleted
	default:
		return RunStatusError
	}
}

// Duration returns the elapsed run time.
func (o *Outcome) Duration() time.Duration {
	if o.CompletedAt.IsZero() {
		return time.Since(o.StartedAt)
	}
	return o.CompletedAt.Sub(o.StartedAt)
}
