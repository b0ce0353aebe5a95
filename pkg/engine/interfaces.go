package engine

import (
	"context"
	"sort"
)

// Worker is a named, idempotent installation unit.
type Worker interface {
	// Name returns the config name of the worker.
	Name() string

	// BeforeInstall validates the worker's parameters. It must not change
	// the host.
	BeforeInstall() error

	// Install performs the worker's installation steps.
	Install(ctx context.Context) error
}

// WorkerFactory builds a worker from its resolved spec.
type WorkerFactory func(spec WorkerSpec) (Worker, error)

// Registry maps worker names to factories for one platform.
type Registry map[string]WorkerFactory

// Names returns the registered worker names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandJournal hands out the subprocess results recorded since the
// previous call.
type CommandJournal interface {
	Drain() []CommandResult
}

// Rebooter schedules a host reboot once all workers succeed.
type Rebooter interface {
	Reboot(ctx context.Context) error
}
