// Package engine provides the core types and the worker orchestrator of watchmaker.
//
// # Overview
//
// A run moves through four steps, each owned by its own package:
//
//  1. Config - resolve the layered YAML config into ordered WorkerSpecs (pkg/config)
//  2. Detect - identify the hosting cloud provider (pkg/cloud)
//  3. Install - validate then install every worker (this package)
//  4. Status - tag the host's cloud resource (pkg/status)
//
// # Orchestration
//
// The Orchestrator instantiates workers from a per-platform Registry in
// resolved order. Unknown worker names are logged and skipped. BeforeInstall
// is called on every worker first; a single validation failure aborts the run
// before anything is installed. Install then runs one worker at a time.
//
//	orch := engine.NewOrchestrator(registry,
//	    engine.WithJournal(plat),
//	    engine.WithMetrics(tel.Metrics),
//	)
//	outcome, err := orch.Run(ctx, resolved)
//
// # Errors
//
// Every fatal error carries a code from the taxonomy below and can be
// matched with errors.Is against the exported sentinels:
//
//   - ErrConfigFetch, ErrMalformedConfig, ErrVersionMismatch, ErrNoWorkers: config resolution
//   - ErrInvalidValue: worker validation, raised before any install
//   - ErrCommand: a subprocess exited non-zero (see CommandError)
//   - ErrStatusProvider: a required status tag could not be applied
//
// Transient network errors are retried where they occur and only surface
// once retries are exhausted.
package engine
