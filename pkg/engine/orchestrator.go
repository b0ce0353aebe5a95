package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/telemetry"
)

// Orchestrator runs the configured workers in two phases: every worker is
// validated before any worker installs.
type Orchestrator struct {
	registry Registry
	journal  CommandJournal
	rebooter Rebooter
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	runID    string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJournal collects per-worker subprocess history from j.
func WithJournal(j CommandJournal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithRebooter schedules a reboot through r after a successful run.
func WithRebooter(r Rebooter) Option {
	return func(o *Orchestrator) { o.rebooter = r }
}

// WithMetrics records worker metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer emits a span per worker phase.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRunID stamps the outcome with id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// NewOrchestrator creates an orchestrator over the workers of one platform.
func NewOrchestrator(registry Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{registry: registry}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type plannedWorker struct {
	worker Worker
	result *WorkerResult
}

// Run executes the resolved workers. The returned Outcome is always non-nil;
// the error is the first fatal error, if any.
func (o *Orchestrator) Run(ctx context.Context, resolved *ResolvedConfig) (*Outcome, error) {
	outcome := &Outcome{
		RunID:     o.runID,
		StartedAt: time.Now(),
		Workers:   make([]WorkerResult, len(resolved.Workers)),
	}

	ctx, span := o.tracer.StartSpan(ctx, "run.workers", telemetry.AttrRunID.String(o.runID))
	defer span.End()

	planned := make([]plannedWorker, 0, len(resolved.Workers))
	for i, spec := range resolved.Workers {
		outcome.Workers[i] = WorkerResult{Name: spec.Name}

		factory, ok := o.registry[spec.Name]
		if !ok {
			log.Warn().
				Str("worker", spec.Name).
				Strs("supported", o.registry.Names()).
				Msg("Unsupported worker, skipping")
			outcome.Workers[i].Skipped = true
			continue
		}

		w, err := factory(spec)
		if err != nil {
			err = fmt.Errorf("failed to create worker %s: %w", spec.Name, err)
			telemetry.RecordError(span, err)
			return o.fail(outcome, err), err
		}
		planned = append(planned, plannedWorker{worker: w, result: &outcome.Workers[i]})
	}

	for _, p := range planned {
		_, wspan := o.tracer.StartWorkerSpan(ctx, p.worker.Name(), "before_install")
		err := p.worker.BeforeInstall()
		if err != nil {
			telemetry.RecordError(wspan, err)
			wspan.End()
			p.result.Err = err
			log.Error().Err(err).Str("worker", p.worker.Name()).Msg("Worker validation failed")
			return o.fail(outcome, err), err
		}
		wspan.End()
	}

	for _, p := range planned {
		name := p.worker.Name()
		log.Info().Str("worker", name).Msg("Starting worker")

		wctx, wspan := o.tracer.StartWorkerSpan(ctx, name, "install")
		timer := telemetry.NewTimer()
		err := p.worker.Install(wctx)
		p.result.Duration = timer.Duration()
		if o.journal != nil {
			p.result.Commands = o.journal.Drain()
		}

		if err != nil {
			p.result.Err = err
			o.metrics.RecordWorker(name, "failure", p.result.Duration)
			telemetry.RecordError(wspan, err)
			wspan.End()
			log.Error().Err(err).Str("worker", name).Msg("Worker failed")
			return o.fail(outcome, err), err
		}

		o.metrics.RecordWorker(name, "success", p.result.Duration)
		telemetry.RecordSuccess(wspan)
		wspan.End()
		log.Info().
			Str("worker", name).
			Dur("duration", p.result.Duration).
			Int("commands", len(p.result.Commands)).
			Msg("Worker completed")
	}

	if o.rebooter != nil {
		if err := o.rebooter.Reboot(ctx); err != nil {
			err = fmt.Errorf("failed to schedule reboot: %w", err)
			return o.fail(outcome, err), err
		}
	}

	outcome.Success = true
	outcome.CompletedAt = time.Now()
	o.metrics.RecordRunCompleted(string(outcome.Status()), outcome.Duration())
	telemetry.RecordSuccess(span)
	return outcome, nil
}

func (o *Orchestrator) fail(outcome *Outcome, err error) *Outcome {
	outcome.Success = false
	outcome.Err = err
	outcome.CompletedAt = time.Now()
	o.metrics.RecordRunCompleted(string(outcome.Status()), outcome.Duration())
	return outcome
}
