// Package status writes the run's status onto the host's cloud resource.
package status

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/cloud"
	"github.com/plus3it/watchmaker/pkg/config"
	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/telemetry"
)

// Reporter applies status targets through a cloud tag client.
type Reporter struct {
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithMetrics records tag outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// WithTracer wraps each report in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Reporter) { r.tracer = t }
}

// NewReporter creates a Reporter.
func NewReporter(opts ...Option) *Reporter {
	r := &Reporter{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report tags the host with phase for every target that applies to it.
// A nil cfg means no targets matched the detected provider.
//
// A failed required target stops the report and returns a
// StatusProviderError. Other failures are logged.
func (r *Reporter) Report(ctx context.Context, client cloud.Client, cfg *config.StatusConfig, phase engine.RunStatus) error {
	if err := phase.Validate(); err != nil {
		return err
	}
	if cfg == nil {
		log.Debug().Str("status", phase.String()).Msg("No status targets for this host")
		return nil
	}

	ctx, span := r.tracer.StartSpan(ctx, "status.report",
		telemetry.AttrRunStatus.String(phase.String()),
		telemetry.AttrProvider.String(client.Provider().String()),
	)
	defer span.End()

	for _, target := range cfg.ForPhase(phase) {
		err := client.Tag(ctx, target.Key, phase.String())
		r.metrics.RecordStatusTag(client.Provider().String(), phase.String(), err)

		if err == nil {
			log.Info().
				Str("key", target.Key).
				Str("status", phase.String()).
				Str("provider", client.Provider().String()).
				Msg("Applied status tag")
			continue
		}

		if target.Required {
			serr := engine.NewStatusProviderError(target.Key, err)
			telemetry.RecordError(span, serr)
			return serr
		}
		log.Warn().
			Err(err).
			Str("key", target.Key).
			Str("status", phase.String()).
			Msg("Unable to apply status tag, skipping")
	}

	telemetry.RecordSuccess(span)
	return nil
}
