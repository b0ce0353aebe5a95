package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/cloud"
	"github.com/plus3it/watchmaker/pkg/config"
	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/fetch"
	"github.com/plus3it/watchmaker/pkg/platform"
	"github.com/plus3it/watchmaker/pkg/status"
	"github.com/plus3it/watchmaker/pkg/telemetry"
	"github.com/plus3it/watchmaker/pkg/workers"
)

// reportedError marks an error already written to the run's logs.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error { return e.error }

// IsReported reports whether err was logged before telemetry shut down.
func IsReported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}

// consoleLevel picks the console level: --log-level wins over -v.
func consoleLevel(opts *options) string {
	if opts.logLevel != "" {
		return opts.logLevel
	}
	return telemetry.VerbosityLevel(opts.verbosity)
}

func run(ctx context.Context, opts *options, version string, overrides map[string]interface{}) error {
	runID := uuid.New().String()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.RunID = runID
	tcfg.Logging.Level = consoleLevel(opts)
	tcfg.Logging.Dir = opts.logDir
	tcfg.Tracing.Exporter = opts.traceExporter
	tcfg.Tracing.Endpoint = opts.traceEndpoint

	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}()

	err = execute(ctx, tel, opts, version, runID, overrides)
	if err != nil {
		log.Error().
			Err(err).
			Str("code", engine.CodeOf(err)).
			Bool("transient", engine.IsTransient(err)).
			Msg("Watchmaker failed")
		tel.Metrics.RecordError(engine.CodeOf(err))
		return reportedError{err}
	}
	return nil
}

func execute(ctx context.Context, tel *telemetry.Telemetry, opts *options, version, runID string, overrides map[string]interface{}) error {
	ctx, span := tel.Tracer.StartSpan(ctx, "watchmaker.run", telemetry.AttrRunID.String(runID))
	defer span.End()

	log.Info().
		Str("version", version).
		Str("system", runtime.GOOS).
		Str("config", opts.config).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("Watchmaker starting")

	fetcher := fetch.New(
		fetch.WithS3Source(opts.s3Source),
		fetch.WithMetrics(tel.Metrics),
	)

	plat, err := platform.New(platform.Context{
		System:  runtime.GOOS,
		Fetcher: fetcher,
		Metrics: tel.Metrics,
	})
	if err != nil {
		return err
	}

	detector := cloud.NewDetector()
	detect := func(ctx context.Context) cloud.Identifier {
		ctx, span := tel.Tracer.StartSpan(ctx, "cloud.detect")
		defer span.End()
		id := detector.Detect(ctx, opts.excludeProvider)
		span.SetAttributes(telemetry.AttrProvider.String(id.String()))
		return id
	}

	resolver := config.NewResolver(
		config.WithFetcher(fetcher),
		config.WithVersion(version),
		config.WithProvider(detect),
		config.WithTracer(tel.Tracer),
	)
	resolved, statusCfg, err := resolver.Resolve(ctx, plat.System(), overrides, opts.config)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	orchOpts := []engine.Option{
		engine.WithJournal(plat),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer),
		engine.WithRunID(runID),
	}
	if opts.noReboot {
		log.Info().Msg("Reboot disabled")
	} else {
		orchOpts = append(orchOpts, engine.WithRebooter(plat))
	}

	p := &pipeline{
		reporter: status.NewReporter(
			status.WithMetrics(tel.Metrics),
			status.WithTracer(tel.Tracer),
		),
		newClient: func(ctx context.Context) cloud.Client {
			return cloud.NewClient(detect(ctx), detector)
		},
		registry: workers.Registry(plat, workers.Options{}),
		orchOpts: orchOpts,
	}
	if err := p.run(ctx, resolved, statusCfg); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// pipeline runs the resolved workers between two status reports.
type pipeline struct {
	reporter  *status.Reporter
	newClient func(ctx context.Context) cloud.Client
	registry  engine.Registry
	orchOpts  []engine.Option
}

// run tags the host Running, runs the workers, then tags the outcome. The
// tag client is only built when statusCfg has targets for this host.
func (p *pipeline) run(ctx context.Context, resolved *engine.ResolvedConfig, statusCfg *config.StatusConfig) error {
	var client cloud.Client = cloud.NewClient(cloud.Unknown, nil)
	if statusCfg != nil {
		client = p.newClient(ctx)
	}
	if err := p.reporter.Report(ctx, client, statusCfg, engine.RunStatusRunning); err != nil {
		return err
	}

	outcome, runErr := engine.NewOrchestrator(p.registry, p.orchOpts...).Run(ctx, resolved)

	// The final status is written even when the run was interrupted.
	reportErr := p.reporter.Report(context.WithoutCancel(ctx), client, statusCfg, outcome.Status())
	switch {
	case runErr != nil:
		if reportErr != nil {
			log.Error().Err(reportErr).Msg("Failed to report error status")
		}
		return runErr
	case reportErr != nil:
		return reportErr
	}

	log.Info().
		Dur("duration", outcome.Duration()).
		Int("workers", len(resolved.Workers)).
		Msg("Watchmaker completed")
	return nil
}
