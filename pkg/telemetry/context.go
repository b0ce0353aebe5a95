package telemetry

import (
	"context"
	"errors"
	"path/filepath"
)

// Telemetry bundles the logger, tracer and metrics of one run.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration and
// installs its logger as the process-wide zerolog logger.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging, cfg.RunID)
	if err != nil {
		return nil, err
	}
	logger.Install()

	tracer, err := NewTracer(cfg.Tracing, cfg.Logging.Dir, cfg.ServiceName, cfg.ServiceVersion, cfg.RunID)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Shutdown writes the metrics textfile, flushes spans and closes log files,
// in reverse order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.Config.Logging.Dir != "" {
		if err := t.Metrics.WriteTextfile(filepath.Join(t.Config.Logging.Dir, MetricsFile)); err != nil {
			errs = append(errs, err)
		}
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
