// Package telemetry provides the observability plumbing of a watchmaker run.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus) behind a single Telemetry value created once at
// startup.
//
// # Logging
//
// The console receives records at the level selected on the command line.
// When a log directory is configured, two JSON log files are written beside
// it: the results log (info and above) and the debug log (everything):
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Dir = "/var/log/watchmaker"
//	cfg.Logging.Level = telemetry.VerbosityLevel(verbosity)
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// NewTelemetry installs the logger as the global zerolog logger, so packages
// log through github.com/rs/zerolog/log.
//
// # Metrics
//
// Metrics are collected in a private registry and written as a Prometheus
// textfile into the log directory on Shutdown, where a node exporter
// textfile collector can pick them up.
//
// # Tracing
//
// Spans are emitted around config resolution, provider detection, each
// worker phase and status reporting. The exporter is one of none, stdout
// (a JSON file in the log directory) or otlp.
package telemetry
