package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for a watchmaker run.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string

	// ServiceVersion is the version of the running binary.
	ServiceVersion string

	// RunID identifies this run in every log record, span and metric file.
	RunID string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the console log level (critical, error, warning, info, debug).
	Level string

	// Dir is the directory receiving the results and debug log files.
	// Empty disables file logging.
	Dir string

	// NoColor disables colorized console output.
	NoColor bool

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Exporter specifies the trace exporter (none, stdout, otlp).
	Exporter string

	// Endpoint is the OTLP gRPC endpoint (e.g. "localhost:4317").
	Endpoint string

	// Insecure disables TLS for the OTLP exporter connection.
	Insecure bool

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// Namespace is the metrics namespace prefix.
	Namespace string

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// Log and artifact file names written under LoggingConfig.Dir.
const (
	ResultsLogFile = "watchmaker.log"
	DebugLogFile   = "watchmaker.debug.log"
	MetricsFile    = "watchmaker.prom"
	TraceFile      = "watchmaker.trace.json"
)

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "watchmaker",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level: "warning",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Insecure:      true,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "watchmaker",
			DefaultHistogramBuckets: []float64{
				0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800,
			},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if _, ok := levelNames[c.Logging.Level]; !ok {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp trace exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.Exporter == "stdout" && c.Logging.Dir == "" {
		return fmt.Errorf("stdout trace exporter requires a log directory")
	}

	return nil
}
