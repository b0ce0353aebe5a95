package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// levelNames maps the CLI log level names onto zerolog levels.
var levelNames = map[string]zerolog.Level{
	"critical": zerolog.ErrorLevel,
	"error":    zerolog.ErrorLevel,
	"warning":  zerolog.WarnLevel,
	"info":     zerolog.InfoLevel,
	"debug":    zerolog.DebugLevel,
}

// Logger wraps zerolog.Logger with the console and file sinks of a run.
type Logger struct {
	zlog   zerolog.Logger
	files  []*os.File
	config LoggingConfig
}

// NewLogger creates a logger writing to the console at the configured level
// and, when a log directory is set, to the results log (info and above) and
// the debug log (everything).
func NewLogger(cfg LoggingConfig, runID string) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = time.RFC3339

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}
	writers := []io.Writer{&levelFilter{w: console, min: level}}

	l := &Logger{config: cfg}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
		}
		results, err := openLogFile(filepath.Join(cfg.Dir, ResultsLogFile))
		if err != nil {
			return nil, err
		}
		debug, err := openLogFile(filepath.Join(cfg.Dir, DebugLogFile))
		if err != nil {
			_ = results.Close()
			return nil, err
		}
		l.files = append(l.files, results, debug)
		writers = append(writers,
			&levelFilter{w: results, min: zerolog.InfoLevel},
			&levelFilter{w: debug, min: zerolog.DebugLevel},
		)
	}

	zctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.DebugLevel).
		With().
		Timestamp()
	if runID != "" {
		zctx = zctx.Str("run_id", runID)
	}
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	l.zlog = zctx.Logger()

	return l, nil
}

// Install makes this logger the process-wide zerolog logger.
func (l *Logger) Install() {
	log.Logger = l.zlog
	zerolog.DefaultContextLogger = &log.Logger
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close flushes and closes the log files.
func (l *Logger) Close() error {
	var errs []error
	for _, f := range l.files {
		if err := f.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.files = nil
	return errors.Join(errs...)
}

// ParseLevel converts a CLI log level name to a zerolog.Level.
func ParseLevel(name string) (zerolog.Level, error) {
	level, ok := levelNames[name]
	if !ok {
		return zerolog.NoLevel, fmt.Errorf("invalid log level: %s", name)
	}
	return level, nil
}

// VerbosityLevel maps a -v count onto a level name.
func VerbosityLevel(count int) string {
	switch {
	case count <= 0:
		return "warning"
	case count == 1:
		return "info"
	default:
		return "debug"
	}
}

func openLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// levelFilter drops records below min before they reach w.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}
