package platform

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/plus3it/watchmaker/pkg/engine"
)

type callOptions struct {
	logPipe    bool
	raiseError bool
	env        map[string]string
	dir        string
}

// CallOption configures a CallProcess invocation.
type CallOption func(*callOptions)

// WithLogPipe controls whether output lines are forwarded to the logger.
// Defaults to true.
func WithLogPipe(enabled bool) CallOption {
	return func(o *callOptions) { o.logPipe = enabled }
}

// WithRaiseError controls whether a non-zero exit code is returned as a
// *engine.CommandError. Defaults to true. When false the caller inspects
// CommandResult.Retcode itself.
func WithRaiseError(enabled bool) CallOption {
	return func(o *callOptions) { o.raiseError = enabled }
}

// WithEnv adds variables to the child environment.
func WithEnv(env map[string]string) CallOption {
	return func(o *callOptions) { o.env = env }
}

// WithDir sets the child's working directory.
func WithDir(dir string) CallOption {
	return func(o *callOptions) { o.dir = dir }
}

func (p *common) CallProcess(ctx context.Context, args []string, opts ...CallOption) (engine.CommandResult, error) {
	o := callOptions{logPipe: true, raiseError: true}
	for _, opt := range opts {
		opt(&o)
	}

	if len(args) == 0 {
		return engine.CommandResult{}, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = childEnv(os.Environ(), o.env)
	cmd.Dir = o.dir

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return engine.CommandResult{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return engine.CommandResult{}, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	program := filepath.Base(args[0])
	log.Info().Strs("command", args).Msg("Running command")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return engine.CommandResult{}, fmt.Errorf("failed to start %s: %w", program, err)
	}

	// Both pipes are drained at once: a child blocked writing a full stderr
	// pipe would never close stdout.
	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error { return drain(stdoutPipe, &stdout, o.logPipe, "stdout", program) })
	g.Go(func() error { return drain(stderrPipe, &stderr, o.logPipe, "stderr", program) })
	readErr := g.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := engine.CommandResult{
		Args:     append([]string(nil), args...),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("failed waiting for %s: %w", program, waitErr)
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s interrupted: %w", program, ctx.Err())
		}
		result.Retcode = exitErr.ExitCode()
	}
	if readErr != nil {
		return result, fmt.Errorf("failed reading output of %s: %w", program, readErr)
	}

	p.record(result)
	p.ctx.Metrics.RecordCommand(program, result.Retcode, duration)

	event := log.Debug()
	if !result.Succeeded() {
		event = log.Warn()
	}
	event.Strs("command", args).
		Int("retcode", result.Retcode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", duration).
		Msg("Command finished")

	if !result.Succeeded() && o.raiseError {
		return result, &engine.CommandError{
			Args:    result.Args,
			Retcode: result.Retcode,
			Stdout:  result.Stdout,
			Stderr:  result.Stderr,
		}
	}
	return result, nil
}

// drain copies r into buf until EOF, forwarding complete lines to the logger.
func drain(r io.Reader, buf *bytes.Buffer, logPipe bool, stream, program string) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(line)
			if logPipe {
				log.Info().
					Str("command", program).
					Str("stream", stream).
					Msg(strings.TrimRight(string(line), "\r\n"))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// childEnv builds the child environment. A standalone-packaged binary
// rewrites LD_LIBRARY_PATH for itself and keeps the original in
// LD_LIBRARY_PATH_ORIG; children get the original back.
func childEnv(base []string, extra map[string]string) []string {
	vars := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if _, seen := vars[k]; !seen {
			order = append(order, k)
		}
		vars[k] = v
	}

	if orig, ok := vars["LD_LIBRARY_PATH_ORIG"]; ok {
		if _, present := vars["LD_LIBRARY_PATH"]; !present {
			order = append(order, "LD_LIBRARY_PATH")
		}
		vars["LD_LIBRARY_PATH"] = orig
	}

	for k, v := range extra {
		if _, seen := vars[k]; !seen {
			order = append(order, k)
		}
		vars[k] = v
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		if k == "LD_LIBRARY_PATH" && vars[k] == "" {
			continue
		}
		env = append(env, k+"="+vars[k])
	}
	return env
}
