// Package platform implements the host operations workers build on:
// downloading files, managing working directories, running subprocesses,
// extracting archives and scheduling reboots. There is one implementation
// per operating system family.
package platform

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/fetch"
	"github.com/plus3it/watchmaker/pkg/telemetry"
)

// Supported system names, as used for the config's per-system key.
const (
	SystemLinux   = "linux"
	SystemWindows = "windows"
)

// Platform is the capability set handed to every worker.
type Platform interface {
	// System returns "linux" or "windows".
	System() string

	// RetrieveFile downloads url to dest, retrying transient failures.
	RetrieveFile(ctx context.Context, url, dest string) error

	// CreateWorkingDir creates a unique directory under basedir (or the
	// platform default when basedir is empty).
	CreateWorkingDir(basedir, prefix string) (string, error)

	// CallProcess runs a command, capturing stdout and stderr concurrently.
	CallProcess(ctx context.Context, args []string, opts ...CallOption) (engine.CommandResult, error)

	// ExtractArchive unpacks a .zip, .tar, .tar.gz or .tgz file into dest.
	ExtractArchive(archive, dest string) error

	// Cleanup removes dir. Failures are logged, never returned.
	Cleanup(dir string)

	// Reboot schedules a host reboot.
	Reboot(ctx context.Context) error

	// Drain returns the commands run since the previous Drain.
	Drain() []engine.CommandResult
}

// Context carries the run-wide settings shared by platform operations.
// It is passed by value and never mutated after construction.
type Context struct {
	// System is "linux" or "windows".
	System string

	// WorkDirBase is the default parent for working directories.
	WorkDirBase string

	// Fetcher retrieves remote content.
	Fetcher *fetch.Fetcher

	// Metrics records subprocess metrics. May be nil.
	Metrics *telemetry.Metrics
}

// New returns the platform implementation for c.System.
func New(c Context) (Platform, error) {
	switch c.System {
	case SystemLinux:
		return NewLinux(c), nil
	case SystemWindows:
		return NewWindows(c), nil
	default:
		return nil, fmt.Errorf("unsupported system: %q", c.System)
	}
}

// common holds the operations that behave the same on every system.
type common struct {
	ctx Context

	mu      sync.Mutex
	journal []engine.CommandResult
}

func newCommon(c Context) *common {
	if c.Fetcher == nil {
		c.Fetcher = fetch.New(fetch.WithMetrics(c.Metrics))
	}
	return &common{ctx: c}
}

func (p *common) System() string {
	return p.ctx.System
}

func (p *common) RetrieveFile(ctx context.Context, url, dest string) error {
	log.Info().Str("url", url).Str("dest", dest).Msg("Retrieving file")
	return p.ctx.Fetcher.Download(ctx, url, dest)
}

func (p *common) CreateWorkingDir(basedir, prefix string) (string, error) {
	if basedir == "" {
		basedir = p.ctx.WorkDirBase
	}
	if basedir == "" {
		basedir = os.TempDir()
	}
	if err := os.MkdirAll(basedir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create working dir base %s: %w", basedir, err)
	}

	dir, err := os.MkdirTemp(basedir, prefix)
	if err != nil {
		return "", fmt.Errorf("failed to create working dir in %s: %w", basedir, err)
	}

	log.Debug().Str("dir", dir).Msg("Created working directory")
	return dir, nil
}

func (p *common) Cleanup(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove working directory")
		return
	}
	log.Debug().Str("dir", dir).Msg("Removed working directory")
}

func (p *common) Drain() []engine.CommandResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.journal
	p.journal = nil
	return out
}

func (p *common) record(r engine.CommandResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.journal = append(p.journal, r)
}
