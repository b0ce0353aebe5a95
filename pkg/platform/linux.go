package platform

import (
	"context"

	"github.com/rs/zerolog/log"
)

// DefaultLinuxWorkDir is the parent of per-worker working directories.
const DefaultLinuxWorkDir = "/var/tmp/watchmaker"

// Linux implements Platform for Enterprise Linux hosts.
type Linux struct {
	*common
}

// NewLinux creates the Linux platform.
func NewLinux(c Context) *Linux {
	c.System = SystemLinux
	if c.WorkDirBase == "" {
		c.WorkDirBase = DefaultLinuxWorkDir
	}
	return &Linux{common: newCommon(c)}
}

// Reboot schedules a reboot one minute out so the run can finish logging.
func (l *Linux) Reboot(ctx context.Context) error {
	log.Info().Msg("Scheduling reboot")
	_, err := l.CallProcess(ctx, []string{"shutdown", "-r", "+1"})
	return err
}
