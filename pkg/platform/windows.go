package platform

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Windows implements Platform for Windows Server hosts.
type Windows struct {
	*common
}

// NewWindows creates the Windows platform.
func NewWindows(c Context) *Windows {
	c.System = SystemWindows
	if c.WorkDirBase == "" {
		c.WorkDirBase = filepath.Join(SystemDrive()+`\`, "Watchmaker", "WorkingFiles")
	}
	return &Windows{common: newCommon(c)}
}

// SystemDrive returns %SYSTEMDRIVE%, defaulting to C:.
func SystemDrive() string {
	if d := os.Getenv("SYSTEMDRIVE"); d != "" {
		return d
	}
	return "C:"
}

// Reboot schedules a planned reboot in 30 seconds.
func (w *Windows) Reboot(ctx context.Context) error {
	log.Info().Msg("Scheduling reboot")
	_, err := w.CallProcess(ctx, []string{
		"shutdown", "/r", "/t", "30", "/d", "p:4:2", "/c", "Watchmaker complete",
	})
	return err
}
