package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/cmd/watchmaker/commands"
	"github.com/plus3it/watchmaker/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		// Failures inside a run are already in the run's logs.
		if !commands.IsReported(err) {
			log.Error().
				Err(err).
				Str("code", engine.CodeOf(err)).
				Msg("Watchmaker failed")
		}
		stop()
		os.Exit(1)
	}
}
