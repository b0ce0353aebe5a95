package config

import (
	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/engine"
)

// DevVersion is the version string of untagged builds.
const DevVersion = "dev"

// checkVersion enforces the config's watchmaker_version constraint.
func checkVersion(constraint, running string) error {
	if constraint == "" {
		return nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return engine.NewMalformedConfigError("invalid "+keyVersion+" constraint", err)
	}

	if running == "" || running == DevVersion {
		log.Warn().Str("constraint", constraint).Msg("Development build, skipping version check")
		return nil
	}

	v, err := semver.NewVersion(running)
	if err != nil {
		log.Warn().Err(err).Str("version", running).Msg("Unparseable build version, skipping version check")
		return nil
	}

	if !c.Check(v) {
		return engine.NewVersionMismatchError(constraint, running)
	}
	return nil
}
