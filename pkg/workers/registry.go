// Package workers implements the installation workers: yum repository
// setup on Linux and salt on both systems.
package workers

import (
	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/platform"
)

// Options carries per-worker options, mostly for tests.
type Options struct {
	Yum  []YumOption
	Salt []SaltOption
}

// Registry returns the workers available on plat's system.
func Registry(plat platform.Platform, opts Options) engine.Registry {
	reg := engine.Registry{
		"salt": func(spec engine.WorkerSpec) (engine.Worker, error) {
			return NewSalt(plat, spec, opts.Salt...), nil
		},
	}
	if plat.System() == platform.SystemLinux {
		reg["yum"] = func(spec engine.WorkerSpec) (engine.Worker, error) {
			return NewYum(plat, spec, opts.Yum...), nil
		}
	}
	return reg
}
