// Package config resolves the layered watchmaker configuration.
//
// A config document has four top-level keys:
//
//	watchmaker_version: ">= 0.27.0"   # optional semver constraint
//	all:                               # workers for every system
//	  - salt: {salt_states: highstate}
//	linux:                             # workers for one system
//	  - yum: {repo_map: [...]}
//	status:
//	  targets:
//	    - {key: WatchmakerStatus, required: false, target_type: aws}
//
// Resolution walks the system list and then the "all" list. The first time
// a worker name is seen its parameters are stored; a later occurrence only
// fills keys the stored parameters lack. CLI overrides are laid over each
// worker exactly once and always win.
//
// Status targets are filtered to the detected cloud provider. When no
// provider is detected, or none of the targets match it, the status config
// is nil.
package config
