package config

import (
	"github.com/plus3it/watchmaker/pkg/engine"
)

// StatusTarget is one tag to write onto the host's cloud resource.
type StatusTarget struct {
	// Key is the tag name.
	Key string `yaml:"key" json:"key" validate:"required"`

	// Required makes a tagging failure fatal to the run.
	Required bool `yaml:"required" json:"required"`

	// TargetType is the provider the target applies to.
	TargetType string `yaml:"target_type" json:"target_type" validate:"required,oneof=aws azure"`

	// StatusType limits the target to one phase. Empty applies to every phase.
	StatusType string `yaml:"status_type,omitempty" json:"status_type,omitempty" validate:"omitempty,oneof=Running Completed Error"`
}

// AppliesTo reports whether the target is written for phase.
func (t StatusTarget) AppliesTo(phase engine.RunStatus) bool {
	return t.StatusType == "" || t.StatusType == string(phase)
}

// StatusConfig holds the status targets of the detected provider.
type StatusConfig struct {
	Targets []StatusTarget `yaml:"targets" json:"targets" validate:"dive"`
}

// ForPhase returns the targets written for phase.
func (c *StatusConfig) ForPhase(phase engine.RunStatus) []StatusTarget {
	if c == nil {
		return nil
	}
	var out []StatusTarget
	for _, t := range c.Targets {
		if t.AppliesTo(phase) {
			out = append(out, t)
		}
	}
	return out
}

// legacyTarget is the older spelling of a status target.
type legacyTarget struct {
	Key          string `yaml:"key"`
	Required     bool   `yaml:"required"`
	ProviderType string `yaml:"provider_type"`
	StatusType   string `yaml:"status_type"`
}

type statusSection struct {
	Targets   []StatusTarget `yaml:"targets"`
	Providers []legacyTarget `yaml:"providers"`
}

// workerEntry is one `- name: {params}` item of a worker list.
type workerEntry struct {
	Name   string
	Params map[string]interface{}
}

// document is the parsed, not yet merged, config.
type document struct {
	Version string
	Lists   map[string][]workerEntry
	Status  StatusConfig
}
