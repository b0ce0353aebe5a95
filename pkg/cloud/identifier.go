// Package cloud detects the cloud platform hosting the machine and applies
// resource tags through that platform's API.
package cloud

import (
	"strings"
)

// Identifier names a cloud platform. The set is closed.
type Identifier int

const (
	// Unknown means no provider check matched, or every check was excluded.
	Unknown Identifier = iota
	// AWS is Amazon EC2.
	AWS
	// Azure is Microsoft Azure.
	Azure
)

var identifierNames = map[Identifier]string{
	Unknown: "unknown",
	AWS:     "aws",
	Azure:   "azure",
}

// String returns the lower-case name used in configs and on the CLI.
func (id Identifier) String() string {
	if name, ok := identifierNames[id]; ok {
		return name
	}
	return "unknown"
}

// ParseIdentifier maps a config or CLI name onto an Identifier.
func ParseIdentifier(s string) (Identifier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for id, name := range identifierNames {
		if name == s {
			return id, true
		}
	}
	return Unknown, false
}

// Identity is the tag target resolved from the instance metadata service.
type Identity struct {
	Provider Identifier

	// AWS
	InstanceID string
	Region     string

	// Azure
	ResourceID     string
	SubscriptionID string
}

// Complete reports whether the identity names a taggable resource.
func (i Identity) Complete() bool {
	switch i.Provider {
	case AWS:
		return i.InstanceID != "" && i.Region != ""
	case Azure:
		return i.ResourceID != "" && i.SubscriptionID != ""
	default:
		return false
	}
}
