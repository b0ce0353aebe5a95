package cloud

import (
	"context"
	"errors"
	"fmt"
)

// ErrTaggingUnavailable is returned when the host's resource cannot be
// tagged: no supported provider, or no resource identity.
var ErrTaggingUnavailable = errors.New("tagging unavailable")

// Client writes a tag onto the cloud resource backing this host.
type Client interface {
	Provider() Identifier
	Tag(ctx context.Context, key, value string) error
}

// NewClient selects the tag client for id. Providers without an SDK path
// get a client whose every Tag fails with ErrTaggingUnavailable.
func NewClient(id Identifier, identity IdentitySource) Client {
	switch id {
	case AWS:
		return NewAWSClient(identity)
	case Azure:
		return NewAzureClient(identity)
	default:
		return NoopClient{provider: id}
	}
}

// NoopClient is the tag client for hosts with no taggable resource.
type NoopClient struct {
	provider Identifier
}

// Provider implements Client.
func (c NoopClient) Provider() Identifier { return c.provider }

// Tag implements Client.
func (c NoopClient) Tag(ctx context.Context, key, value string) error {
	return fmt.Errorf("%w: provider %s", ErrTaggingUnavailable, c.provider)
}
