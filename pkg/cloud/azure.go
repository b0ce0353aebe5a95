package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

const (
	azureAssetTag    = "7783-7084-3265-9085-8269-3286-77"
	azureComputePath = "/metadata/instance/compute?api-version=2021-02-01"
)

type azureCompute struct {
	VMID           string `json:"vmId"`
	AzEnvironment  string `json:"azEnvironment"`
	ResourceID     string `json:"resourceId"`
	SubscriptionID string `json:"subscriptionId"`
}

func (d *Detector) azureDMI() bool {
	return d.readDMI("sys/class/dmi/id/chassis_asset_tag") == azureAssetTag
}

func (d *Detector) azureMetadata(ctx context.Context) (Identity, error) {
	var compute azureCompute
	if err := d.getJSON(ctx, azureComputePath, map[string]string{"Metadata": "true"}, &compute); err != nil {
		return Identity{}, err
	}
	if compute.VMID == "" || compute.AzEnvironment == "" {
		return Identity{}, fmt.Errorf("compute metadata does not describe an Azure VM")
	}

	return Identity{
		Provider:       Azure,
		ResourceID:     compute.ResourceID,
		SubscriptionID: compute.SubscriptionID,
	}, nil
}

// AzureTagsAPI is the subset of the Azure tags client used for tagging.
type AzureTagsAPI interface {
	UpdateAtScope(ctx context.Context, scope string, parameters armresources.TagsPatchResource,
		options *armresources.TagsClientUpdateAtScopeOptions) (armresources.TagsClientUpdateAtScopeResponse, error)
}

// AzureClient merges a tag onto the VM resource running watchmaker.
type AzureClient struct {
	identity IdentitySource
	newAPI   func(subscriptionID string) (AzureTagsAPI, error)

	once sync.Once
	api  AzureTagsAPI
	err  error
}

// NewAzureClient creates a tag client authenticated with the VM's managed
// identity.
func NewAzureClient(identity IdentitySource) *AzureClient {
	return &AzureClient{identity: identity, newAPI: defaultAzureTagsAPI}
}

// NewAzureClientWithAPI creates a tag client over an existing tags API.
func NewAzureClientWithAPI(identity IdentitySource, api AzureTagsAPI) *AzureClient {
	return &AzureClient{identity: identity, api: api}
}

func defaultAzureTagsAPI(subscriptionID string) (AzureTagsAPI, error) {
	cred, err := azidentity.NewManagedIdentityCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create managed identity credential: %w", err)
	}
	client, err := armresources.NewTagsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tags client: %w", err)
	}
	return client, nil
}

// Provider implements Client.
func (c *AzureClient) Provider() Identifier { return Azure }

// Tag implements Client.
func (c *AzureClient) Tag(ctx context.Context, key, value string) error {
	id, err := c.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTaggingUnavailable, err)
	}
	if id.ResourceID == "" || id.SubscriptionID == "" {
		return fmt.Errorf("%w: resource id unknown", ErrTaggingUnavailable)
	}

	if c.api == nil {
		c.once.Do(func() { c.api, c.err = c.newAPI(id.SubscriptionID) })
		if c.err != nil {
			return c.err
		}
	}

	_, err = c.api.UpdateAtScope(ctx, id.ResourceID, armresources.TagsPatchResource{
		Operation: to.Ptr(armresources.TagsPatchOperationMerge),
		Properties: &armresources.Tags{
			Tags: map[string]*string{key: to.Ptr(value)},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to tag resource %s: %w", id.ResourceID, err)
	}
	return nil
}
