package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIMDS struct {
	awsHits   atomic.Int32
	azureHits atomic.Int32

	awsEnabled   bool
	azureEnabled bool
	tokenStatus  int
}

func (f *fakeIMDS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case awsTokenPath:
		f.awsHits.Add(1)
		if r.Method != http.MethodPut || r.Header.Get("X-aws-ec2-metadata-token-ttl-seconds") != awsTokenTTL {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			return
		}
		fmt.Fprint(w, "token-123")
	case awsDocumentPath:
		f.awsHits.Add(1)
		if !f.awsEnabled {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if f.tokenStatus == 0 && r.Header.Get("X-aws-ec2-metadata-token") != "token-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"imageId":"ami-0abc","instanceId":"i-0123456789","region":"us-gov-west-1"}`)
	case "/metadata/instance/compute":
		f.azureHits.Add(1)
		if !f.azureEnabled || r.Header.Get("Metadata") != "true" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"vmId":"vm-1","azEnvironment":"AzurePublicCloud",`+
			`"resourceId":"/subscriptions/sub-1/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm1",`+
			`"subscriptionId":"sub-1"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestDetector(t *testing.T, imds *fakeIMDS, opts ...DetectorOption) *Detector {
	t.Helper()
	srv := httptest.NewServer(imds)
	t.Cleanup(srv.Close)

	base := []DetectorOption{
		WithDMIRoot(t.TempDir()),
		WithMetadataEndpoint(srv.URL),
		WithMetadataRetry(2, time.Millisecond),
	}
	return NewDetector(append(base, opts...)...)
}

func writeDMI(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDetectAWSViaMetadata(t *testing.T) {
	imds := &fakeIMDS{awsEnabled: true}
	d := newTestDetector(t, imds)

	assert.Equal(t, AWS, d.Detect(context.Background(), nil))

	id, err := d.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "i-0123456789", id.InstanceID)
	assert.Equal(t, "us-gov-west-1", id.Region)
	assert.Zero(t, imds.azureHits.Load())
}

func TestDetectAWSFallsBackToIMDSv1(t *testing.T) {
	imds := &fakeIMDS{awsEnabled: true, tokenStatus: http.StatusForbidden}
	d := newTestDetector(t, imds)

	assert.Equal(t, AWS, d.Detect(context.Background(), nil))
}

func TestDetectAzureViaMetadata(t *testing.T) {
	imds := &fakeIMDS{azureEnabled: true}
	d := newTestDetector(t, imds)

	assert.Equal(t, Azure, d.Detect(context.Background(), nil))

	id, err := d.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id.SubscriptionID)
	assert.Contains(t, id.ResourceID, "virtualMachines/vm1")
}

func TestDetectViaDMI(t *testing.T) {
	tests := []struct {
		name string
		rel  string
		body string
		want Identifier
	}{
		{"aws vendor", "sys/devices/virtual/dmi/id/sys_vendor", "Amazon EC2\n", AWS},
		{"aws xen uuid", "sys/hypervisor/uuid", "EC2e1916b-7f1c-4b1a-9c1c-0b3b4a2e1f00\n", AWS},
		{"azure asset tag", "sys/class/dmi/id/chassis_asset_tag", azureAssetTag + "\n", Azure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeDMI(t, root, tt.rel, tt.body)

			imds := &fakeIMDS{}
			d := newTestDetector(t, imds, WithDMIRoot(root))
			assert.Equal(t, tt.want, d.Detect(context.Background(), nil))
		})
	}
}

func TestDetectExclusionNeverRunsCheck(t *testing.T) {
	root := t.TempDir()
	writeDMI(t, root, "sys/devices/virtual/dmi/id/sys_vendor", "Amazon EC2")

	imds := &fakeIMDS{awsEnabled: true}
	d := newTestDetector(t, imds, WithDMIRoot(root))

	assert.Equal(t, Unknown, d.Detect(context.Background(), []string{"aws"}))
	assert.Zero(t, imds.awsHits.Load())
	assert.NotZero(t, imds.azureHits.Load())
}

func TestDetectIsMemoized(t *testing.T) {
	imds := &fakeIMDS{azureEnabled: true}
	d := newTestDetector(t, imds)

	assert.Equal(t, Azure, d.Detect(context.Background(), nil))
	hits := imds.azureHits.Load()

	assert.Equal(t, Azure, d.Detect(context.Background(), []string{"azure"}))
	assert.Equal(t, hits, imds.azureHits.Load())

	d.Reset()
	assert.Equal(t, Unknown, d.Detect(context.Background(), []string{"azure"}))
}

func TestIdentityBeforeDetect(t *testing.T) {
	d := newTestDetector(t, &fakeIMDS{})
	_, err := d.Identity(context.Background())
	assert.True(t, errors.Is(err, ErrNotDetected))
}

func TestIdentityFetchedLazilyAfterDMI(t *testing.T) {
	root := t.TempDir()
	writeDMI(t, root, "sys/devices/virtual/dmi/id/sys_vendor", "Amazon EC2")

	imds := &fakeIMDS{awsEnabled: true}
	d := newTestDetector(t, imds, WithDMIRoot(root))

	require.Equal(t, AWS, d.Detect(context.Background(), nil))
	assert.Zero(t, imds.awsHits.Load())

	id, err := d.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "i-0123456789", id.InstanceID)
}

func TestParseIdentifier(t *testing.T) {
	id, ok := ParseIdentifier(" AWS ")
	assert.True(t, ok)
	assert.Equal(t, AWS, id)

	_, ok = ParseIdentifier("gcp")
	assert.False(t, ok)
	assert.Equal(t, "azure", Azure.String())
}

type staticIdentity struct {
	id  Identity
	err error
}

func (s staticIdentity) Identity(ctx context.Context) (Identity, error) { return s.id, s.err }

type fakeEC2 struct {
	input *ec2.CreateTagsInput
	err   error
}

func (f *fakeEC2) CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.input = in
	return &ec2.CreateTagsOutput{}, f.err
}

type fakeAzureTags struct {
	scope string
	patch armresources.TagsPatchResource
}

func (f *fakeAzureTags) UpdateAtScope(ctx context.Context, scope string, p armresources.TagsPatchResource,
	options *armresources.TagsClientUpdateAtScopeOptions) (armresources.TagsClientUpdateAtScopeResponse, error) {
	f.scope = scope
	f.patch = p
	return armresources.TagsClientUpdateAtScopeResponse{}, nil
}

func TestAWSClientTag(t *testing.T) {
	api := &fakeEC2{}
	c := NewAWSClientWithAPI(staticIdentity{id: Identity{Provider: AWS, InstanceID: "i-1", Region: "us-east-1"}}, api)

	require.NoError(t, c.Tag(context.Background(), "WatchmakerStatus", "Completed"))
	assert.Equal(t, []string{"i-1"}, api.input.Resources)
	assert.Equal(t, "WatchmakerStatus", aws.ToString(api.input.Tags[0].Key))
	assert.Equal(t, "Completed", aws.ToString(api.input.Tags[0].Value))
}

func TestAWSClientWithoutIdentity(t *testing.T) {
	c := NewAWSClientWithAPI(staticIdentity{err: ErrNotDetected}, &fakeEC2{})
	err := c.Tag(context.Background(), "k", "v")
	assert.True(t, errors.Is(err, ErrTaggingUnavailable))
}

func TestAzureClientTag(t *testing.T) {
	api := &fakeAzureTags{}
	c := NewAzureClientWithAPI(staticIdentity{id: Identity{
		Provider: Azure, ResourceID: "/subscriptions/sub-1/vm1", SubscriptionID: "sub-1",
	}}, api)

	require.NoError(t, c.Tag(context.Background(), "WatchmakerStatus", "Running"))
	assert.Equal(t, "/subscriptions/sub-1/vm1", api.scope)
	assert.Equal(t, armresources.TagsPatchOperationMerge, *api.patch.Operation)
	assert.Equal(t, "Running", *api.patch.Properties.Tags["WatchmakerStatus"])
}

func TestNewClientSelection(t *testing.T) {
	assert.Equal(t, AWS, NewClient(AWS, staticIdentity{}).Provider())
	assert.Equal(t, Azure, NewClient(Azure, staticIdentity{}).Provider())

	noop := NewClient(Unknown, staticIdentity{})
	assert.True(t, errors.Is(noop.Tag(context.Background(), "k", "v"), ErrTaggingUnavailable))
}
