package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/fetch"
)

const (
	awsTokenPath    = "/latest/api/token"
	awsDocumentPath = "/latest/dynamic/instance-identity/document"
	awsTokenTTL     = "21600"
)

type instanceIdentityDocument struct {
	ImageID    string `json:"imageId"`
	InstanceID string `json:"instanceId"`
	Region     string `json:"region"`
}

func (d *Detector) awsDMI() bool {
	if strings.Contains(d.readDMI("sys/devices/virtual/dmi/id/sys_vendor"), "Amazon EC2") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(d.readDMI("sys/hypervisor/uuid")), "ec2")
}

func (d *Detector) awsMetadata(ctx context.Context) (Identity, error) {
	token, err := d.awsToken(ctx)
	if err != nil {
		return Identity{}, err
	}

	headers := map[string]string{}
	if token != "" {
		headers["X-aws-ec2-metadata-token"] = token
	}

	var doc instanceIdentityDocument
	if err := d.getJSON(ctx, awsDocumentPath, headers, &doc); err != nil {
		return Identity{}, err
	}
	if !strings.HasPrefix(doc.ImageID, "ami-") || !strings.HasPrefix(doc.InstanceID, "i-") {
		return Identity{}, fmt.Errorf("identity document does not describe an EC2 instance")
	}

	return Identity{Provider: AWS, InstanceID: doc.InstanceID, Region: doc.Region}, nil
}

// awsToken requests an IMDSv2 session token. An empty token with no error
// means the service only speaks IMDSv1.
func (d *Detector) awsToken(ctx context.Context) (string, error) {
	var token string
	err := d.retry.Retry(ctx, "imds", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.endpoint+awsTokenPath, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", awsTokenTTL)

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &fetch.StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Status: resp.Status}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(string(body))
		return nil
	})

	var statusErr *fetch.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
			log.Debug().Int("status", statusErr.StatusCode).Msg("IMDSv2 token unavailable, falling back to IMDSv1")
			return "", nil
		}
	}
	return token, err
}

// EC2TagsAPI is the subset of the EC2 client used for tagging.
type EC2TagsAPI interface {
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// IdentitySource resolves the resource to tag.
type IdentitySource interface {
	Identity(ctx context.Context) (Identity, error)
}

// AWSClient tags the EC2 instance running watchmaker.
type AWSClient struct {
	identity IdentitySource
	newAPI   func(ctx context.Context, region string) (EC2TagsAPI, error)

	once sync.Once
	api  EC2TagsAPI
	err  error
}

// NewAWSClient creates a tag client backed by the default AWS credential
// chain (instance profile on EC2).
func NewAWSClient(identity IdentitySource) *AWSClient {
	return &AWSClient{identity: identity, newAPI: defaultEC2API}
}

// NewAWSClientWithAPI creates a tag client over an existing EC2 API.
func NewAWSClientWithAPI(identity IdentitySource, api EC2TagsAPI) *AWSClient {
	return &AWSClient{identity: identity, api: api}
}

func defaultEC2API(ctx context.Context, region string) (EC2TagsAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// Provider implements Client.
func (c *AWSClient) Provider() Identifier { return AWS }

// Tag implements Client.
func (c *AWSClient) Tag(ctx context.Context, key, value string) error {
	id, err := c.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTaggingUnavailable, err)
	}
	if id.InstanceID == "" {
		return fmt.Errorf("%w: instance id unknown", ErrTaggingUnavailable)
	}

	if c.api == nil {
		c.once.Do(func() { c.api, c.err = c.newAPI(ctx, id.Region) })
		if c.err != nil {
			return c.err
		}
	}

	_, err = c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id.InstanceID},
		Tags:      []ec2types.Tag{{Key: aws.String(key), Value: aws.String(value)}},
	})
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", id.InstanceID, err)
	}
	return nil
}
