package fetch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fallbackRegion is used when neither the environment nor the URL names one.
const fallbackRegion = "us-east-1"

// defaultS3Client builds an S3 client from the default credential chain
// (environment, shared config, instance profile).
func defaultS3Client(ctx context.Context, region string) (S3Getter, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = fallbackRegion
	}

	return s3.NewFromConfig(cfg), nil
}
