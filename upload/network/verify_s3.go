package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const verifyRetryWait = 2 * time.Second

// ErrObjectNotFound means the uploaded object is missing from the bucket.
var ErrObjectNotFound = errors.New("object not found in bucket")

// ErrObjectSizeMismatch means the stored object has a different size than the local file.
var ErrObjectSizeMismatch = errors.New("object size mismatch")

// S3VerifyParams ...
type S3VerifyParams struct {
	// Endpoint of the storage provider's S3 compatible API. Empty means AWS.
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	NumRetries      int
}

// S3Verifier checks finished uploads through the S3 compatible API of the storage.
type S3Verifier struct {
	client     *s3.Client
	bucket     string
	numRetries int
	logger     log.Logger
}

// NewS3Verifier ...
func NewS3Verifier(ctx context.Context, params S3VerifyParams, logger log.Logger) (*S3Verifier, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	return &S3Verifier{
		client:     client,
		bucket:     params.Bucket,
		numRetries: params.NumRetries,
		logger:     logger,
	}, nil
}

// Verify checks that remotePath exists in the bucket and holds size bytes.
// A missing object is retried since listings can lag behind a finished upload.
func (v *S3Verifier) Verify(ctx context.Context, remotePath string, size int64) error {
	return retry.Times(uint(v.numRetries)).Wait(verifyRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			v.logger.Debugf("Retrying verification of %s (attempt %d)", remotePath, attempt+1)
		}

		output, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(v.bucket),
			Key:    aws.String(remotePath),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, v.bucket, remotePath), false
				default:
					return fmt.Errorf("aws api error: %w", err), true
				}
			}
			return fmt.Errorf("generic aws error: %w", err), true
		}

		if stored := aws.ToInt64(output.ContentLength); stored != size {
			return fmt.Errorf("%w: %s/%s has %d bytes, expected %d", ErrObjectSizeMismatch, v.bucket, remotePath, stored, size), true
		}

		v.logger.Debugf("Verified %s/%s (%d bytes)", v.bucket, remotePath, size)
		return nil, true
	})
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
