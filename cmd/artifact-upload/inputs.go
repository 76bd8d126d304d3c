package main

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-artifactupload/stepconf"
	"github.com/bitrise-io/go-artifactupload/upload"
	"github.com/bitrise-io/go-artifactupload/upload/network"
)

// Inputs are read from the environment. Zero values keep the uploader defaults.
type Inputs struct {
	Endpoint    string          `env:"ARTIFACT_UPLOAD_ENDPOINT,required"`
	AccessToken stepconf.Secret `env:"ARTIFACT_UPLOAD_ACCESS_TOKEN,required"`
	APIKey      stepconf.Secret `env:"ARTIFACT_UPLOAD_API_KEY"`

	Bucket        string        `env:"ARTIFACT_UPLOAD_BUCKET"`
	CacheControl  string        `env:"ARTIFACT_UPLOAD_CACHE_CONTROL"`
	ChunkSize     int64         `env:"ARTIFACT_UPLOAD_CHUNK_SIZE"`
	MaxRetries    *int          `env:"ARTIFACT_UPLOAD_MAX_RETRIES"`
	URLMaxAge     time.Duration `env:"ARTIFACT_UPLOAD_URL_MAX_AGE"`
	Concurrency   int           `env:"ARTIFACT_UPLOAD_CONCURRENCY"`
	QueryRetries  int           `env:"ARTIFACT_UPLOAD_QUERY_RETRIES"`
	HungThreshold time.Duration `env:"ARTIFACT_UPLOAD_HUNG_THRESHOLD"`

	// S3 compatible API used to verify finished objects. Verification is off without a region.
	S3Endpoint        string          `env:"ARTIFACT_UPLOAD_S3_ENDPOINT"`
	S3Region          string          `env:"ARTIFACT_UPLOAD_S3_REGION"`
	S3AccessKeyID     string          `env:"ARTIFACT_UPLOAD_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey stepconf.Secret `env:"ARTIFACT_UPLOAD_S3_SECRET_ACCESS_KEY"`
	S3Retries         int             `env:"ARTIFACT_UPLOAD_S3_RETRIES"`

	Analytics bool `env:"ARTIFACT_UPLOAD_ANALYTICS"`
	Verbose   bool `env:"ARTIFACT_UPLOAD_VERBOSE"`
}

func parseInputs(parser stepconf.InputParser) (Inputs, error) {
	var inputs Inputs
	if err := parser.Parse(&inputs); err != nil {
		return Inputs{}, fmt.Errorf("failed to parse inputs: %w", err)
	}
	return inputs, nil
}

// Validate implements stepconf.Validator.
func (i Inputs) Validate() error {
	if err := i.uploadConfig().Validate(); err != nil {
		return err
	}
	if (i.S3AccessKeyID == "") != (i.S3SecretAccessKey == "") {
		return fmt.Errorf("S3 access key id and secret access key must be set together")
	}
	return nil
}

func (i Inputs) uploadConfig() upload.Config {
	config := upload.DefaultConfig()
	config.Endpoint = i.Endpoint
	config.AccessToken = string(i.AccessToken)
	config.APIKey = string(i.APIKey)

	if i.Bucket != "" {
		config.Bucket = i.Bucket
	}
	if i.CacheControl != "" {
		config.CacheControl = i.CacheControl
	}
	if i.ChunkSize != 0 {
		config.ChunkSize = i.ChunkSize
	}
	if i.MaxRetries != nil {
		config.MaxRetries = *i.MaxRetries
	}
	if i.URLMaxAge != 0 {
		config.URLMaxAge = i.URLMaxAge
	}
	if i.Concurrency != 0 {
		config.Concurrency = i.Concurrency
	}
	config.QueryRetries = i.QueryRetries
	config.HungThreshold = i.HungThreshold

	return config
}

func (i Inputs) verifyParams(bucket string) (network.S3VerifyParams, bool) {
	if i.S3Region == "" {
		return network.S3VerifyParams{}, false
	}

	return network.S3VerifyParams{
		Endpoint:        i.S3Endpoint,
		Region:          i.S3Region,
		Bucket:          bucket,
		AccessKeyID:     i.S3AccessKeyID,
		SecretAccessKey: string(i.S3SecretAccessKey),
		UsePathStyle:    i.S3Endpoint != "",
		NumRetries:      i.S3Retries,
	}, true
}
