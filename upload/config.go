package upload

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-artifactupload/upload/network/chunkuploader"
)

// Defaults
const (
	DefaultMaxRetries   = 2
	DefaultURLMaxAge    = 24 * time.Hour
	DefaultCacheControl = "3600"
)

// Config holds configuration of the artifact uploader.
type Config struct {
	// Endpoint is the resumable upload endpoint sessions are created at.
	Endpoint    string
	AccessToken string
	APIKey      string

	// Bucket is the storage bucket of every artifact.
	// Default: "artifacts"
	Bucket string
	// CacheControl is sent as the object's cache directive.
	// Default: "3600"
	CacheControl string

	// ChunkSize is the number of bytes sent per request.
	// Default: 1 MiB
	ChunkSize int64
	// MaxRetries is the number of session regenerations after the server lost a session.
	// Default: 2
	MaxRetries int
	// URLMaxAge is the age after which a session URL is assumed evicted and is regenerated
	// without asking the server.
	// Default: 24h
	URLMaxAge time.Duration

	// Concurrency is the maximum number of artifacts transferring at the same time.
	// Default: chunkuploader.DefaultConcurrency()
	Concurrency int
	// QueryRetries is the number of retries of offset queries on connection errors and 5xx responses.
	// Default: 0
	QueryRetries int
	// HungThreshold enables hung chunk detection when positive.
	// Default: 0
	HungThreshold time.Duration

	// HTTPClient is shared by all uploads. If nil, a default client is created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Bucket:        artifact.DefaultBucket,
		CacheControl:  DefaultCacheControl,
		ChunkSize:     chunkuploader.DefaultChunkSize,
		MaxRetries:    DefaultMaxRetries,
		URLMaxAge:     DefaultURLMaxAge,
		Concurrency:   chunkuploader.DefaultConcurrency(),
		QueryRetries:  0,
		HungThreshold: 0,
	}
}

// Validate ...
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("upload endpoint must not be empty")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size should be positive, got %d", c.ChunkSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries should not be negative, got %d", c.MaxRetries)
	}
	if c.URLMaxAge <= 0 {
		return fmt.Errorf("upload URL max age should be positive, got %s", c.URLMaxAge)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1, got %d", c.Concurrency)
	}
	return nil
}

// Scope identifies the owner of an upload: the remote path is "{tenant}/{device}/{filename}".
type Scope struct {
	TenantID int64
	DeviceID int64
}

// ScopeFor builds the scope of an artifact for the given tenant.
func ScopeFor(tenantID int64, a artifact.Artifact) Scope {
	return Scope{
		TenantID: tenantID,
		DeviceID: a.DeviceID,
	}
}
