package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Upload-Metadata keys of a new session
const (
	metadataBucketName   = "bucketName"
	metadataObjectName   = "objectName"
	metadataCacheControl = "cacheControl"
	metadataUpsert       = "upsert"
)

type sessionCreator interface {
	Create(ctx context.Context, endpoint string, fileSize int64, metadata map[string]string) (string, error)
}

// urlManager keeps the session URL stored on an artifact usable.
type urlManager struct {
	creator      sessionCreator
	endpoint     string
	bucket       string
	cacheControl string
	maxAge       time.Duration
	now          func() time.Time
	logger       log.Logger
}

func newURLManager(config Config, creator sessionCreator, logger log.Logger) *urlManager {
	return &urlManager{
		creator:      creator,
		endpoint:     config.Endpoint,
		bucket:       config.Bucket,
		cacheControl: config.CacheControl,
		maxAge:       config.URLMaxAge,
		now:          time.Now,
		logger:       logger,
	}
}

// isFresh reports whether the stored URL is younger than the maximum age.
// A URL without a generation time is never fresh.
func (m *urlManager) isFresh(a artifact.Artifact) bool {
	if !a.HasUploadURL() {
		return false
	}
	age, ok := a.UploadURLAge(m.now())
	if !ok {
		return false
	}
	return age < m.maxAge
}

// ensureFresh returns the artifact with a usable session URL. A new session is created when
// force is set, when no URL is stored, or when the stored one is too old.
func (m *urlManager) ensureFresh(ctx context.Context, a artifact.Artifact, scope Scope, fileSize int64, force bool) (artifact.Artifact, bool, error) {
	if !force && m.isFresh(a) {
		return a, false, nil
	}

	remotePath, err := artifact.ResolveRemotePath(a.FilePath, scope.TenantID, scope.DeviceID)
	if err != nil {
		return a, false, err
	}

	switch {
	case force:
		m.logger.Debugf("Regenerating upload URL of %s", remotePath)
	case a.HasUploadURL():
		m.logger.Debugf("Upload URL of %s is older than %s, regenerating", remotePath, m.maxAge)
	default:
		m.logger.Debugf("Generating upload URL of %s", remotePath)
	}

	sessionURL, err := m.creator.Create(ctx, m.endpoint, fileSize, map[string]string{
		metadataBucketName:   m.bucket,
		metadataObjectName:   remotePath,
		metadataCacheControl: m.cacheControl,
		metadataUpsert:       "true",
	})
	if err != nil {
		return a, false, fmt.Errorf("create upload session: %w", err)
	}

	return a.WithUploadURL(sessionURL, m.now()), true, nil
}
