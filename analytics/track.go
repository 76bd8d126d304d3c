// Package analytics creates the event tracker of upload runs.
package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory ...
type TrackerFactory func(logger log.Logger, properties ...analytics.Properties) analytics.Tracker

// Environment keys copied to every event
const (
	BuildSlugEnvKey   = "BITRISE_BUILD_SLUG"
	AppSlugEnvKey     = "BITRISE_APP_SLUG"
	WorkflowEnvKey    = "BITRISE_TRIGGERED_WORKFLOW_ID"
	IsPREnvKey        = "IS_PR"
	UploaderEnvKey    = "ARTIFACT_UPLOAD_SOURCE"
	defaultUploaderID = "artifact-upload"
)

// NewUploadTracker creates a tracker tagged with the environment the uploads run in.
func NewUploadTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) analytics.Tracker {
	uploader := repository.Get(UploaderEnvKey)
	if uploader == "" {
		uploader = defaultUploaderID
	}

	return trackerFactory(logger, analytics.Properties{
		"uploader":    uploader,
		"build_slug":  repository.Get(BuildSlugEnvKey),
		"app_slug":    repository.Get(AppSlugEnvKey),
		"workflow":    repository.Get(WorkflowEnvKey),
		"is_pr_build": repository.Get(IsPREnvKey) == "true",
	})
}

// NewDefaultUploadTracker sends events with the default analytics client.
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) analytics.Tracker {
	return NewUploadTracker(repository, logger, analytics.NewDefaultTracker)
}
