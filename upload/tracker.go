package upload

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-artifactupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/analytics"
)

type uploadTracker struct {
	tracker analytics.Tracker
}

func newUploadTracker(tracker analytics.Tracker) uploadTracker {
	return uploadTracker{tracker: tracker}
}

func (t uploadTracker) logFinished(res Result, err error) {
	if t.tracker == nil {
		return
	}

	if res.Regenerations > 0 {
		t.tracker.Enqueue("artifact_upload_url_regenerated", analytics.Properties{
			"regenerations": res.Regenerations,
		})
	}

	switch {
	case err != nil:
		t.tracker.Enqueue("artifact_upload_failed", analytics.Properties{
			"reason":            failureReason(err),
			"upload_size_bytes": res.FileSize,
			"confirmed_bytes":   res.Offset,
		})
	case res.Cancelled:
		t.tracker.Enqueue("artifact_upload_cancelled", analytics.Properties{
			"upload_size_bytes": res.FileSize,
			"confirmed_bytes":   res.Offset,
		})
	default:
		t.tracker.Enqueue("artifact_upload_completed", analytics.Properties{
			"upload_time_s":     res.Duration.Truncate(time.Second).Seconds(),
			"upload_size_bytes": res.FileSize,
			"patch_count":       res.Patches,
		})
	}
}

func (t uploadTracker) wait() {
	if t.tracker != nil {
		t.tracker.Wait()
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return "session_lost"
	case errors.Is(err, ErrVerification):
		return "verification"
	case errors.Is(err, network.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, network.ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
