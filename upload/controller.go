package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-artifactupload/upload/network"
	"github.com/bitrise-io/go-artifactupload/upload/network/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Session is the resumable upload protocol.
type Session interface {
	sessionCreator
	chunkuploader.SessionClient
}

// Verifier confirms a finished object in storage.
type Verifier interface {
	Verify(ctx context.Context, remotePath string, size int64) error
}

// RunOptions ...
type RunOptions struct {
	// Progress is optional.
	Progress chunkuploader.ProgressPublisher
	// Cancel is optional. Once closed the upload stops at the next chunk boundary.
	Cancel <-chan struct{}
}

// Result of uploading one artifact.
type Result struct {
	// Artifact is the updated record. On failure and cancellation it still carries
	// the latest session URL.
	Artifact artifact.Artifact
	// RemotePath is the bucket qualified object key. Set only on completion.
	RemotePath string
	Cancelled  bool
	// Offset is the last offset the server confirmed.
	Offset   int64
	FileSize int64
	// Regenerations counts sessions created because the previous one was lost.
	Regenerations int
	Patches       int
	Duration      time.Duration
}

// Controller uploads one artifact at a time, recovering from lost sessions.
type Controller struct {
	config   Config
	urls     *urlManager
	uploader *chunkuploader.Uploader
	verifier Verifier
	logger   log.Logger
	now      func() time.Time
}

// NewController ...
// verifier is optional.
func NewController(config Config, session Session, verifier Verifier, logger log.Logger) *Controller {
	uploader := chunkuploader.New(chunkuploader.Config{
		ChunkSize:     config.ChunkSize,
		HungThreshold: config.HungThreshold,
	}, session, logger)

	return &Controller{
		config:   config,
		urls:     newURLManager(config, session, logger),
		uploader: uploader,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Stats returns the chunk statistics of every upload run by this controller.
func (c *Controller) Stats() *chunkuploader.Stats {
	return c.uploader.Stats()
}

// Run uploads the artifact's file to "{tenant}/{device}/{filename}" in the configured bucket.
//
// An artifact already marked as uploaded returns immediately without any network traffic.
// When the server reports the session lost, a new session is created and the transfer
// resumes from the offset the new session reports, at most config.MaxRetries times.
// Cancellation is reported in Result.Cancelled and is not an error.
func (c *Controller) Run(ctx context.Context, art artifact.Artifact, scope Scope, opts RunOptions) (Result, error) {
	if art.HasUploadedFileToStorage {
		c.logger.Debugf("%s is already uploaded", art.FilePath)
		return Result{Artifact: art, RemotePath: art.FilePath}, nil
	}

	start := time.Now()
	res := Result{Artifact: art}

	remotePath, err := artifact.ResolveRemotePath(art.FilePath, scope.TenantID, scope.DeviceID)
	if err != nil {
		return res, c.failure(art, 0, err)
	}

	info, err := os.Stat(art.FilePath)
	if err != nil {
		return res, c.failure(art, 0, fmt.Errorf("stat: %w", err))
	}
	if info.IsDir() {
		return res, c.failure(art, 0, fmt.Errorf("%s is a directory", art.FilePath))
	}
	res.FileSize = info.Size()
	fileName, _ := artifact.FileName(art.FilePath)

	var progress chunkuploader.ProgressPublisher
	if opts.Progress != nil {
		progress = &monotonicProgress{next: opts.Progress, published: -1}
	}

	var out chunkuploader.Outcome
	err = retry.Times(uint(c.config.MaxRetries)).TryWithAbort(func(attempt uint) (error, bool) {
		if isCancelled(opts.Cancel) {
			out = chunkuploader.Outcome{State: chunkuploader.StateCancelled, Offset: res.Offset}
			return nil, true
		}

		next, created, err := c.urls.ensureFresh(ctx, res.Artifact, scope, res.FileSize, attempt > 0)
		if err != nil {
			return err, true
		}
		res.Artifact = next
		if created && attempt > 0 {
			res.Regenerations++
		}

		out, err = c.uploader.Upload(ctx, chunkuploader.Job{
			SessionURL: next.UploadURL,
			FilePath:   art.FilePath,
			FileSize:   res.FileSize,
			FileName:   fileName,
			Progress:   progress,
			Cancel:     opts.Cancel,
		})
		res.Offset = out.Offset
		res.Patches += out.Patches
		if errors.Is(err, network.ErrSessionNotFound) {
			if int(attempt) < c.config.MaxRetries {
				c.logger.Warnf("Upload session of %s is gone, creating a new one (%d/%d)", fileName, attempt+1, c.config.MaxRetries)
			}
			return err, false
		}
		return err, true
	})
	res.Duration = time.Since(start)
	if err != nil {
		if errors.Is(err, network.ErrSessionNotFound) {
			err = fmt.Errorf("%w after %d regenerations: %w", ErrRetriesExhausted, res.Regenerations, err)
		}
		return res, c.failure(art, res.Offset, err)
	}

	if out.State == chunkuploader.StateCancelled {
		c.logger.Infof("Upload of %s cancelled at offset %d", fileName, res.Offset)
		res.Cancelled = true
		return res, nil
	}

	if c.verifier != nil {
		if err := c.verifier.Verify(ctx, remotePath, res.FileSize); err != nil {
			return res, c.failure(art, res.Offset, fmt.Errorf("%w: %w", ErrVerification, err))
		}
	}

	res.RemotePath = artifact.RemoteObjectKey(c.config.Bucket, remotePath)
	res.Artifact = res.Artifact.MarkUploaded(res.RemotePath, c.now())
	res.Duration = time.Since(start)

	return res, nil
}

// monotonicProgress drops updates at or below the highest offset already published.
// A regenerated session restarts from its own offset, which is usually lower.
type monotonicProgress struct {
	next      chunkuploader.ProgressPublisher
	published int64
}

func (p *monotonicProgress) Publish(u artifact.UploadProgress) {
	if u.BytesUploaded <= p.published {
		return
	}
	p.published = u.BytesUploaded
	p.next.Publish(u)
}

func isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func (c *Controller) failure(art artifact.Artifact, offset int64, err error) error {
	return &Error{FilePath: art.FilePath, Offset: offset, Err: err}
}
