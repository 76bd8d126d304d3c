package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-artifactupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ErrHungRequest is returned when a chunk request was aborted by hung detection.
var ErrHungRequest = errors.New("chunk request hung")

// Uploader runs transfer passes over upload sessions.
// Chunks of one session are always sent one after the other.
type Uploader struct {
	config  Config
	session SessionClient
	logger  log.Logger
	stats   *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, session SessionClient, logger log.Logger) *Uploader {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}

	return &Uploader{
		config:  config,
		session: session,
		logger:  logger,
		stats:   NewStats(),
	}
}

// Stats returns the chunk statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload resumes the session from the offset the server reports and sends the remaining bytes.
//
// A closed job.Cancel stops the pass before the next chunk and is not an error.
// Session expiry is returned as network.ErrSessionNotFound for the caller to handle.
func (u *Uploader) Upload(ctx context.Context, job Job) (Outcome, error) {
	out := Outcome{State: StateResolving}

	if isCancelled(job.Cancel) {
		out.State = StateCancelled
		return out, nil
	}

	state, err := u.session.Query(ctx, job.SessionURL)
	if err != nil {
		out.State = StateFailed
		return out, fmt.Errorf("query offset: %w", err)
	}

	if state.TotalKnown && state.Total != job.FileSize {
		out.State = StateFailed
		return out, fmt.Errorf("%w: session declared %d bytes, file has %d", network.ErrProtocolViolation, state.Total, job.FileSize)
	}
	if state.Offset > job.FileSize {
		out.State = StateFailed
		return out, fmt.Errorf("%w: session offset %d is past the end of the file (%d bytes)", network.ErrProtocolViolation, state.Offset, job.FileSize)
	}

	out.Offset = state.Offset
	if out.Offset == job.FileSize {
		u.logger.Debugf("Session already holds all %d bytes of %s", job.FileSize, job.FileName)
		u.publish(job, out.Offset)
		out.State = StateCompleted
		return out, nil
	}

	if out.Offset > 0 {
		u.logger.Infof("Resuming %s at %s of %s", job.FileName,
			units.BytesSize(float64(out.Offset)), units.BytesSize(float64(job.FileSize)))
	}

	provider, err := NewFileChunkProvider(job.FilePath, job.FileSize, u.config.ChunkSize)
	if err != nil {
		out.State = StateFailed
		return out, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", job.FilePath, err)
		}
	}()

	out.State = StateTransferring
	for out.Offset < job.FileSize {
		if isCancelled(job.Cancel) {
			u.logger.Debugf("Transfer of %s cancelled at offset %d", job.FileName, out.Offset)
			out.State = StateCancelled
			return out, nil
		}

		chunk, err := provider.ChunkAt(out.Offset)
		if err != nil {
			out.State = StateFailed
			return out, err
		}

		u.logger.Debugf("Uploading chunk at offset %d (%d bytes) [finished=%d] [avg=%v]",
			out.Offset, len(chunk), u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		newOffset, err := u.patchChunk(ctx, job.SessionURL, out.Offset, chunk)
		if err != nil {
			out.State = StateFailed
			return out, err
		}

		if want := out.Offset + int64(len(chunk)); newOffset != want {
			out.State = StateFailed
			return out, fmt.Errorf("%w: committed offset %d, expected %d", network.ErrProtocolViolation, newOffset, want)
		}

		u.stats.Update(time.Since(start), int64(len(chunk)))
		out.Offset = newOffset
		out.Patches++
		u.publish(job, out.Offset)
	}

	out.State = StateCompleted
	return out, nil
}

func (u *Uploader) patchChunk(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error) {
	chunkCtx, cancelChunk := context.WithCancel(ctx)
	defer cancelChunk()

	hung := make(chan struct{})
	if u.config.HungThreshold > 0 {
		go u.detectHungUpload(chunkCtx, cancelChunk, hung, time.Now(), offset)
	}

	newOffset, err := u.session.Patch(chunkCtx, sessionURL, offset, chunk)
	if err != nil {
		select {
		case <-hung:
			return 0, fmt.Errorf("patch at offset %d: %w: %w", offset, ErrHungRequest, err)
		default:
		}
		return 0, err
	}

	return newOffset, nil
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, hung chan<- struct{}, start time.Time, offset int64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (offset %d); canceling request after %s (avg: %s)",
						offset, elapsed.Round(time.Second), avg.Round(time.Second))
					close(hung)
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) publish(job Job, offset int64) {
	if job.Progress == nil {
		return
	}
	job.Progress.Publish(artifact.UploadProgress{
		BytesUploaded: offset,
		TotalBytes:    job.FileSize,
		FileName:      job.FileName,
	})
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
