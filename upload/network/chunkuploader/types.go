// Package chunkuploader drives a single resumable upload session: it resumes from the
// server confirmed offset and sends the rest of a file in sequential chunks.
package chunkuploader

import (
	"context"

	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-artifactupload/upload/network"
)

// SessionClient is the part of the session protocol the transfer loop needs.
type SessionClient interface {
	Query(ctx context.Context, sessionURL string) (network.Offset, error)
	Patch(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error)
}

// ProgressPublisher receives a progress update after every committed chunk.
// Publish must not block.
type ProgressPublisher interface {
	Publish(p artifact.UploadProgress)
}

// Job describes one pass over an upload session.
type Job struct {
	SessionURL string
	FilePath   string
	FileSize   int64
	// FileName is reported in progress updates.
	FileName string

	// Progress is optional.
	Progress ProgressPublisher
	// Cancel is optional. Once closed the transfer stops before the next chunk.
	Cancel <-chan struct{}
}

// State of a transfer.
type State int

// Transfer states
const (
	StateIdle State = iota
	StateResolving
	StateTransferring
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one transfer pass.
type Outcome struct {
	State State
	// Offset is the last offset confirmed by the server.
	Offset int64
	// Patches is the number of chunks committed during this pass.
	Patches int
}
