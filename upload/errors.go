package upload

import (
	"errors"
	"fmt"
)

// ErrVerification means the finished object could not be confirmed in storage.
var ErrVerification = errors.New("uploaded object verification failed")

// ErrRetriesExhausted means the server kept losing the upload session.
var ErrRetriesExhausted = errors.New("upload session regeneration limit reached")

// Error is a failed upload of one artifact.
type Error struct {
	FilePath string
	// Offset is the last offset the server confirmed.
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %s (confirmed offset %d): %s", e.FilePath, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
