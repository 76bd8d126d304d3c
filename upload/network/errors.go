package network

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound means the server no longer knows the upload session (expired or evicted).
// It is the only error that triggers session URL regeneration.
var ErrSessionNotFound = errors.New("upload session not found")

// ErrProtocolViolation means the server answered with something inconsistent with the request,
// e.g. an offset that does not match the bytes sent.
var ErrProtocolViolation = errors.New("upload protocol violation")

// ErrTransport wraps network and IO failures of a single request.
var ErrTransport = errors.New("transport failure")

// StatusError is a non-2xx response that has no more specific meaning.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Method, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Method, e.StatusCode, e.Body)
}

func protocolViolation(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, v...))
}
