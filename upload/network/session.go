package network

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	headerLocation     = "Location"
	headerUploadLength = "Upload-Length"
	headerUploadOffset = "Upload-Offset"
	headerMetadata     = "Upload-Metadata"
	headerContentType  = "Content-Type"

	offsetContentType = "application/offset+octet-stream"
)

// Offset is the server side state of an upload session.
type Offset struct {
	Offset int64
	// Total is the declared upload length, valid if TotalKnown is set.
	Total      int64
	TotalKnown bool
}

// SessionClient implements the resumable upload session operations: create, query and patch.
type SessionClient struct {
	doer   Doer
	logger log.Logger
}

// NewSessionClient ...
func NewSessionClient(doer Doer, logger log.Logger) *SessionClient {
	return &SessionClient{
		doer:   doer,
		logger: logger,
	}
}

// Create registers a new upload of fileSize bytes and returns its session URL.
func (c *SessionClient) Create(ctx context.Context, endpoint string, fileSize int64, metadata map[string]string) (string, error) {
	if fileSize < 0 {
		return "", fmt.Errorf("invalid file size: %d", fileSize)
	}

	resp, err := c.doer.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: map[string]string{
			headerUploadLength: strconv.FormatInt(fileSize, 10),
			headerMetadata:     encodeMetadata(metadata),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create upload session: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		return "", unwrapError(http.MethodPost, resp)
	}

	location := resp.Header.Get(headerLocation)
	if location == "" {
		return "", protocolViolation("create response (HTTP %d) has no %s header", resp.StatusCode, headerLocation)
	}

	sessionURL, err := resolveLocation(endpoint, location)
	if err != nil {
		return "", protocolViolation("invalid session location %q: %s", location, err)
	}
	c.logger.Debugf("Upload session created: %s", sessionURL)

	return sessionURL, nil
}

// Query asks the server for the committed offset of the session.
func (c *SessionClient) Query(ctx context.Context, sessionURL string) (Offset, error) {
	resp, err := c.doer.Do(ctx, Request{
		Method: http.MethodHead,
		URL:    sessionURL,
	})
	if err != nil {
		return Offset{}, fmt.Errorf("query upload session: %w", err)
	}

	if isSessionGone(resp.StatusCode) {
		return Offset{}, fmt.Errorf("%w: HTTP %d for %s", ErrSessionNotFound, resp.StatusCode, sessionURL)
	}
	if !isSuccess(resp.StatusCode) {
		return Offset{}, unwrapError(http.MethodHead, resp)
	}

	offset, err := parseByteCount(resp.Header, headerUploadOffset)
	if err != nil {
		return Offset{}, err
	}

	state := Offset{Offset: offset}
	if resp.Header.Get(headerUploadLength) != "" {
		total, err := parseByteCount(resp.Header, headerUploadLength)
		if err != nil {
			return Offset{}, err
		}
		if offset > total {
			return Offset{}, protocolViolation("offset %d exceeds declared length %d", offset, total)
		}
		state.Total = total
		state.TotalKnown = true
	}

	return state, nil
}

// Patch appends chunk at offset and returns the new committed offset.
// The returned offset is always offset+len(chunk); anything else is a protocol violation.
func (c *SessionClient) Patch(ctx context.Context, sessionURL string, offset int64, chunk []byte) (int64, error) {
	resp, err := c.doer.Do(ctx, Request{
		Method: http.MethodPatch,
		URL:    sessionURL,
		Header: map[string]string{
			headerContentType:  offsetContentType,
			headerUploadOffset: strconv.FormatInt(offset, 10),
		},
		Body: chunk,
	})
	if err != nil {
		return 0, fmt.Errorf("patch upload session at offset %d: %w", offset, err)
	}

	switch {
	case isSessionGone(resp.StatusCode):
		return 0, fmt.Errorf("%w: HTTP %d for %s", ErrSessionNotFound, resp.StatusCode, sessionURL)
	case resp.StatusCode == http.StatusConflict:
		return 0, protocolViolation("server rejected offset %d: %s", offset, strings.TrimSpace(string(resp.Body)))
	case !isSuccess(resp.StatusCode):
		return 0, unwrapError(http.MethodPatch, resp)
	}

	newOffset, err := parseByteCount(resp.Header, headerUploadOffset)
	if err != nil {
		return 0, err
	}

	if want := offset + int64(len(chunk)); newOffset != want {
		return 0, protocolViolation("server committed offset %d after sending %d bytes at %d, expected %d", newOffset, len(chunk), offset, want)
	}

	return newOffset, nil
}

func encodeMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s %s", k, base64.StdEncoding.EncodeToString([]byte(metadata[k]))))
	}
	return strings.Join(pairs, ",")
}

func resolveLocation(endpoint, location string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func parseByteCount(header http.Header, name string) (int64, error) {
	raw := header.Get(name)
	if raw == "" {
		return 0, protocolViolation("missing %s header", name)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, protocolViolation("invalid %s header: %q", name, raw)
	}
	return value, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func unwrapError(method string, resp *Response) error {
	return &StatusError{
		Method:     method,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(resp.Body)),
	}
}
