// Package tusserver is an in-memory resumable upload server for tests.
package tusserver

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

const basePath = "/files/"

// Upload is the server side state of one session.
type Upload struct {
	ID       string
	Length   int64
	Metadata map[string]string
	Data     []byte
}

// Offset ...
func (u *Upload) Offset() int64 {
	return int64(len(u.Data))
}

// Server ...
type Server struct {
	srv *httptest.Server

	mu         sync.Mutex
	nextID     int
	uploads    map[string]*Upload
	creates    int
	queries    int
	patches    int
	patchSizes []int
	notFound   int
	headers    []http.Header

	// OnPatch runs after a chunk was committed and before the response is written.
	OnPatch func(u *Upload, patchCount int)
	// CreateStatus overrides the status code of session creation when non-zero.
	CreateStatus int
	// OmitLength hides Upload-Length from query responses.
	OmitLength bool
}

// New starts a server. Close it when done.
func New() *Server {
	s := &Server{uploads: map[string]*Upload{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint is the URL sessions are created at.
func (s *Server) Endpoint() string {
	return s.srv.URL + basePath
}

// Close ...
func (s *Server) Close() {
	s.srv.Close()
}

// Client returns an HTTP client talking to the server.
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

// RespondNotFound makes the next n query or patch requests answer 404 as if the session expired.
func (s *Server) RespondNotFound(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notFound = n
}

// Expire forgets every session.
func (s *Server) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = map[string]*Upload{}
}

// Creates ...
func (s *Server) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Queries ...
func (s *Server) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Patches ...
func (s *Server) Patches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches
}

// Requests is the number of requests of any kind.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

// PatchSizes returns the body size of every accepted patch in order.
func (s *Server) PatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.patchSizes...)
}

// Headers returns the headers of every request in order.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Upload returns a copy of the session with the given URL, if it exists.
func (s *Server) Upload(sessionURL string) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sessionURL
	if i := strings.LastIndex(sessionURL, basePath); i >= 0 {
		id = sessionURL[i+len(basePath):]
	}
	u, ok := s.uploads[id]
	if !ok {
		return Upload{}, false
	}
	return copyUpload(u), true
}

// ObjectData returns the bytes of the last session created for an object name.
func (s *Server) ObjectData(objectName string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Upload
	for i := 1; i <= s.nextID; i++ {
		if u, ok := s.uploads[strconv.Itoa(i)]; ok && u.Metadata["objectName"] == objectName {
			found = u
		}
	}
	if found == nil {
		return nil, false
	}
	return append([]byte(nil), found.Data...), true
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		s.create(w, r)
	case http.MethodHead:
		s.query(w, r)
	case http.MethodPatch:
		s.patch(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++

	if s.CreateStatus != 0 {
		w.WriteHeader(s.CreateStatus)
		return
	}

	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil {
		http.Error(w, "invalid Upload-Length", http.StatusBadRequest)
		return
	}
	metadata, err := decodeMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.uploads[id] = &Upload{ID: id, Length: length, Metadata: metadata}

	w.Header().Set("Location", basePath+id)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++

	u, ok := s.lookup(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(u.Offset(), 10))
	if !s.OmitLength {
		w.Header().Set("Upload-Length", strconv.FormatInt(u.Length, 10))
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.patches++
	u, ok := s.lookup(r)
	if !ok {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset != u.Offset() {
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("offset mismatch: have %d", u.Offset()), http.StatusConflict)
		return
	}
	if u.Offset()+int64(len(body)) > u.Length {
		s.mu.Unlock()
		http.Error(w, "chunk exceeds upload length", http.StatusRequestEntityTooLarge)
		return
	}

	u.Data = append(u.Data, body...)
	s.patchSizes = append(s.patchSizes, len(body))
	patchCount := len(s.patchSizes)
	newOffset := u.Offset()
	hook := s.OnPatch
	snapshot := copyUpload(u)
	s.mu.Unlock()

	if hook != nil {
		hook(&snapshot, patchCount)
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// lookup must be called with mu held.
func (s *Server) lookup(r *http.Request) (*Upload, bool) {
	if s.notFound > 0 {
		s.notFound--
		return nil, false
	}
	u, ok := s.uploads[strings.TrimPrefix(r.URL.Path, basePath)]
	return u, ok
}

func copyUpload(u *Upload) Upload {
	c := *u
	c.Data = append([]byte(nil), u.Data...)
	c.Metadata = map[string]string{}
	for k, v := range u.Metadata {
		c.Metadata[k] = v
	}
	return c
}

func decodeMetadata(header string) (map[string]string, error) {
	metadata := map[string]string{}
	if header == "" {
		return metadata, nil
	}
	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), " ", 2)
		if len(parts) != 2 {
			metadata[parts[0]] = ""
			continue
		}
		value, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", parts[0], err)
		}
		metadata[parts[0]] = string(value)
	}
	return metadata, nil
}
