package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-artifactupload/artifact"
	"github.com/bitrise-io/go-artifactupload/internal/tusserver"
	"github.com/bitrise-io/go-artifactupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mib      = 1024 * 1024
	tenantID = int64(1)
	deviceID = int64(2)
)

var testScope = Scope{TenantID: tenantID, DeviceID: deviceID}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []artifact.UploadProgress
}

func (p *recordingPublisher) Publish(u artifact.UploadProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
}

func (p *recordingPublisher) offsets() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var offsets []int64
	for _, u := range p.updates {
		offsets = append(offsets, u.BytesUploaded)
	}
	return offsets
}

type fakeVerifier struct {
	err   error
	calls []string
}

func (v *fakeVerifier) Verify(_ context.Context, remotePath string, _ int64) error {
	v.calls = append(v.calls, remotePath)
	return v.err
}

func testConfig(server *tusserver.Server) Config {
	config := DefaultConfig()
	config.Endpoint = server.Endpoint()
	config.AccessToken = "token"
	config.APIKey = "key"
	config.HTTPClient = server.Client()
	return config
}

func newTestSession(server *tusserver.Server) *network.SessionClient {
	logger := log.NewLogger()
	transport := network.NewTransport(network.TransportParams{
		AccessToken: "token",
		APIKey:      "key",
		HTTPClient:  server.Client(),
	}, logger)
	return network.NewSessionClient(transport, logger)
}

func newTestController(server *tusserver.Server, config Config, verifier Verifier) *Controller {
	return NewController(config, newTestSession(server), verifier, log.NewLogger())
}

func writeArtifact(t *testing.T, name string, size int) (artifact.Artifact, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	pth := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(pth, data, 0644))

	now := time.Now()
	return artifact.Artifact{
		ID:        10,
		FilePath:  pth,
		DeviceID:  deviceID,
		CreatedAt: now,
		UpdatedAt: now,
	}, data
}

// withSession creates a session for the artifact out of band, as a previous run would have.
func withSession(t *testing.T, server *tusserver.Server, art artifact.Artifact, declared int64, generatedAt time.Time) artifact.Artifact {
	t.Helper()
	sessionURL, err := newTestSession(server).Create(context.Background(), server.Endpoint(), declared, map[string]string{
		"objectName": "1/2/" + filepath.Base(art.FilePath),
	})
	require.NoError(t, err)
	return art.WithUploadURL(sessionURL, generatedAt)
}

func TestController_Run_EndToEnd(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	art, data := writeArtifact(t, "clip.mp4", 5*mib/2)
	verifier := &fakeVerifier{}
	controller := newTestController(server, testConfig(server), verifier)
	publisher := &recordingPublisher{}

	res, err := controller.Run(context.Background(), art, testScope, RunOptions{Progress: publisher})
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	assert.Equal(t, "artifacts/1/2/clip.mp4", res.RemotePath)
	assert.Equal(t, "artifacts/1/2/clip.mp4", res.Artifact.FilePath)
	assert.True(t, res.Artifact.HasUploadedFileToStorage)
	assert.Equal(t, int64(len(data)), res.Offset)
	assert.Equal(t, 3, res.Patches)
	assert.Equal(t, 0, res.Regenerations)
	assert.NotEmpty(t, res.Artifact.UploadURL)

	assert.Equal(t, 1, server.Creates())
	assert.Equal(t, []int{mib, mib, mib / 2}, server.PatchSizes())
	assert.Equal(t, []int64{mib, 2 * mib, 5 * mib / 2}, publisher.offsets())
	assert.Equal(t, []string{"1/2/clip.mp4"}, verifier.calls)

	stored, ok := server.ObjectData("1/2/clip.mp4")
	require.True(t, ok)
	assert.Equal(t, data, stored)

	upload, ok := server.Upload(res.Artifact.UploadURL)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"bucketName":   "artifacts",
		"objectName":   "1/2/clip.mp4",
		"cacheControl": "3600",
		"upsert":       "true",
	}, upload.Metadata)
}

func TestController_Run_AlreadyUploaded(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	art, _ := writeArtifact(t, "clip.mp4", 10)
	art = art.MarkUploaded("artifacts/1/2/clip.mp4", time.Now())
	controller := newTestController(server, testConfig(server), nil)

	res, err := controller.Run(context.Background(), art, testScope, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, art, res.Artifact)
	assert.Equal(t, "artifacts/1/2/clip.mp4", res.RemotePath)
	assert.Equal(t, 0, server.Requests())
}

func TestController_Run_URLFreshness(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name            string
		age             time.Duration
		wantCreates     int
		wantRegenerated bool
	}{
		{name: "just below max age", age: 23*time.Hour + 59*time.Minute, wantCreates: 1, wantRegenerated: false},
		{name: "just above max age", age: 24*time.Hour + time.Minute, wantCreates: 2, wantRegenerated: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tusserver.New()
			defer server.Close()

			art, _ := writeArtifact(t, "clip.mp4", mib)
			art = withSession(t, server, art, mib, now.Add(-tt.age))
			original := art.UploadURL

			controller := newTestController(server, testConfig(server), nil)
			controller.now = func() time.Time { return now }
			controller.urls.now = func() time.Time { return now }

			res, err := controller.Run(context.Background(), art, testScope, RunOptions{})
			require.NoError(t, err)

			assert.Equal(t, tt.wantCreates, server.Creates())
			assert.Equal(t, tt.wantRegenerated, res.Artifact.UploadURL != original)
			assert.True(t, res.Artifact.HasUploadedFileToStorage)
			if tt.wantRegenerated {
				require.NotNil(t, res.Artifact.UploadURLGeneratedAt)
				assert.Equal(t, now, *res.Artifact.UploadURLGeneratedAt)
			}
		})
	}
}

func TestController_Run_SessionLost(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		notFound   int
		// lostAtPatch loses the session right after the given chunk was committed.
		lostAtPatch int
		wantErr     bool
	}{
		{name: "no loss", maxRetries: 2, notFound: 0},
		{name: "loss after the first chunk", maxRetries: 2, lostAtPatch: 1},
		{name: "one loss", maxRetries: 2, notFound: 1},
		{name: "two losses", maxRetries: 2, notFound: 2},
		{name: "three losses", maxRetries: 2, notFound: 3, wantErr: true},
		{name: "retries disabled", maxRetries: 0, notFound: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tusserver.New()
			defer server.Close()

			art, data := writeArtifact(t, "clip.mp4", 3*mib/2)
			art = withSession(t, server, art, 3*mib/2, time.Now())
			server.RespondNotFound(tt.notFound)
			if tt.lostAtPatch > 0 {
				server.OnPatch = func(_ *tusserver.Upload, patchCount int) {
					if patchCount == tt.lostAtPatch {
						server.RespondNotFound(1)
					}
				}
			}

			config := testConfig(server)
			config.MaxRetries = tt.maxRetries
			controller := newTestController(server, config, nil)
			publisher := &recordingPublisher{}

			res, err := controller.Run(context.Background(), art, testScope, RunOptions{Progress: publisher})

			wantRegenerations := tt.notFound
			if tt.lostAtPatch > 0 {
				wantRegenerations = 1
			}
			if wantRegenerations > tt.maxRetries {
				wantRegenerations = tt.maxRetries
			}

			offsets := publisher.offsets()
			for i := 1; i < len(offsets); i++ {
				assert.Greater(t, offsets[i], offsets[i-1], "offsets %v", offsets)
			}
			assert.Equal(t, 1+wantRegenerations, server.Creates())
			assert.Equal(t, wantRegenerations, res.Regenerations)

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrRetriesExhausted), "got %v", err)
				assert.True(t, errors.Is(err, network.ErrSessionNotFound), "got %v", err)
				assert.False(t, res.Artifact.HasUploadedFileToStorage)

				var uploadErr *Error
				require.True(t, errors.As(err, &uploadErr))
				assert.Equal(t, art.FilePath, uploadErr.FilePath)
				return
			}

			require.NoError(t, err)
			assert.True(t, res.Artifact.HasUploadedFileToStorage)
			assert.Equal(t, "artifacts/1/2/clip.mp4", res.Artifact.FilePath)
			if wantRegenerations > 0 {
				assert.NotEqual(t, art.UploadURL, res.Artifact.UploadURL)
			}
			require.NotEmpty(t, offsets)
			assert.Equal(t, int64(3*mib/2), offsets[len(offsets)-1])

			stored, ok := server.ObjectData("1/2/clip.mp4")
			require.True(t, ok)
			assert.Equal(t, data, stored)
		})
	}
}

func TestController_Run_CancelAndResume(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	art, data := writeArtifact(t, "clip.mp4", 5*mib/2)
	controller := newTestController(server, testConfig(server), nil)

	cancel := NewCancelSignal()
	server.OnPatch = func(_ *tusserver.Upload, patchCount int) {
		if patchCount == 1 {
			cancel.Cancel()
		}
	}

	res, err := controller.Run(context.Background(), art, testScope, RunOptions{Cancel: cancel.Done()})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, int64(mib), res.Offset)
	assert.False(t, res.Artifact.HasUploadedFileToStorage)
	assert.Equal(t, art.FilePath, res.Artifact.FilePath)
	assert.NotEmpty(t, res.Artifact.UploadURL)
	assert.NotNil(t, res.Artifact.UploadURLGeneratedAt)
	assert.Empty(t, res.RemotePath)

	resumed, err := controller.Run(context.Background(), res.Artifact, testScope, RunOptions{})
	require.NoError(t, err)

	assert.True(t, resumed.Artifact.HasUploadedFileToStorage)
	assert.Equal(t, res.Artifact.UploadURL, resumed.Artifact.UploadURL)
	assert.Equal(t, 1, server.Creates())
	assert.Equal(t, []int{mib, mib, mib / 2}, server.PatchSizes())

	stored, ok := server.ObjectData("1/2/clip.mp4")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestController_Run_CancelledBeforeStart(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	art, _ := writeArtifact(t, "clip.mp4", mib)
	controller := newTestController(server, testConfig(server), nil)

	cancel := NewCancelSignal()
	cancel.Cancel()

	res, err := controller.Run(context.Background(), art, testScope, RunOptions{Cancel: cancel.Done()})
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, art, res.Artifact)
	assert.Equal(t, 0, server.Requests())
}

func TestController_Run_VerificationFailure(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	art, _ := writeArtifact(t, "clip.mp4", mib)
	verifier := &fakeVerifier{err: network.ErrObjectNotFound}
	controller := newTestController(server, testConfig(server), verifier)

	res, err := controller.Run(context.Background(), art, testScope, RunOptions{})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrVerification), "got %v", err)
	assert.True(t, errors.Is(err, network.ErrObjectNotFound), "got %v", err)
	assert.False(t, res.Artifact.HasUploadedFileToStorage)
	assert.Equal(t, art.FilePath, res.Artifact.FilePath)

	var uploadErr *Error
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, int64(mib), uploadErr.Offset)
}

func TestController_Run_DeclaredLengthMismatch(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	art, _ := writeArtifact(t, "clip.mp4", mib)
	art = withSession(t, server, art, 2*mib, time.Now())
	controller := newTestController(server, testConfig(server), nil)

	_, err := controller.Run(context.Background(), art, testScope, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, network.ErrProtocolViolation), "got %v", err)
	assert.Equal(t, 1, server.Creates())
	assert.Equal(t, 0, server.Patches())
}

func TestController_Run_InvalidInput(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	controller := newTestController(server, testConfig(server), nil)

	tests := []struct {
		name    string
		art     artifact.Artifact
		wantErr error
	}{
		{name: "empty path", art: artifact.Artifact{FilePath: ""}, wantErr: artifact.ErrInvalidPath},
		{name: "missing file", art: artifact.Artifact{FilePath: filepath.Join(t.TempDir(), "missing.mp4")}, wantErr: os.ErrNotExist},
		{name: "directory", art: artifact.Artifact{FilePath: t.TempDir()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := controller.Run(context.Background(), tt.art, testScope, RunOptions{})
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
			assert.Equal(t, tt.art, res.Artifact)
		})
	}

	assert.Equal(t, 0, server.Requests())
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	valid.Endpoint = "https://project.supabase.co/storage/v1/upload/resumable"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{name: "no endpoint", modify: func(c *Config) { c.Endpoint = " " }},
		{name: "no bucket", modify: func(c *Config) { c.Bucket = "" }},
		{name: "zero chunk size", modify: func(c *Config) { c.ChunkSize = 0 }},
		{name: "negative retries", modify: func(c *Config) { c.MaxRetries = -1 }},
		{name: "zero max age", modify: func(c *Config) { c.URLMaxAge = 0 }},
		{name: "zero concurrency", modify: func(c *Config) { c.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.modify(&config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "artifacts", config.Bucket)
	assert.Equal(t, int64(mib), config.ChunkSize)
	assert.Equal(t, 2, config.MaxRetries)
	assert.Equal(t, 24*time.Hour, config.URLMaxAge)
	assert.Equal(t, "3600", config.CacheControl)
}
