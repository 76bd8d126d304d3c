package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-artifactupload/internal/tusserver"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_UploadsAndResumesFromState(t *testing.T) {
	server := tusserver.New()
	defer server.Close()

	t.Setenv("ARTIFACT_UPLOAD_ENDPOINT", server.Endpoint())
	t.Setenv("ARTIFACT_UPLOAD_ACCESS_TOKEN", "token")
	t.Setenv("ARTIFACT_UPLOAD_CHUNK_SIZE", "1024")

	dir := t.TempDir()
	data := make([]byte, 2500)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), data, 0644))
	statePath := filepath.Join(t.TempDir(), "state.json")

	opts := options{tenantID: 1, deviceID: 2, statePath: statePath}
	err := run(context.Background(), opts, []string{filepath.Join(dir, "*.mp4")}, env.NewRepository(), log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, 1, server.Creates())
	assert.Equal(t, []int{1024, 1024, 452}, server.PatchSizes())
	stored, ok := server.ObjectData("1/2/clip.mp4")
	require.True(t, ok)
	assert.Equal(t, data, stored)

	records, err := loadState(statePath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].HasUploadedFileToStorage)
	assert.Equal(t, "artifacts/1/2/clip.mp4", records[0].FilePath)

	requests := server.Requests()
	err = run(context.Background(), opts, []string{filepath.Join(dir, "clip.mp4")}, env.NewRepository(), log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, requests, server.Requests())

	again, err := loadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, records, again)
}

func TestRun_Failures(t *testing.T) {
	server := tusserver.New()
	defer server.Close()
	server.CreateStatus = 500

	t.Setenv("ARTIFACT_UPLOAD_ENDPOINT", server.Endpoint())
	t.Setenv("ARTIFACT_UPLOAD_ACCESS_TOKEN", "token")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("data"), 0644))
	statePath := filepath.Join(t.TempDir(), "state.json")

	opts := options{tenantID: 1, deviceID: 2, statePath: statePath}
	err := run(context.Background(), opts, []string{filepath.Join(dir, "clip.mp4")}, env.NewRepository(), log.NewLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUploadsFailed), "got %v", err)

	records, err := loadState(statePath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].HasUploadedFileToStorage)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), records[0].FilePath)
}

func TestRun_InvalidSetup(t *testing.T) {
	t.Setenv("ARTIFACT_UPLOAD_ENDPOINT", "https://storage.test/upload/resumable")
	t.Setenv("ARTIFACT_UPLOAD_ACCESS_TOKEN", "")

	err := run(context.Background(), options{tenantID: 1, deviceID: 2}, []string{"*.mp4"}, env.NewRepository(), log.NewLogger())
	assert.Error(t, err)

	t.Setenv("ARTIFACT_UPLOAD_ACCESS_TOKEN", "token")
	err = run(context.Background(), options{tenantID: 1, deviceID: 2}, []string{filepath.Join(t.TempDir(), "*.mp4")}, env.NewRepository(), log.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no artifact found")
}

func TestNewRootCommand_RequiresFlags(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"clip.mp4"})
	cmd.SetOut(new(nopWriter))
	cmd.SetErr(new(nopWriter))

	assert.Error(t, cmd.Execute())
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) {
	return len(p), nil
}
