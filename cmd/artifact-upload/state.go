package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-artifactupload/artifact"
)

// loadState reads the artifact records of previous runs. A missing file means no records.
func loadState(pth string) ([]artifact.Artifact, error) {
	if pth == "" {
		return nil, nil
	}

	data, err := os.ReadFile(pth)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var records []artifact.Artifact
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", pth, err)
	}
	return records, nil
}

// saveState replaces the state file.
func saveState(pth string, records []artifact.Artifact) error {
	if pth == "" {
		return nil
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(pth), filepath.Base(pth)+".*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}

	return os.Rename(tmp.Name(), pth)
}

// mergeArtifacts returns the records to upload for the given local files, reusing records of
// previous runs. A file whose object was already uploaded maps to the finished record.
// The second return value is the full record set to persist, including the selected ones.
func mergeArtifacts(records []artifact.Artifact, paths []string, tenantID, deviceID int64, bucket string, now time.Time) ([]artifact.Artifact, []artifact.Artifact) {
	byPath := map[string]int{}
	var nextID int64
	for i, record := range records {
		byPath[record.FilePath] = i
		if record.ID >= nextID {
			nextID = record.ID + 1
		}
	}
	if nextID == 0 {
		nextID = 1
	}

	all := append([]artifact.Artifact(nil), records...)
	var selected []artifact.Artifact
	for _, pth := range paths {
		if i, ok := byPath[pth]; ok {
			selected = append(selected, all[i])
			continue
		}

		if remotePath, err := artifact.ResolveRemotePath(pth, tenantID, deviceID); err == nil {
			if i, ok := byPath[artifact.RemoteObjectKey(bucket, remotePath)]; ok && all[i].HasUploadedFileToStorage {
				selected = append(selected, all[i])
				continue
			}
		}

		record := artifact.Artifact{
			ID:        nextID,
			FilePath:  pth,
			DeviceID:  deviceID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		nextID++
		byPath[pth] = len(all)
		all = append(all, record)
		selected = append(selected, record)
	}

	return selected, all
}

// updateRecords replaces records by ID.
func updateRecords(all []artifact.Artifact, updated []artifact.Artifact) []artifact.Artifact {
	byID := map[int64]artifact.Artifact{}
	for _, record := range updated {
		byID[record.ID] = record
	}

	out := make([]artifact.Artifact, len(all))
	for i, record := range all {
		if u, ok := byID[record.ID]; ok {
			out[i] = u
		} else {
			out[i] = record
		}
	}
	return out
}
