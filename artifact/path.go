package artifact

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultBucket is the storage bucket artifacts are uploaded to.
const DefaultBucket = "artifacts"

// ErrInvalidPath is returned when a local path has no usable file name.
var ErrInvalidPath = errors.New("invalid artifact path")

// FileName returns the final path segment of localPath.
func FileName(localPath string) (string, error) {
	trimmed := strings.TrimSpace(localPath)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	name := filepath.Base(trimmed)
	switch name {
	case ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("%w: no file name in %q", ErrInvalidPath, localPath)
	}

	return name, nil
}

// ResolveRemotePath maps a local file to its object key inside the bucket:
// "{tenant}/{device}/{filename}".
func ResolveRemotePath(localPath string, tenantID, deviceID int64) (string, error) {
	name, err := FileName(localPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d/%d/%s", tenantID, deviceID, name), nil
}

// RemoteObjectKey qualifies a remote path with its bucket.
func RemoteObjectKey(bucket, remotePath string) string {
	return fmt.Sprintf("%s/%s", bucket, remotePath)
}
