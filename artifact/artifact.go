// Package artifact holds the media artifact record the uploader consumes and the
// remote object key convention it produces.
package artifact

import (
	"time"
)

// Artifact is a recorded media file owned by a device.
// It is passed around by value: every upload operation returns the updated copy.
type Artifact struct {
	ID        int64  `json:"id"`
	FilePath  string `json:"file_path"`
	DeviceID  int64  `json:"device_id"`
	SessionID *int64 `json:"session_id,omitempty"`

	// HasUploadedFileToStorage is set once the transfer completed. From then on
	// FilePath holds the bucket qualified remote object key.
	HasUploadedFileToStorage bool `json:"has_uploaded_file_to_storage"`

	// UploadURL is the resumable session URL, empty if none was generated yet.
	UploadURL            string     `json:"upload_url,omitempty"`
	UploadURLGeneratedAt *time.Time `json:"upload_url_generated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasUploadURL reports whether a session URL and its generation time are both recorded.
func (a Artifact) HasUploadURL() bool {
	return a.UploadURL != "" && a.UploadURLGeneratedAt != nil
}

// UploadURLAge returns how old the recorded session URL is at now.
// The second return value is false when there is no URL.
func (a Artifact) UploadURLAge(now time.Time) (time.Duration, bool) {
	if !a.HasUploadURL() {
		return 0, false
	}
	return now.Sub(*a.UploadURLGeneratedAt), true
}

// WithUploadURL returns a copy with the session URL replaced.
func (a Artifact) WithUploadURL(url string, generatedAt time.Time) Artifact {
	t := generatedAt
	a.UploadURL = url
	a.UploadURLGeneratedAt = &t
	a.UpdatedAt = generatedAt
	return a
}

// MarkUploaded returns a copy pointing at the remote object key with the uploaded flag set.
func (a Artifact) MarkUploaded(objectKey string, at time.Time) Artifact {
	a.FilePath = objectKey
	a.HasUploadedFileToStorage = true
	a.UpdatedAt = at
	return a
}

// UploadProgress is a single progress report of a running upload.
type UploadProgress struct {
	BytesUploaded int64  `json:"bytes_uploaded"`
	TotalBytes    int64  `json:"total_bytes"`
	FileName      string `json:"file_name"`
}

// Percent is the completed share in the 0-100 range.
func (p UploadProgress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 100
	}
	return float64(p.BytesUploaded) / float64(p.TotalBytes) * 100
}

// Done reports whether the progress reached the total size.
func (p UploadProgress) Done() bool {
	return p.BytesUploaded >= p.TotalBytes
}
