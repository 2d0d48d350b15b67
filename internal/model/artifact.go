package model

import (
	"strconv"
	"strings"
)

// FileType classifies a downloadable resource.
type FileType string

// File type constants
const (
	FileTypePDF          FileType = "pdf"
	FileTypeHTMLSnapshot FileType = "html_snapshot"
	FileTypeThumbnail    FileType = "thumbnail"
	FileTypeOther        FileType = "other"
)

// Extension returns the file extension appended when a filename lacks one.
func (t FileType) Extension() string {
	switch t {
	case FileTypePDF:
		return ".pdf"
	case FileTypeHTMLSnapshot:
		return ".html"
	case FileTypeThumbnail:
		return ".jpg"
	default:
		return ""
	}
}

// Resource is a downloadable URL discovered for an Item.
type Resource struct {
	Type     FileType `json:"type"`
	URL      string   `json:"url"`
	Critical bool     `json:"critical"`
}

// DownloadStatus is the latest outcome recorded for a FileArtifact.
type DownloadStatus string

// Download status constants. Failure statuses all carry the FAILED_ prefix.
const (
	DownloadDownloaded      DownloadStatus = "DOWNLOADED"
	DownloadSkippedExisting DownloadStatus = "SKIPPED_EXISTING"
	DownloadFailedTimeout   DownloadStatus = "FAILED_TIMEOUT"
	DownloadFailedNetwork   DownloadStatus = "FAILED_NETWORK"
	DownloadFailedContent   DownloadStatus = "FAILED_INVALID_CONTENT"
	DownloadFailedIO        DownloadStatus = "FAILED_IO"
	DownloadFailedNoURL     DownloadStatus = "FAILED_NO_URL"
)

// DownloadFailedHTTP returns the failure status for an HTTP status code.
func DownloadFailedHTTP(code int) DownloadStatus {
	return DownloadStatus("FAILED_HTTP_" + strconv.Itoa(code))
}

// Success reports whether s is a terminal success.
func (s DownloadStatus) Success() bool {
	return s == DownloadDownloaded || s == DownloadSkippedExisting
}

// Failed reports whether s is any FAILED_ outcome.
func (s DownloadStatus) Failed() bool {
	return strings.HasPrefix(string(s), "FAILED_")
}

// FileArtifact is one downloaded (or attempted) resource of an Item.
type FileArtifact struct {
	ID             string         `json:"id"`
	ItemID         string         `json:"item_id"`
	FileType       FileType       `json:"file_type"`
	RemoteURL      string         `json:"remote_url"`
	LocalPath      *string        `json:"local_path,omitempty"`
	DownloadStatus DownloadStatus `json:"download_status"`
	ContentHash    *string        `json:"content_hash,omitempty"`
	SizeBytes      *int64         `json:"size_bytes,omitempty"`
	LastAttemptAt  string         `json:"last_attempt_at"`
	SuccessAt      *string        `json:"success_at,omitempty"`
}

// FileResult is the outcome of one download, as written to the store.
type FileResult struct {
	ItemID    string
	RemoteURL string
	FileType  FileType
	Status    DownloadStatus
	LocalPath string
	Hash      string
	Size      int64
}
