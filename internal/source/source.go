// Package source lists and fetches photos from the places a collection lives.
package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileInfo describes one file in a source listing.
type FileInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modified_time"`
	MIMEType     string    `json:"mime_type,omitempty"`
}

// Source is a listable, fetchable collection of files.
type Source interface {
	// List returns every file in the collection. Implementations exhaust pagination.
	List(ctx context.Context) ([]FileInfo, error)
	// Fetch returns the bytes of one file.
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// ErrFetch is matched by every FetchError.
var ErrFetch = errors.New("fetch failed")

// FetchError is returned when a file cannot be retrieved.
type FetchError struct {
	FileID    string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.FileID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// IsRetryable reports whether err is a FetchError worth retrying.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable
}

// DefaultImageExtensions are the file extensions treated as photos.
var DefaultImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tif", ".tiff"}

// IsImage reports whether f looks like a photo by MIME type or extension.
func IsImage(f FileInfo, extensions []string) bool {
	if strings.HasPrefix(f.MIMEType, "image/") {
		return true
	}
	if len(extensions) == 0 {
		extensions = DefaultImageExtensions
	}
	ext := strings.ToLower(filepath.Ext(f.Name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// FilterImages keeps only image files, preserving order.
func FilterImages(files []FileInfo, extensions []string) []FileInfo {
	out := make([]FileInfo, 0, len(files))
	for _, f := range files {
		if IsImage(f, extensions) {
			out = append(out, f)
		}
	}
	return out
}
