// Package blobstore defines the byte-blob storage contract used for index
// partitions and cache bookkeeping, plus its filesystem, in-memory and
// S3-compatible backends.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Read when the key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is a flat key/value store of opaque blobs. Keys are slash separated.
type Store interface {
	// Read returns the blob stored under key or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write replaces the blob under key. Readers never observe a partial write.
	Write(ctx context.Context, key string, data []byte) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Join builds a key from path segments.
func Join(parts ...string) string {
	return path.Join(parts...)
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("empty blob key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
