// Package blobstore holds finalized files under their permanent stored names.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	// ErrBlobNotFound indicates that no blob exists under the stored name.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
	// ErrInvalidName indicates a stored name that could escape the store.
	ErrInvalidName = errors.New("blobstore: invalid stored name")
)

// Store promotes temp artifacts to permanent storage and serves them back.
type Store interface {
	// Promote moves the fully written temp file into permanent storage under
	// storedName. On success the temp file no longer exists.
	Promote(ctx context.Context, tempPath string, storedName string) error
	Open(ctx context.Context, storedName string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, storedName string) error
}

// ValidateName rejects names containing path separators or traversal.
func ValidateName(storedName string) error {
	trimmed := strings.TrimSpace(storedName)
	if trimmed == "" || trimmed != storedName || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, storedName)
	}
	if filepath.Base(storedName) != storedName || strings.ContainsAny(storedName, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, storedName)
	}
	return nil
}
