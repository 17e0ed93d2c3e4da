package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// Local stores blobs in a directory on local disk.
type Local struct {
	root string
}

// NewLocal prepares root and returns a disk-backed store.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("blobstore: storage path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

// Promote renames the temp file into place, copying across filesystems when needed.
func (l *Local) Promote(ctx context.Context, tempPath string, storedName string) error {
	if err := ValidateName(storedName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := l.path(storedName)
	err := os.Rename(tempPath, target)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("blobstore: promote %s: %w", storedName, err)
	}
	if err := copyAcrossDevices(tempPath, target); err != nil {
		return fmt.Errorf("blobstore: promote %s: %w", storedName, err)
	}
	return os.Remove(tempPath)
}

// copyAcrossDevices writes a staged sibling of target and renames it into place.
func copyAcrossDevices(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	staged, err := os.CreateTemp(filepath.Dir(target), ".promote-*")
	if err != nil {
		return err
	}
	stagedPath := staged.Name()
	if _, err := io.Copy(staged, in); err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return err
	}
	if err := staged.Sync(); err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return err
	}
	if err := staged.Close(); err != nil {
		os.Remove(stagedPath)
		return err
	}
	if err := os.Rename(stagedPath, target); err != nil {
		os.Remove(stagedPath)
		return err
	}
	return nil
}

// Open returns a reader for the blob and its size.
func (l *Local) Open(ctx context.Context, storedName string) (io.ReadCloser, int64, error) {
	if err := ValidateName(storedName); err != nil {
		return nil, 0, err
	}
	file, err := os.Open(l.path(storedName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrBlobNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("blobstore: open %s: %w", storedName, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("blobstore: stat %s: %w", storedName, err)
	}
	return file, info.Size(), nil
}

// Remove deletes the blob. Removing a missing blob reports ErrBlobNotFound.
func (l *Local) Remove(ctx context.Context, storedName string) error {
	if err := ValidateName(storedName); err != nil {
		return err
	}
	err := os.Remove(l.path(storedName))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("blobstore: remove %s: %w", storedName, err)
	}
	return nil
}

func (l *Local) path(storedName string) string {
	return filepath.Join(l.root, storedName)
}
