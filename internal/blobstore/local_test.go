package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalPromoteOpenRemove(testContext *testing.T) {
	root := filepath.Join(testContext.TempDir(), "files")
	store, err := NewLocal(root)
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}

	tempPath := filepath.Join(testContext.TempDir(), "upload-1.part")
	if err := os.WriteFile(tempPath, []byte("payload"), 0o600); err != nil {
		testContext.Fatalf("failed to write temp file: %v", err)
	}

	if err := store.Promote(context.Background(), tempPath, "0190-a.txt"); err != nil {
		testContext.Fatalf("promote failed: %v", err)
	}
	if _, err := os.Stat(tempPath); !errors.Is(err, os.ErrNotExist) {
		testContext.Fatalf("expected temp file to be gone, got %v", err)
	}

	reader, size, err := store.Open(context.Background(), "0190-a.txt")
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	content, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if string(content) != "payload" || size != int64(len("payload")) {
		testContext.Fatalf("unexpected blob %q (%d bytes)", content, size)
	}

	if err := store.Remove(context.Background(), "0190-a.txt"); err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}
	if _, _, err := store.Open(context.Background(), "0190-a.txt"); !errors.Is(err, ErrBlobNotFound) {
		testContext.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), "0190-a.txt"); !errors.Is(err, ErrBlobNotFound) {
		testContext.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestCopyAcrossDevicesReplacesTarget(testContext *testing.T) {
	directory := testContext.TempDir()
	source := filepath.Join(directory, "source")
	target := filepath.Join(directory, "target")
	if err := os.WriteFile(source, []byte("new"), 0o600); err != nil {
		testContext.Fatalf("failed to write source: %v", err)
	}
	if err := os.WriteFile(target, []byte("old"), 0o600); err != nil {
		testContext.Fatalf("failed to write target: %v", err)
	}
	if err := copyAcrossDevices(source, target); err != nil {
		testContext.Fatalf("copy failed: %v", err)
	}
	content, err := os.ReadFile(target)
	if err != nil || string(content) != "new" {
		testContext.Fatalf("unexpected target content %q (%v)", content, err)
	}
}

func TestValidateNameRejectsTraversal(testContext *testing.T) {
	for _, name := range []string{"", "..", "../etc/passwd", "a/b", `a\b`, " padded"} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			testContext.Fatalf("expected %q to be rejected, got %v", name, err)
		}
	}
	if err := ValidateName("0190abc.png"); err != nil {
		testContext.Fatalf("expected valid name, got %v", err)
	}
}
