package uploads

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
)

type recordingFinalizer struct {
	mu      sync.Mutex
	records []events.FileRecord
	err     error
}

func (r *recordingFinalizer) finalize(_ context.Context, _ Owner, record events.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, record)
	return nil
}

type harness struct {
	assembler *Assembler
	blobs     *blobstore.Local
	finalizer *recordingFinalizer
	tempDir   string
	blobDir   string
}

func newHarness(testContext *testing.T, maxFileBytes int64) *harness {
	testContext.Helper()
	root := testContext.TempDir()
	blobDir := filepath.Join(root, "files")
	tempDir := filepath.Join(root, "tmp")
	blobs, err := blobstore.NewLocal(blobDir)
	if err != nil {
		testContext.Fatalf("failed to create blob store: %v", err)
	}
	finalizer := &recordingFinalizer{}
	assembler, err := NewAssembler(Config{
		TempDir:      tempDir,
		Blobs:        blobs,
		MaxFileBytes: maxFileBytes,
		OnFinalize:   finalizer.finalize,
	})
	if err != nil {
		testContext.Fatalf("failed to create assembler: %v", err)
	}
	return &harness{assembler: assembler, blobs: blobs, finalizer: finalizer, tempDir: tempDir, blobDir: blobDir}
}

func chunksOf(fileID, filename, content string, size int) []Chunk {
	total := (len(content) + size - 1) / size
	chunks := make([]Chunk, 0, total)
	for index := 0; index < total; index++ {
		end := (index + 1) * size
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, Chunk{
			FileID:    fileID,
			Index:     index,
			Total:     total,
			Data:      []byte(content[index*size : end]),
			Filename:  filename,
			TotalSize: int64(len(content)),
		})
	}
	return chunks
}

func countEntries(testContext *testing.T, directory string) int {
	testContext.Helper()
	entries, err := os.ReadDir(directory)
	if err != nil {
		testContext.Fatalf("failed to list %s: %v", directory, err)
	}
	return len(entries)
}

func TestFeedAssemblesOutOfOrderChunks(testContext *testing.T) {
	h := newHarness(testContext, 1<<20)
	owner := Owner{ConnectionID: "conn-1", ClientID: "client-1", Host: "10.0.0.2"}
	chunks := chunksOf("file-1", "notes.txt", "hello world!!", 5)

	var last FeedResult
	for _, index := range []int{2, 0, 1} {
		result, err := h.assembler.Feed(context.Background(), owner, chunks[index])
		if err != nil {
			testContext.Fatalf("feed %d failed: %v", index, err)
		}
		last = result
	}
	if last.Record == nil {
		testContext.Fatalf("expected final chunk to finalize the transfer")
	}
	if last.Record.DisplayName != "notes.txt" || last.Record.Size != 13 || last.Record.UploaderHost != "10.0.0.2" {
		testContext.Fatalf("unexpected record %#v", last.Record)
	}
	if !strings.HasSuffix(last.Record.StoredName, ".txt") || last.Record.ContentHash == "" {
		testContext.Fatalf("expected stored name and hash, got %#v", last.Record)
	}

	reader, _, err := h.blobs.Open(context.Background(), last.Record.StoredName)
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil || string(content) != "hello world!!" {
		testContext.Fatalf("unexpected content %q (%v)", content, err)
	}
	if len(h.finalizer.records) != 1 {
		testContext.Fatalf("expected exactly one finalize, got %d", len(h.finalizer.records))
	}
	if countEntries(testContext, h.tempDir) != 0 {
		testContext.Fatalf("expected temp directory to be empty")
	}
	if h.assembler.ActiveTransfers() != 0 {
		testContext.Fatalf("expected no active transfers")
	}

	retried, err := h.assembler.Feed(context.Background(), owner, chunks[2])
	if err != nil || !retried.Duplicate || retried.Record != nil {
		testContext.Fatalf("expected retried chunk after completion to be ignored, got %#v (%v)", retried, err)
	}
	if len(h.finalizer.records) != 1 {
		testContext.Fatalf("retry must not finalize again")
	}
}

func TestFeedIgnoresRepeatedChunkIndex(testContext *testing.T) {
	h := newHarness(testContext, 1<<20)
	owner := Owner{ConnectionID: "conn-1"}
	chunks := chunksOf("file-1", "a.bin", "abcdefgh", 4)

	first, err := h.assembler.Feed(context.Background(), owner, chunks[0])
	if err != nil {
		testContext.Fatalf("feed failed: %v", err)
	}
	second, err := h.assembler.Feed(context.Background(), owner, chunks[0])
	if err != nil {
		testContext.Fatalf("repeated feed failed: %v", err)
	}
	if first.Received != 1 || second.Received != 1 || !second.Duplicate {
		testContext.Fatalf("expected received count to stay at 1, got %d then %d", first.Received, second.Received)
	}
	status := h.assembler.Status("conn-1")
	if len(status) != 1 || status[0].Received != 1 || status[0].Total != 2 {
		testContext.Fatalf("unexpected status %#v", status)
	}
}

func TestFailedCommitLeavesNoBlobAndNoRecord(testContext *testing.T) {
	h := newHarness(testContext, 1<<20)
	h.finalizer.err = errors.New("append failed")
	owner := Owner{ConnectionID: "conn-1"}

	var err error
	for _, chunk := range chunksOf("file-1", "a.png", "0123456789", 4) {
		_, err = h.assembler.Feed(context.Background(), owner, chunk)
	}
	if !errors.Is(err, ErrTransferAborted) {
		testContext.Fatalf("expected aborted transfer, got %v", err)
	}
	if countEntries(testContext, h.blobDir) != 0 {
		testContext.Fatalf("expected promoted blob to be removed after failed commit")
	}
	if countEntries(testContext, h.tempDir) != 0 {
		testContext.Fatalf("expected no temp artifacts")
	}
}

func TestAbortConnectionDiscardsEveryTransfer(testContext *testing.T) {
	h := newHarness(testContext, 1<<20)
	owner := Owner{ConnectionID: "conn-lost"}
	other := Owner{ConnectionID: "conn-other"}

	for _, fileID := range []string{"f1", "f2"} {
		if _, err := h.assembler.Feed(context.Background(), owner, chunksOf(fileID, "x.txt", "abcdefgh", 4)[0]); err != nil {
			testContext.Fatalf("feed failed: %v", err)
		}
	}
	if _, err := h.assembler.Feed(context.Background(), other, chunksOf("f1", "y.txt", "abcdefgh", 4)[0]); err != nil {
		testContext.Fatalf("feed failed: %v", err)
	}
	if countEntries(testContext, h.tempDir) != 3 {
		testContext.Fatalf("expected three temp artifacts")
	}

	if aborted := h.assembler.AbortConnection("conn-lost"); aborted != 2 {
		testContext.Fatalf("expected two aborted transfers, got %d", aborted)
	}
	if countEntries(testContext, h.tempDir) != 1 {
		testContext.Fatalf("expected only the other connection's artifact to remain")
	}
	if len(h.assembler.Status("conn-lost")) != 0 || len(h.assembler.Status("conn-other")) != 1 {
		testContext.Fatalf("unexpected status after abort")
	}
	if len(h.finalizer.records) != 0 {
		testContext.Fatalf("aborted transfers must not finalize")
	}
}

func TestFeedRejectsInconsistentChunks(testContext *testing.T) {
	h := newHarness(testContext, 16)
	owner := Owner{ConnectionID: "conn-1"}

	_, err := h.assembler.Feed(context.Background(), owner, Chunk{FileID: "big", Index: 0, Total: 1, Data: []byte("x"), Filename: "a", TotalSize: 32})
	if !errors.Is(err, ErrFileTooLarge) {
		testContext.Fatalf("expected too large, got %v", err)
	}
	_, err = h.assembler.Feed(context.Background(), owner, Chunk{FileID: "bad", Index: 3, Total: 2, Data: []byte("x"), Filename: "a", TotalSize: 2})
	if !errors.Is(err, ErrInvalidChunk) {
		testContext.Fatalf("expected invalid chunk, got %v", err)
	}

	chunks := chunksOf("short", "a.txt", "abcdefgh", 4)
	if _, err := h.assembler.Feed(context.Background(), owner, chunks[0]); err != nil {
		testContext.Fatalf("feed failed: %v", err)
	}
	mismatched := chunks[1]
	mismatched.Index = 1
	mismatched.Total = 3
	if _, err := h.assembler.Feed(context.Background(), owner, mismatched); !errors.Is(err, ErrTransferAborted) {
		testContext.Fatalf("expected changed totals to abort, got %v", err)
	}
	if countEntries(testContext, h.tempDir) != 0 {
		testContext.Fatalf("expected aborted artifact to be removed")
	}
}

func TestStoreSingleEnforcesLimit(testContext *testing.T) {
	h := newHarness(testContext, 1<<20)
	owner := Owner{ConnectionID: "http", Host: "127.0.0.1"}

	record, err := h.assembler.StoreSingle(context.Background(), owner, "dir/report.pdf", strings.NewReader("pdf-bytes"), 64)
	if err != nil {
		testContext.Fatalf("store failed: %v", err)
	}
	if record.DisplayName != "report.pdf" || record.Size != int64(len("pdf-bytes")) {
		testContext.Fatalf("unexpected record %#v", record)
	}

	_, err = h.assembler.StoreSingle(context.Background(), owner, "huge.bin", strings.NewReader(strings.Repeat("x", 65)), 64)
	if !errors.Is(err, ErrFileTooLarge) {
		testContext.Fatalf("expected too large, got %v", err)
	}
	if countEntries(testContext, h.tempDir) != 0 {
		testContext.Fatalf("expected no temp artifacts after rejection")
	}
	if len(h.finalizer.records) != 1 {
		testContext.Fatalf("expected one finalized record, got %d", len(h.finalizer.records))
	}
}

func TestSweeperRemovesOnlyStaleUnownedArtifacts(testContext *testing.T) {
	h := newHarness(testContext, 1<<20)
	if _, err := h.assembler.Feed(context.Background(), Owner{ConnectionID: "live"}, chunksOf("f", "a.txt", "abcdefgh", 4)[0]); err != nil {
		testContext.Fatalf("feed failed: %v", err)
	}
	orphan := filepath.Join(h.tempDir, "upload-orphan.part")
	if err := os.WriteFile(orphan, []byte("left over"), 0o600); err != nil {
		testContext.Fatalf("failed to write orphan: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	matches, _ := filepath.Glob(filepath.Join(h.tempDir, "*"))
	for _, path := range matches {
		if err := os.Chtimes(path, old, old); err != nil {
			testContext.Fatalf("failed to age %s: %v", path, err)
		}
	}

	sweeper, err := NewSweeper(h.assembler, time.Minute, time.Hour, nil)
	if err != nil {
		testContext.Fatalf("failed to create sweeper: %v", err)
	}
	removed, err := sweeper.Sweep()
	if err != nil {
		testContext.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		testContext.Fatalf("expected one removal, got %d", removed)
	}
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		testContext.Fatalf("expected orphan to be removed")
	}
	if countEntries(testContext, h.tempDir) != 1 {
		testContext.Fatalf("expected live artifact to survive")
	}
}

func TestSweeperRunStopsOnCancel(testContext *testing.T) {
	h := newHarness(testContext, 1<<20)
	sweeper, err := NewSweeper(h.assembler, 10*time.Millisecond, time.Hour, nil)
	if err != nil {
		testContext.Fatalf("failed to create sweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			testContext.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		testContext.Fatalf("sweeper did not stop after cancellation")
	}
}
