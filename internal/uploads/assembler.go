package uploads

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	tempPattern = "upload-*.part"

	pathChunked = "chunked"
	pathSingle  = "single"

	reasonWriteFailed    = "write_failed"
	reasonSizeMismatch   = "size_mismatch"
	reasonPromoteFailed  = "promote_failed"
	reasonCommitFailed   = "commit_failed"
	reasonConnectionLost = "connection_lost"
	reasonExplicit       = "explicit"
)

// Owner identifies the connection and client a transfer belongs to.
type Owner struct {
	ConnectionID string
	ClientID     events.ClientID
	Host         string
}

// Chunk is one fragment of a file transfer.
type Chunk struct {
	FileID    string
	Index     int
	Total     int
	Data      []byte
	Filename  string
	TotalSize int64
}

// FinalizeFunc commits the file_upload event for a promoted blob. When it
// returns an error the blob is removed again.
type FinalizeFunc func(ctx context.Context, owner Owner, record events.FileRecord) error

// FeedResult reports progress after a chunk was accepted.
type FeedResult struct {
	FileID    string
	Received  int
	Total     int
	Duplicate bool
	Record    *events.FileRecord
}

// TransferStatus describes one in-flight transfer.
type TransferStatus struct {
	FileID        string    `json:"fileId"`
	Filename      string    `json:"filename"`
	Received      int       `json:"receivedChunks"`
	Total         int       `json:"totalChunks"`
	BytesExpected int64     `json:"totalBytesExpected"`
	StartedAt     time.Time `json:"startedAt"`
}

// Config describes the dependencies of the assembler.
type Config struct {
	TempDir      string
	Blobs        blobstore.Store
	MaxFileBytes int64
	OnFinalize   FinalizeFunc
	Clock        func() time.Time
	Logger       *zap.Logger
}

type transfer struct {
	mu        sync.Mutex
	owner     Owner
	fileID    string
	filename  string
	tempPath  string
	file      *os.File
	total     int
	totalSize int64
	chunkSize int64
	finalSeen bool
	finalSize int64
	received  map[int]struct{}
	startedAt time.Time
	closed    bool
}

// Assembler reassembles chunked transfers per (connection, fileId) and
// promotes completed files atomically.
type Assembler struct {
	tempDir      string
	blobs        blobstore.Store
	maxFileBytes int64
	onFinalize   FinalizeFunc
	clock        func() time.Time
	logger       *zap.Logger

	mu        sync.Mutex
	transfers map[string]map[string]*transfer
	completed map[string]map[string]struct{}
	singles   map[string]struct{}
}

// NewAssembler constructs the assembler and ensures the temp directory exists.
func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.TempDir == "" {
		return nil, fmt.Errorf("uploads: temp directory is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("uploads: blob store is required")
	}
	if cfg.OnFinalize == nil {
		return nil, fmt.Errorf("uploads: finalize callback is required")
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("uploads: create temp directory: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		tempDir:      cfg.TempDir,
		blobs:        cfg.Blobs,
		maxFileBytes: cfg.MaxFileBytes,
		onFinalize:   cfg.OnFinalize,
		clock:        clock,
		logger:       logger,
		transfers:    make(map[string]map[string]*transfer),
		completed:    make(map[string]map[string]struct{}),
		singles:      make(map[string]struct{}),
	}, nil
}

// Feed writes one chunk straight to the transfer's temp artifact. Repeated
// chunk indices are ignored. The chunk that completes the transfer triggers
// promotion and the finalize callback before Feed returns.
func (a *Assembler) Feed(ctx context.Context, owner Owner, chunk Chunk) (FeedResult, error) {
	if err := a.validate(chunk); err != nil {
		return FeedResult{}, err
	}

	current, done, err := a.lookupOrStart(owner, chunk)
	if err != nil {
		return FeedResult{}, err
	}
	if done {
		return FeedResult{FileID: chunk.FileID, Received: chunk.Total, Total: chunk.Total, Duplicate: true}, nil
	}

	current.mu.Lock()
	defer current.mu.Unlock()
	if current.closed {
		return FeedResult{}, fmt.Errorf("%w: %s", ErrTransferAborted, chunk.FileID)
	}
	if chunk.Total != current.total || chunk.TotalSize != current.totalSize {
		a.abortLocked(current, reasonSizeMismatch)
		return FeedResult{}, fmt.Errorf("%w: declared totals changed mid-transfer", ErrTransferAborted)
	}
	if _, seen := current.received[chunk.Index]; seen {
		return FeedResult{FileID: chunk.FileID, Received: len(current.received), Total: current.total, Duplicate: true}, nil
	}

	offset, err := current.offsetFor(chunk)
	if err != nil {
		a.abortLocked(current, reasonSizeMismatch)
		return FeedResult{}, fmt.Errorf("%w: %v", ErrTransferAborted, err)
	}
	if _, err := current.file.WriteAt(chunk.Data, offset); err != nil {
		a.logger.Warn("chunk write failed",
			zap.String("connection_id", owner.ConnectionID),
			zap.String("file_id", chunk.FileID),
			zap.Int("chunk_index", chunk.Index),
			zap.Error(err))
		a.abortLocked(current, reasonWriteFailed)
		return FeedResult{}, fmt.Errorf("%w: %v", ErrTransferAborted, err)
	}
	current.received[chunk.Index] = struct{}{}
	chunksReceivedTotal.Inc()

	result := FeedResult{FileID: chunk.FileID, Received: len(current.received), Total: current.total}
	if len(current.received) < current.total {
		return result, nil
	}

	record, err := a.finalizeLocked(ctx, current)
	if err != nil {
		return FeedResult{}, err
	}
	result.Record = &record
	return result, nil
}

func (a *Assembler) validate(chunk Chunk) error {
	if strings.TrimSpace(chunk.FileID) == "" {
		return fmt.Errorf("%w: missing file id", ErrInvalidChunk)
	}
	if chunk.Total <= 0 || chunk.Index < 0 || chunk.Index >= chunk.Total {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, chunk.Index, chunk.Total)
	}
	if chunk.TotalSize < 0 || int64(len(chunk.Data)) > chunk.TotalSize {
		return fmt.Errorf("%w: %d bytes against declared %d", ErrInvalidChunk, len(chunk.Data), chunk.TotalSize)
	}
	if a.maxFileBytes > 0 && chunk.TotalSize > a.maxFileBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, chunk.TotalSize, a.maxFileBytes)
	}
	if cleanFilename(chunk.Filename) == "" {
		return ErrEmptyFilename
	}
	return nil
}

func (a *Assembler) lookupOrStart(owner Owner, chunk Chunk) (*transfer, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.completed[owner.ConnectionID][chunk.FileID]; ok {
		return nil, true, nil
	}
	byFile := a.transfers[owner.ConnectionID]
	if existing, ok := byFile[chunk.FileID]; ok {
		return existing, false, nil
	}

	file, err := os.CreateTemp(a.tempDir, tempPattern)
	if err != nil {
		uploadsAbortedTotal.WithLabelValues(reasonWriteFailed).Inc()
		return nil, false, fmt.Errorf("%w: create temp artifact: %v", ErrTransferAborted, err)
	}
	created := &transfer{
		owner:     owner,
		fileID:    chunk.FileID,
		filename:  cleanFilename(chunk.Filename),
		tempPath:  file.Name(),
		file:      file,
		total:     chunk.Total,
		totalSize: chunk.TotalSize,
		received:  make(map[int]struct{}, chunk.Total),
		startedAt: a.clock().UTC(),
	}
	if byFile == nil {
		byFile = make(map[string]*transfer)
		a.transfers[owner.ConnectionID] = byFile
	}
	byFile[chunk.FileID] = created
	a.logger.Debug("upload started",
		zap.String("connection_id", owner.ConnectionID),
		zap.String("file_id", chunk.FileID),
		zap.Int("total_chunks", chunk.Total),
		zap.Int64("total_size", chunk.TotalSize))
	return created, false, nil
}

// offsetFor places non-final chunks by the learned chunk size and the final
// chunk flush against the declared total size.
func (t *transfer) offsetFor(chunk Chunk) (int64, error) {
	length := int64(len(chunk.Data))
	var offset int64
	if chunk.Index == t.total-1 {
		offset = t.totalSize - length
		if t.total == 1 && offset != 0 {
			return 0, fmt.Errorf("single chunk of %d bytes, declared %d", length, t.totalSize)
		}
		if t.chunkSize > 0 && offset != int64(chunk.Index)*t.chunkSize {
			return 0, fmt.Errorf("final chunk of %d bytes does not line up with chunk size %d", length, t.chunkSize)
		}
		t.finalSeen = true
		t.finalSize = length
	} else {
		if t.chunkSize == 0 {
			if length == 0 {
				return 0, fmt.Errorf("empty non-final chunk %d", chunk.Index)
			}
			if t.finalSeen && int64(t.total-1)*length+t.finalSize != t.totalSize {
				return 0, fmt.Errorf("chunk size %d does not line up with final chunk", length)
			}
			t.chunkSize = length
		}
		if length != t.chunkSize {
			return 0, fmt.Errorf("chunk %d has %d bytes, expected %d", chunk.Index, length, t.chunkSize)
		}
		offset = int64(chunk.Index) * t.chunkSize
	}
	if offset < 0 || offset+length > t.totalSize {
		return 0, fmt.Errorf("chunk %d overruns declared size %d", chunk.Index, t.totalSize)
	}
	return offset, nil
}

func (a *Assembler) finalizeLocked(ctx context.Context, current *transfer) (events.FileRecord, error) {
	if err := current.file.Sync(); err != nil {
		a.abortLocked(current, reasonWriteFailed)
		return events.FileRecord{}, fmt.Errorf("%w: sync: %v", ErrTransferAborted, err)
	}
	info, err := current.file.Stat()
	if err != nil {
		a.abortLocked(current, reasonWriteFailed)
		return events.FileRecord{}, fmt.Errorf("%w: stat: %v", ErrTransferAborted, err)
	}
	if info.Size() != current.totalSize {
		a.abortLocked(current, reasonSizeMismatch)
		return events.FileRecord{}, fmt.Errorf("%w: assembled %d bytes, declared %d", ErrTransferAborted, info.Size(), current.totalSize)
	}
	if err := current.file.Close(); err != nil {
		a.abortLocked(current, reasonWriteFailed)
		return events.FileRecord{}, fmt.Errorf("%w: close: %v", ErrTransferAborted, err)
	}

	record, err := a.promote(ctx, current.owner, current.tempPath, current.filename, current.totalSize, pathChunked)
	current.closed = true
	a.forget(current)
	if err != nil {
		return events.FileRecord{}, err
	}

	a.mu.Lock()
	if a.completed[current.owner.ConnectionID] == nil {
		a.completed[current.owner.ConnectionID] = make(map[string]struct{})
	}
	a.completed[current.owner.ConnectionID][current.fileID] = struct{}{}
	a.mu.Unlock()
	return record, nil
}

// promote moves a closed temp artifact into permanent storage and runs the
// finalize callback. On any failure neither the temp file nor the blob remains.
func (a *Assembler) promote(ctx context.Context, owner Owner, tempPath, filename string, size int64, path string) (events.FileRecord, error) {
	now := a.clock().UTC()
	storedName, err := newStoredName(filename)
	if err != nil {
		os.Remove(tempPath)
		uploadsAbortedTotal.WithLabelValues(reasonPromoteFailed).Inc()
		return events.FileRecord{}, fmt.Errorf("%w: stored name: %v", ErrTransferAborted, err)
	}
	contentHash, err := newContentHash(filename, now)
	if err != nil {
		os.Remove(tempPath)
		uploadsAbortedTotal.WithLabelValues(reasonPromoteFailed).Inc()
		return events.FileRecord{}, fmt.Errorf("%w: content hash: %v", ErrTransferAborted, err)
	}

	if err := a.blobs.Promote(ctx, tempPath, storedName); err != nil {
		os.Remove(tempPath)
		uploadsAbortedTotal.WithLabelValues(reasonPromoteFailed).Inc()
		a.logger.Error("upload promote failed",
			zap.String("connection_id", owner.ConnectionID),
			zap.String("stored_name", storedName),
			zap.Error(err))
		return events.FileRecord{}, fmt.Errorf("%w: promote: %v", ErrTransferAborted, err)
	}

	record := events.FileRecord{
		DisplayName:  filename,
		StoredName:   storedName,
		Timestamp:    now.UnixMilli(),
		UploaderHost: owner.Host,
		Size:         size,
		ContentHash:  contentHash,
	}
	if err := a.onFinalize(ctx, owner, record); err != nil {
		if removeErr := a.blobs.Remove(context.WithoutCancel(ctx), storedName); removeErr != nil && !errors.Is(removeErr, blobstore.ErrBlobNotFound) {
			a.logger.Error("orphaned blob removal failed",
				zap.String("stored_name", storedName),
				zap.Error(removeErr))
		}
		uploadsAbortedTotal.WithLabelValues(reasonCommitFailed).Inc()
		return events.FileRecord{}, fmt.Errorf("%w: commit: %v", ErrTransferAborted, err)
	}
	uploadsFinalizedTotal.WithLabelValues(path).Inc()
	a.logger.Info("upload finalized",
		zap.String("connection_id", owner.ConnectionID),
		zap.String("stored_name", storedName),
		zap.String("display_name", filename),
		zap.Int64("size", size))
	return record, nil
}

// abortLocked discards the transfer; the caller holds current.mu.
func (a *Assembler) abortLocked(current *transfer, reason string) {
	if current.closed {
		return
	}
	current.closed = true
	current.file.Close()
	if err := os.Remove(current.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("temp artifact removal failed",
			zap.String("temp_path", current.tempPath),
			zap.Error(err))
	}
	a.forget(current)
	uploadsAbortedTotal.WithLabelValues(reason).Inc()
	a.logger.Info("upload aborted",
		zap.String("connection_id", current.owner.ConnectionID),
		zap.String("file_id", current.fileID),
		zap.String("reason", reason),
		zap.Int("received_chunks", len(current.received)))
}

func (a *Assembler) forget(current *transfer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byFile := a.transfers[current.owner.ConnectionID]
	if byFile[current.fileID] == current {
		delete(byFile, current.fileID)
	}
	if len(byFile) == 0 {
		delete(a.transfers, current.owner.ConnectionID)
	}
}

// Abort discards one transfer owned by the connection.
func (a *Assembler) Abort(connectionID, fileID string) bool {
	a.mu.Lock()
	current, ok := a.transfers[connectionID][fileID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	a.abortLocked(current, reasonExplicit)
	return true
}

// AbortConnection discards every transfer the connection owns and forgets its
// completed transfers. It returns the number of transfers aborted.
func (a *Assembler) AbortConnection(connectionID string) int {
	a.mu.Lock()
	owned := make([]*transfer, 0, len(a.transfers[connectionID]))
	for _, current := range a.transfers[connectionID] {
		owned = append(owned, current)
	}
	delete(a.completed, connectionID)
	a.mu.Unlock()

	for _, current := range owned {
		current.mu.Lock()
		a.abortLocked(current, reasonConnectionLost)
		current.mu.Unlock()
	}
	return len(owned)
}

// Status lists the in-flight transfers of a connection ordered by start time.
func (a *Assembler) Status(connectionID string) []TransferStatus {
	a.mu.Lock()
	owned := make([]*transfer, 0, len(a.transfers[connectionID]))
	for _, current := range a.transfers[connectionID] {
		owned = append(owned, current)
	}
	a.mu.Unlock()

	statuses := make([]TransferStatus, 0, len(owned))
	for _, current := range owned {
		current.mu.Lock()
		statuses = append(statuses, TransferStatus{
			FileID:        current.fileID,
			Filename:      current.filename,
			Received:      len(current.received),
			Total:         current.total,
			BytesExpected: current.totalSize,
			StartedAt:     current.startedAt,
		})
		current.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool {
		if !statuses[i].StartedAt.Equal(statuses[j].StartedAt) {
			return statuses[i].StartedAt.Before(statuses[j].StartedAt)
		}
		return statuses[i].FileID < statuses[j].FileID
	})
	return statuses
}

// ActiveTransfers reports the number of in-flight chunked transfers.
func (a *Assembler) ActiveTransfers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, byFile := range a.transfers {
		count += len(byFile)
	}
	return count
}

// TempDir exposes the directory holding temp artifacts.
func (a *Assembler) TempDir() string {
	return a.tempDir
}

// ownsTemp reports whether a live transfer or single upload is writing path.
func (a *Assembler) ownsTemp(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.singles[path]; ok {
		return true
	}
	for _, byFile := range a.transfers {
		for _, current := range byFile {
			if current.tempPath == path {
				return true
			}
		}
	}
	return false
}

// StoreSingle streams a whole file from reader into a temp artifact and
// promotes it. Reading more than limit bytes aborts with ErrFileTooLarge.
func (a *Assembler) StoreSingle(ctx context.Context, owner Owner, filename string, reader io.Reader, limit int64) (events.FileRecord, error) {
	name := cleanFilename(filename)
	if name == "" {
		return events.FileRecord{}, ErrEmptyFilename
	}
	if limit <= 0 || (a.maxFileBytes > 0 && limit > a.maxFileBytes) {
		limit = a.maxFileBytes
	}

	file, err := os.CreateTemp(a.tempDir, tempPattern)
	if err != nil {
		uploadsAbortedTotal.WithLabelValues(reasonWriteFailed).Inc()
		return events.FileRecord{}, fmt.Errorf("%w: create temp artifact: %v", ErrTransferAborted, err)
	}
	tempPath := file.Name()
	a.mu.Lock()
	a.singles[tempPath] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.singles, tempPath)
		a.mu.Unlock()
	}()

	discard := func(reason string, cause error) (events.FileRecord, error) {
		file.Close()
		os.Remove(tempPath)
		uploadsAbortedTotal.WithLabelValues(reason).Inc()
		return events.FileRecord{}, cause
	}

	source := reader
	if limit > 0 {
		source = io.LimitReader(reader, limit+1)
	}
	written, err := io.Copy(file, source)
	if err != nil {
		return discard(reasonWriteFailed, fmt.Errorf("%w: write: %w", ErrTransferAborted, err))
	}
	if limit > 0 && written > limit {
		return discard(reasonSizeMismatch, fmt.Errorf("%w: exceeds %d bytes", ErrFileTooLarge, limit))
	}
	if err := file.Sync(); err != nil {
		return discard(reasonWriteFailed, fmt.Errorf("%w: sync: %v", ErrTransferAborted, err))
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		uploadsAbortedTotal.WithLabelValues(reasonWriteFailed).Inc()
		return events.FileRecord{}, fmt.Errorf("%w: close: %v", ErrTransferAborted, err)
	}
	return a.promote(ctx, owner, tempPath, name, written, pathSingle)
}

func cleanFilename(raw string) string {
	name := strings.TrimSpace(filepath.Base(strings.ReplaceAll(raw, `\`, "/")))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func newStoredName(filename string) (string, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return identifier.String() + strings.ToLower(filepath.Ext(filename)), nil
}

// newContentHash derives the dedup key from filename, time and randomness.
// File bytes are not hashed.
func newContentHash(filename string, now time.Time) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	digest := sha256.New()
	digest.Write([]byte(filename))
	digest.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	digest.Write(salt)
	return hex.EncodeToString(digest.Sum(nil)), nil
}
