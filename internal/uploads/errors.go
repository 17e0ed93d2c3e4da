package uploads

import "errors"

var (
	// ErrTransferAborted reports that a transfer was discarded after an I/O or
	// consistency failure. Its temp artifact has been removed.
	ErrTransferAborted = errors.New("uploads: transfer aborted")
	// ErrInvalidChunk indicates a chunk whose index, total or size is inconsistent.
	ErrInvalidChunk = errors.New("uploads: invalid chunk")
	// ErrFileTooLarge indicates a declared or streamed size above the configured limit.
	ErrFileTooLarge = errors.New("uploads: file too large")
	// ErrEmptyFilename indicates a transfer without a display name.
	ErrEmptyFilename = errors.New("uploads: filename is required")
)
