package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType enumerates the kinds of state-changing actions recorded in the log.
type EventType string

const (
	// TypeTextChange replaces the content of one shared text register.
	TypeTextChange EventType = "text_change"
	// TypeFileUpload adds or replaces an entry in the shared file inventory.
	TypeFileUpload EventType = "file_upload"
	// TypeFileDelete removes entries from the shared file inventory.
	TypeFileDelete EventType = "file_delete"
)

const (
	maxIdentifierLength  = 190
	registerEntityPrefix = "register:"
	fileEntityPrefix     = "file:"
)

var (
	// ErrInvalidEventType indicates an unknown event type discriminator.
	ErrInvalidEventType = errors.New("events: invalid event type")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("events: invalid client id")
	// ErrInvalidSequenceNum indicates that a sequence number is not positive.
	ErrInvalidSequenceNum = errors.New("events: invalid sequence number")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("events: invalid entity id")
	// ErrInvalidPayload indicates that a payload does not match its event type.
	ErrInvalidPayload = errors.New("events: invalid payload")
)

// ParseEventType validates raw input and returns an EventType.
func ParseEventType(rawInput string) (EventType, error) {
	switch EventType(strings.TrimSpace(rawInput)) {
	case TypeTextChange:
		return TypeTextChange, nil
	case TypeFileUpload:
		return TypeFileUpload, nil
	case TypeFileDelete:
		return TypeFileDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, rawInput)
	}
}

// ClientID identifies the submitter of an event.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// SequenceNum is a per-client monotonic submission counter.
type SequenceNum int64

// ServerSequenceBase is the first sequence number the server issues on a
// client's behalf. Numbers a client chooses itself stay below it, so uploads
// and deletes committed for a client never consume a number the client will
// send next. It stays within the exact integer range of a float64.
const ServerSequenceBase SequenceNum = 1 << 52

// NewSequenceNum validates the value and returns a SequenceNum.
func NewSequenceNum(value int64) (SequenceNum, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSequenceNum, value)
	}
	return SequenceNum(value), nil
}

// NewClientSequenceNum validates a sequence number chosen by the client.
func NewClientSequenceNum(value int64) (SequenceNum, error) {
	seq, err := NewSequenceNum(value)
	if err != nil {
		return 0, err
	}
	if seq >= ServerSequenceBase {
		return 0, fmt.Errorf("%w: %d is reserved for server-issued numbers", ErrInvalidSequenceNum, value)
	}
	return seq, nil
}

// Int64 exposes the raw sequence value.
func (seq SequenceNum) Int64() int64 {
	return int64(seq)
}

// RegisterEntityID returns the entity identifier for the register at the zero-based index.
func RegisterEntityID(index int) string {
	return registerEntityPrefix + strconv.Itoa(index+1)
}

// FileEntityID returns the entity identifier for a stored file.
func FileEntityID(storedName string) string {
	return fileEntityPrefix + storedName
}

// FileRecord describes one entry of the shared file inventory.
type FileRecord struct {
	DisplayName  string `json:"displayName"`
	StoredName   string `json:"storedName"`
	Timestamp    int64  `json:"timestamp"`
	UploaderHost string `json:"uploaderHost"`
	Size         int64  `json:"size"`
	ContentHash  string `json:"contentHash"`
}

// Matches reports whether two records name the same file by hash or stored name.
func (record FileRecord) Matches(contentHash, storedName string) bool {
	if contentHash != "" && record.ContentHash == contentHash {
		return true
	}
	return storedName != "" && record.StoredName == storedName
}

// Event is an immutable, committed entry of the log.
type Event struct {
	ID          int64
	Type        EventType
	EntityID    string
	Payload     Payload
	Timestamp   int64
	ClientID    ClientID
	SequenceNum SequenceNum
}

// Time returns the commit timestamp as a time.Time in UTC.
func (event Event) Time() time.Time {
	return time.UnixMilli(event.Timestamp).UTC()
}

type eventJSON struct {
	ID          int64     `json:"id"`
	Type        EventType `json:"eventType"`
	EntityID    string    `json:"entityId"`
	Payload     Payload   `json:"payload"`
	Timestamp   int64     `json:"timestamp"`
	ClientID    string    `json:"clientId"`
	SequenceNum int64     `json:"sequenceNum"`
}

// MarshalJSON renders the event in the wire shape used by the transport.
func (event Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:          event.ID,
		Type:        event.Type,
		EntityID:    event.EntityID,
		Payload:     event.Payload,
		Timestamp:   event.Timestamp,
		ClientID:    event.ClientID.String(),
		SequenceNum: event.SequenceNum.Int64(),
	})
}

// Draft is an event prior to commit; the store assigns id and timestamp.
type Draft struct {
	EntityID    string
	Payload     Payload
	ClientID    ClientID
	SequenceNum SequenceNum
}

// Validate checks the draft for structural problems before it reaches storage.
func (draft Draft) Validate() error {
	if draft.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	entityID := strings.TrimSpace(draft.EntityID)
	if entityID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(entityID) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	if draft.ClientID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if draft.SequenceNum <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSequenceNum, draft.SequenceNum)
	}
	return nil
}

// NewTextChangeDraft builds a draft replacing the content of the register at index.
func NewTextChangeDraft(clientID ClientID, seq SequenceNum, index int, content string) Draft {
	return Draft{
		EntityID:    RegisterEntityID(index),
		Payload:     TextChange{Index: index, Content: content},
		ClientID:    clientID,
		SequenceNum: seq,
	}
}

// NewFileUploadDraft builds a draft adding a file to the inventory.
func NewFileUploadDraft(clientID ClientID, seq SequenceNum, record FileRecord) Draft {
	return Draft{
		EntityID:    FileEntityID(record.StoredName),
		Payload:     FileUpload{File: record},
		ClientID:    clientID,
		SequenceNum: seq,
	}
}

// NewFileDeleteDraft builds a draft removing a file from the inventory.
func NewFileDeleteDraft(clientID ClientID, seq SequenceNum, record FileRecord) Draft {
	return Draft{
		EntityID: FileEntityID(record.StoredName),
		Payload: FileDelete{
			StoredName:  record.StoredName,
			ContentHash: record.ContentHash,
			DisplayName: record.DisplayName,
		},
		ClientID:    clientID,
		SequenceNum: seq,
	}
}
