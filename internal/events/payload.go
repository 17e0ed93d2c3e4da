package events

import (
	"encoding/json"
	"fmt"
)

// Payload is the per-type body of an event. The concrete variants are
// TextChange, FileUpload, and FileDelete.
type Payload interface {
	EventType() EventType
	isPayload()
}

// TextChange replaces the content of the register at Index.
type TextChange struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

// EventType reports TypeTextChange.
func (TextChange) EventType() EventType { return TypeTextChange }
func (TextChange) isPayload()           {}

// FileUpload records a finalized file.
type FileUpload struct {
	File FileRecord `json:"file"`
}

// EventType reports TypeFileUpload.
func (FileUpload) EventType() EventType { return TypeFileUpload }
func (FileUpload) isPayload()           {}

// FileDelete removes every inventory entry matching StoredName or ContentHash.
type FileDelete struct {
	StoredName  string `json:"storedName"`
	ContentHash string `json:"contentHash"`
	DisplayName string `json:"displayName"`
}

// EventType reports TypeFileDelete.
func (FileDelete) EventType() EventType { return TypeFileDelete }
func (FileDelete) isPayload()           {}

// EncodePayload serializes a payload for storage.
func EncodePayload(payload Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil", ErrInvalidPayload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(raw), nil
}

// DecodePayload parses a stored payload according to its event type.
func DecodePayload(eventType EventType, raw []byte) (Payload, error) {
	switch eventType {
	case TypeTextChange:
		var payload TextChange
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return payload, nil
	case TypeFileUpload:
		var payload FileUpload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return payload, nil
	case TypeFileDelete:
		var payload FileDelete
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
}
