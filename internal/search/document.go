package search

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
)

// DocumentType distinguishes register text from file inventory documents.
type DocumentType string

const (
	TypeText DocumentType = "text"
	TypeFile DocumentType = "file"
)

const (
	tagDeleted    = "deleted"
	snippetLength = 160
)

// Document is the indexable projection of one event.
type Document struct {
	ID        string       `json:"id"`
	Type      DocumentType `json:"type"`
	EntityID  string       `json:"entityId"`
	EventID   int64        `json:"eventId"`
	Content   string       `json:"content"`
	Timestamp int64        `json:"timestamp"`
	Tags      string       `json:"tags"`
	Filename  string       `json:"filename,omitempty"`
	Size      int64        `json:"size,omitempty"`
}

// Delta describes the index change produced by one committed event.
type Delta struct {
	FromVersion uint64     `json:"fromVersion"`
	ToVersion   uint64     `json:"toVersion"`
	Timestamp   int64      `json:"timestamp"`
	Additions   []Document `json:"additions"`
	Removals    []string   `json:"removals"`
}

func documentID(entityID string, timestamp, eventID int64) string {
	return fmt.Sprintf("%s@%d#%d", entityID, timestamp, eventID)
}

// documentFor projects an event into a document. Empty register content yields none.
func documentFor(event events.Event) (Document, bool) {
	document := Document{
		ID:        documentID(event.EntityID, event.Timestamp, event.ID),
		EntityID:  event.EntityID,
		EventID:   event.ID,
		Timestamp: event.Timestamp,
	}
	switch payload := event.Payload.(type) {
	case events.TextChange:
		if strings.TrimSpace(payload.Content) == "" {
			return Document{}, false
		}
		document.Type = TypeText
		document.Content = payload.Content
		document.Tags = strings.Join(contentTags(payload.Content), " ")
	case events.FileUpload:
		document.Type = TypeFile
		document.Content = payload.File.DisplayName
		document.Filename = payload.File.DisplayName
		document.Size = payload.File.Size
		document.Tags = strings.Join(append(fileTags(payload.File.DisplayName), contentTags(payload.File.DisplayName)...), " ")
	case events.FileDelete:
		document.Type = TypeFile
		document.Content = payload.DisplayName
		document.Filename = payload.DisplayName
		tags := append([]string{tagDeleted}, fileTags(payload.DisplayName)...)
		document.Tags = strings.Join(tags, " ")
	default:
		return Document{}, false
	}
	return document, true
}

// snippet returns the metadata-only form kept by the historical shard.
func (document Document) snippet() Document {
	if utf8.RuneCountInString(document.Content) <= snippetLength {
		return document
	}
	runes := []rune(document.Content)
	document.Content = string(runes[:snippetLength])
	return document
}
