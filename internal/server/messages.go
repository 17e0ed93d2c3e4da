package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/search"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timeline"
)

// Message discriminators carried in the "type" field.
const (
	MessageTextChange      = "text_change"
	MessageFileChunk       = "file_chunk"
	MessageFileAbort       = "file_abort"
	MessageFileDelete      = "file_delete"
	MessageFileListUpdate  = "file_list_update"
	MessageConfigUpdate    = "config_update"
	MessageTimemapRequest  = "timemap_request"
	MessageTimemapResponse = "timemap_response"
	MessageSearchRequest   = "search_request"
	MessageSearchResponse  = "search_response"
	MessageIndexDelta      = "index_delta"
	MessageUploadProgress  = "upload_progress"
)

// Timeline and calendar actions.
const (
	ActionGetMap   = "get_map"
	ActionGetDay   = "get_day"
	ActionGetMonth = "get_month"
	ActionGetYear  = "get_year"
	ActionGetState = "get_state"
	ActionGetDiff  = "get_diff"
)

// Search actions.
const (
	ActionGetBundle = "get_bundle"
	ActionSearch    = "search"
	ActionSuggest   = "suggest"
	ActionStats     = "stats"
)

var (
	errMalformedMessage = errors.New("malformed message")
	errUnknownMessage   = errors.New("unknown message type")
	errUnknownAction    = errors.New("unknown action")
	errAmbiguousCut     = errors.New("cut must name either eventId or timestamp")
	errMissingCut       = errors.New("diff requires from and to cuts")
)

type inboundMessage interface {
	messageType() string
}

type textChangeMessage struct {
	Type        string  `json:"type"`
	Index       *int    `json:"index"`
	Content     *string `json:"content"`
	ClientID    string  `json:"clientId,omitempty"`
	SequenceNum int64   `json:"sequenceNum,omitempty"`
}

func (textChangeMessage) messageType() string { return MessageTextChange }

type fileChunkMessage struct {
	Type string `json:"type"`
	Req  string `json:"req"`
}

func (fileChunkMessage) messageType() string { return MessageFileChunk }

type fileAbortMessage struct {
	Type string `json:"type"`
	Req  string `json:"req"`
}

func (fileAbortMessage) messageType() string { return MessageFileAbort }

type fileDeleteMessage struct {
	Type string `json:"type"`
	Req  string `json:"req"`
}

func (fileDeleteMessage) messageType() string { return MessageFileDelete }

type timemapRequestMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Req    string `json:"req,omitempty"`
}

func (timemapRequestMessage) messageType() string { return MessageTimemapRequest }

type searchRequestMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Req    string `json:"req,omitempty"`
}

func (searchRequestMessage) messageType() string { return MessageSearchRequest }

// decodeInbound parses one client frame into its typed message. Unknown
// discriminators and unknown fields are rejected.
func decodeInbound(raw []byte) (inboundMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	switch head.Type {
	case MessageTextChange:
		var message textChangeMessage
		if err := decodeStrict(raw, &message); err != nil {
			return nil, err
		}
		if message.Index == nil || message.Content == nil {
			return nil, fmt.Errorf("%w: text_change requires index and content", errMalformedMessage)
		}
		if message.SequenceNum < 0 {
			return nil, fmt.Errorf("%w: negative sequenceNum", errMalformedMessage)
		}
		return message, nil
	case MessageFileChunk:
		var message fileChunkMessage
		if err := decodeStrict(raw, &message); err != nil {
			return nil, err
		}
		if message.Req == "" {
			return nil, fmt.Errorf("%w: file_chunk requires req", errMalformedMessage)
		}
		return message, nil
	case MessageFileAbort:
		var message fileAbortMessage
		if err := decodeStrict(raw, &message); err != nil {
			return nil, err
		}
		return message, nil
	case MessageFileDelete:
		var message fileDeleteMessage
		if err := decodeStrict(raw, &message); err != nil {
			return nil, err
		}
		return message, nil
	case MessageTimemapRequest:
		var message timemapRequestMessage
		if err := decodeStrict(raw, &message); err != nil {
			return nil, err
		}
		return message, nil
	case MessageSearchRequest:
		var message searchRequestMessage
		if err := decodeStrict(raw, &message); err != nil {
			return nil, err
		}
		return message, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownMessage, head.Type)
	}
}

func decodeStrict(raw []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	return nil
}

// Envelope bodies carried in req.

type chunkMetadata struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"totalSize"`
}

type chunkBody struct {
	FileID      string        `json:"fileId"`
	ChunkIndex  int           `json:"chunkIndex"`
	TotalChunks int           `json:"totalChunks"`
	Data        []byte        `json:"data"`
	Metadata    chunkMetadata `json:"metadata"`
}

type fileRefBody struct {
	FileID     string `json:"fileId,omitempty"`
	StoredName string `json:"storedName,omitempty"`
}

type cutBody struct {
	EventID   *int64 `json:"eventId,omitempty"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

func (body cutBody) cut() (timeline.Cut, error) {
	switch {
	case body.EventID != nil && body.Timestamp != nil:
		return timeline.Cut{}, errAmbiguousCut
	case body.EventID != nil:
		return timeline.AtEvent(*body.EventID), nil
	case body.Timestamp != nil:
		return timeline.AtTime(*body.Timestamp), nil
	default:
		return timeline.Latest(), nil
	}
}

type timemapBody struct {
	Date  string   `json:"date,omitempty"`
	Year  int      `json:"year,omitempty"`
	Month int      `json:"month,omitempty"`
	From  *cutBody `json:"from,omitempty"`
	To    *cutBody `json:"to,omitempty"`
	cutBody
}

type timeRangeBody struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type searchBody struct {
	Query     string              `json:"query,omitempty"`
	Prefix    string              `json:"prefix,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	TimeRange *timeRangeBody      `json:"timeRange,omitempty"`
	Type      search.DocumentType `json:"type,omitempty"`
}

// Outbound frames.

type textChangeFrame struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Content string `json:"content"`
}

type fileListFrame struct {
	Type  string              `json:"type"`
	Files []events.FileRecord `json:"files"`
}

type configFrame struct {
	Type   string       `json:"type"`
	Config ClientConfig `json:"config"`
}

type responseFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

type indexDeltaFrame struct {
	Type  string       `json:"type"`
	Delta search.Delta `json:"delta"`
}

type uploadProgressFrame struct {
	Type      string             `json:"type"`
	FileID    string             `json:"fileId"`
	Received  int                `json:"receivedChunks"`
	Total     int                `json:"totalChunks"`
	Completed bool               `json:"completed"`
	Duplicate bool               `json:"duplicate,omitempty"`
	File      *events.FileRecord `json:"file,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ClientConfig is the effective configuration announced to clients.
type ClientConfig struct {
	ClientID          string `json:"clientId,omitempty"`
	ConnectionID      string `json:"connectionId,omitempty"`
	RegisterCount     int    `json:"registerCount"`
	MaxFileBytes      int64  `json:"maxFileBytes"`
	LegacyMaxBytes    int64  `json:"legacyMaxBytes"`
	EnvelopeMaxBytes  int    `json:"envelopeMaxBytes"`
	PingIntervalMs    int64  `json:"pingIntervalMs"`
	PongTimeoutMs     int64  `json:"pongTimeoutMs"`
	FallbackThreshold int    `json:"fallbackThreshold"`
	ShareLinks        bool   `json:"shareLinks"`
	Timezone          string `json:"timezone"`
}

func encodeFrame(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
