package server

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/uploads"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const readLimitOverhead = 64 << 10

// Serve runs one realtime connection until the client leaves, the heartbeat
// reaps it or the coordinator closes. It blocks in the read loop.
func (co *Coordinator) Serve(ctx context.Context, socket *websocket.Conn, clientID events.ClientID, host string) {
	identifier, err := uuid.NewV7()
	if err != nil {
		co.logger.Error("connection id generation failed", zap.Error(err))
		_ = socket.Close()
		return
	}
	conn := newConnection(identifier.String(), clientID, host, socket, co.transport.SendBuffer, co.transport.FallbackThreshold, co.clock())
	co.connect(conn)
	defer co.disconnect(conn, websocket.CloseNormalClosure, "client disconnected")

	go func() {
		defer co.recoverFatal("writer", conn.id)
		conn.writeLoop(co.transport.WriteTimeout, co.logger)
	}()

	defer co.recoverFatal("reader", conn.id)
	co.readLoop(ctx, conn)
}

func (co *Coordinator) readLoop(ctx context.Context, conn *connection) {
	// Room for one maximal envelope plus its frame. Envelopes beyond the cap
	// are rejected by the codec without closing the connection.
	conn.socket.SetReadLimit(2*int64(co.codec.MaxBytes()) + readLimitOverhead)
	conn.socket.SetPongHandler(func(string) error {
		conn.markSeen(co.clock())
		return nil
	})
	for {
		_, payload, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && conn.State() == StateOpen {
				co.logger.Debug("websocket read failed",
					zap.String("connection_id", conn.id),
					zap.Error(err))
			}
			return
		}
		conn.markSeen(co.clock())
		co.dispatch(ctx, conn, payload)
	}
}

// dispatch routes one frame. Malformed frames are logged and dropped; the
// connection stays open.
func (co *Coordinator) dispatch(ctx context.Context, conn *connection, payload []byte) {
	message, err := decodeInbound(payload)
	if err != nil {
		malformedMessagesTotal.Inc()
		co.logger.Warn("dropping malformed message",
			zap.String("connection_id", conn.id),
			zap.Error(err))
		return
	}
	messagesReceivedTotal.WithLabelValues(message.messageType()).Inc()

	switch typed := message.(type) {
	case textChangeMessage:
		co.handleTextChange(ctx, conn, typed, payload)
	case fileChunkMessage:
		co.handleFileChunk(ctx, conn, typed)
	case fileAbortMessage:
		co.handleFileAbort(conn, typed)
	case fileDeleteMessage:
		co.handleFileDelete(ctx, conn, typed)
	case timemapRequestMessage:
		co.handleTimemapRequest(ctx, conn, typed)
	case searchRequestMessage:
		co.handleSearchRequest(conn, typed)
	}
}

func (co *Coordinator) handleTextChange(ctx context.Context, conn *connection, message textChangeMessage, raw []byte) {
	event, applied, err := co.SubmitText(ctx, conn.clientID, *message.Index, *message.Content, message.SequenceNum, conn.id, raw)
	if err != nil {
		co.logger.Warn("text change rejected",
			zap.String("connection_id", conn.id),
			zap.Int("index", *message.Index),
			zap.Error(err))
		return
	}
	if !applied {
		co.logger.Debug("text change already applied",
			zap.String("connection_id", conn.id),
			zap.Int64("event_id", event.ID))
	}
}

func (co *Coordinator) handleFileChunk(ctx context.Context, conn *connection, message fileChunkMessage) {
	var body chunkBody
	if _, err := co.codec.Decode(message.Req, &body); err != nil {
		malformedMessagesTotal.Inc()
		co.logger.Warn("dropping malformed chunk",
			zap.String("connection_id", conn.id),
			zap.Error(err))
		return
	}
	owner := uploads.Owner{ConnectionID: conn.id, ClientID: conn.clientID, Host: conn.host}
	result, err := co.assembler.Feed(ctx, owner, uploads.Chunk{
		FileID:    body.FileID,
		Index:     body.ChunkIndex,
		Total:     body.TotalChunks,
		Data:      body.Data,
		Filename:  body.Metadata.Filename,
		TotalSize: body.Metadata.TotalSize,
	})
	frame := uploadProgressFrame{
		Type:      MessageUploadProgress,
		FileID:    body.FileID,
		Received:  result.Received,
		Total:     body.TotalChunks,
		Completed: result.Record != nil || (result.Duplicate && result.Received == result.Total),
		Duplicate: result.Duplicate,
		File:      result.Record,
	}
	if err != nil {
		frame.Error = err.Error()
		co.logger.Warn("chunk rejected",
			zap.String("connection_id", conn.id),
			zap.String("file_id", body.FileID),
			zap.Int("chunk_index", body.ChunkIndex),
			zap.Error(err))
	}
	co.reply(conn, frame)
}

func (co *Coordinator) handleFileAbort(conn *connection, message fileAbortMessage) {
	var body fileRefBody
	if _, err := co.codec.Decode(message.Req, &body); err != nil {
		malformedMessagesTotal.Inc()
		co.logger.Warn("dropping malformed abort", zap.String("connection_id", conn.id), zap.Error(err))
		return
	}
	if co.assembler.Abort(conn.id, body.FileID) {
		co.reply(conn, uploadProgressFrame{Type: MessageUploadProgress, FileID: body.FileID, Error: uploads.ErrTransferAborted.Error()})
	}
}

func (co *Coordinator) handleFileDelete(ctx context.Context, conn *connection, message fileDeleteMessage) {
	var body fileRefBody
	if _, err := co.codec.Decode(message.Req, &body); err != nil {
		malformedMessagesTotal.Inc()
		co.logger.Warn("dropping malformed delete", zap.String("connection_id", conn.id), zap.Error(err))
		return
	}
	if _, err := co.DeleteFile(ctx, conn.clientID, body.StoredName); err != nil {
		level := co.logger.Warn
		if errors.Is(err, ErrFileNotFound) {
			level = co.logger.Info
		}
		level("file delete rejected",
			zap.String("connection_id", conn.id),
			zap.String("stored_name", body.StoredName),
			zap.Error(err))
	}
}

func (co *Coordinator) handleTimemapRequest(ctx context.Context, conn *connection, message timemapRequestMessage) {
	response := responseFrame{Type: MessageTimemapResponse, Action: message.Action}
	var body timemapBody
	if message.Req != "" || timemapNeedsBody(message.Action) {
		if _, err := co.codec.Decode(message.Req, &body); err != nil {
			response.Error = err.Error()
			co.reply(conn, response)
			return
		}
	}
	query, err := newTimemapQuery(message.Action, body)
	if err == nil {
		response.Data, err = co.runTimemap(ctx, query)
	}
	if err != nil {
		response.Data = nil
		response.Error = err.Error()
		if !isRequestError(err) {
			co.logger.Error("timemap request failed",
				zap.String("connection_id", conn.id),
				zap.String("action", message.Action),
				zap.Error(err))
		}
	}
	co.reply(conn, response)
}

func (co *Coordinator) handleSearchRequest(conn *connection, message searchRequestMessage) {
	response := responseFrame{Type: MessageSearchResponse, Action: message.Action}
	var body searchBody
	if message.Req != "" || searchNeedsBody(message.Action) {
		if _, err := co.codec.Decode(message.Req, &body); err != nil {
			response.Error = err.Error()
			co.reply(conn, response)
			return
		}
	}
	data, err := co.runSearch(newSearchQuery(message.Action, body))
	if err != nil {
		response.Error = err.Error()
		if !isRequestError(err) {
			co.logger.Error("search request failed",
				zap.String("connection_id", conn.id),
				zap.String("action", message.Action),
				zap.Error(err))
		}
	} else {
		response.Data = data
	}
	co.reply(conn, response)
}
