package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/chronosync/internal/clients"
	"github.com/MarcoPoloResearchLab/chronosync/internal/envelope"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/search"
	"github.com/MarcoPoloResearchLab/chronosync/internal/share"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timeline"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timemap"
	"github.com/MarcoPoloResearchLab/chronosync/internal/uploads"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	maxSequenceAttempts = 4
)

var (
	// ErrFileNotFound indicates that the current file inventory has no entry
	// under the requested stored name.
	ErrFileNotFound = errors.New("server: file not found")

	errMissingEventStore    = errors.New("event store dependency required")
	errMissingClients       = errors.New("client registry dependency required")
	errMissingTimeline      = errors.New("state reconstructor dependency required")
	errMissingTimemap       = errors.New("time aggregator dependency required")
	errMissingSearch        = errors.New("search index dependency required")
	errMissingBlobs         = errors.New("blob store dependency required")
	errSequenceExhausted    = errors.New("could not allocate a free sequence number")
	errInvalidLivenessTimer = errors.New("pong timeout must be at least twice the ping interval")
)

// TransportSettings tunes liveness checks and per-connection queueing.
type TransportSettings struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	FallbackThreshold int
	SendBuffer        int
	WriteTimeout      time.Duration
}

// CoordinatorConfig describes the dependencies of the coordinator.
type CoordinatorConfig struct {
	Events         *events.Store
	Clients        *clients.Service
	Timeline       *timeline.Reconstructor
	Timemap        *timemap.Aggregator
	Search         *search.Manager
	Blobs          blobstore.Store
	Links          *share.LinkSigner
	Codec          envelope.Codec
	Uploads        uploads.Config
	LegacyMaxBytes int64
	Transport      TransportSettings
	Hub            *Hub
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Coordinator routes realtime and HTTP traffic onto the event log and its
// derived views. Every commit runs append, index update, aggregator update
// and broadcast enqueueing as one step under the commit mutex.
type Coordinator struct {
	events         *events.Store
	clients        *clients.Service
	timeline       *timeline.Reconstructor
	timemap        *timemap.Aggregator
	search         *search.Manager
	blobs          blobstore.Store
	links          *share.LinkSigner
	codec          envelope.Codec
	assembler      *uploads.Assembler
	hub            *Hub
	transport      TransportSettings
	maxFileBytes   int64
	legacyMaxBytes int64
	clock          func() time.Time
	logger         *zap.Logger

	commitMu sync.Mutex
	stateMu  sync.RWMutex
	latest   timeline.State
}

// NewCoordinator wires the coordinator and the upload assembler whose
// finalized files it commits.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	switch {
	case cfg.Events == nil:
		return nil, errMissingEventStore
	case cfg.Clients == nil:
		return nil, errMissingClients
	case cfg.Timeline == nil:
		return nil, errMissingTimeline
	case cfg.Timemap == nil:
		return nil, errMissingTimemap
	case cfg.Search == nil:
		return nil, errMissingSearch
	case cfg.Blobs == nil:
		return nil, errMissingBlobs
	}

	transport := cfg.Transport
	if transport.SendBuffer <= 0 {
		transport.SendBuffer = defaultSendBuffer
	}
	if transport.WriteTimeout <= 0 {
		transport.WriteTimeout = defaultWriteTimeout
	}
	if transport.PingInterval > 0 && transport.PongTimeout < 2*transport.PingInterval {
		return nil, errInvalidLivenessTimer
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	links := cfg.Links
	if links == nil {
		links = share.NewLinkSigner(share.LinkSignerConfig{Clock: clock})
	}
	codec := cfg.Codec
	if codec.MaxBytes() == 0 {
		codec = envelope.NewCodec(0)
	}

	coordinator := &Coordinator{
		events:         cfg.Events,
		clients:        cfg.Clients,
		timeline:       cfg.Timeline,
		timemap:        cfg.Timemap,
		search:         cfg.Search,
		blobs:          cfg.Blobs,
		links:          links,
		codec:          codec,
		hub:            hub,
		transport:      transport,
		maxFileBytes:   cfg.Uploads.MaxFileBytes,
		legacyMaxBytes: cfg.LegacyMaxBytes,
		clock:          clock,
		logger:         logger,
		latest:         timeline.NewState(cfg.Timeline.RegisterCount()),
	}

	uploadConfig := cfg.Uploads
	uploadConfig.Blobs = cfg.Blobs
	uploadConfig.OnFinalize = coordinator.commitUpload
	if uploadConfig.Clock == nil {
		uploadConfig.Clock = clock
	}
	if uploadConfig.Logger == nil {
		uploadConfig.Logger = logger
	}
	assembler, err := uploads.NewAssembler(uploadConfig)
	if err != nil {
		return nil, err
	}
	coordinator.assembler = assembler
	return coordinator, nil
}

// Assembler exposes the upload assembler, e.g. for the temp sweeper.
func (co *Coordinator) Assembler() *uploads.Assembler {
	return co.assembler
}

// Hub exposes the connection roster.
func (co *Coordinator) Hub() *Hub {
	return co.hub
}

// Bootstrap replays the log into the live state and rebuilds the search index.
func (co *Coordinator) Bootstrap(ctx context.Context) error {
	co.commitMu.Lock()
	defer co.commitMu.Unlock()

	all, err := co.events.AllEvents(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load events: %w", err)
	}
	co.search.Rebuild(all)
	co.timemap.Invalidate()

	co.stateMu.Lock()
	co.latest = timeline.Fold(timeline.NewState(co.timeline.RegisterCount()), all)
	co.stateMu.Unlock()

	co.logger.Info("coordinator bootstrapped",
		zap.Int("events", len(all)),
		zap.Uint64("index_version", co.search.Version()))
	return nil
}

// Files returns the current file inventory.
func (co *Coordinator) Files() []events.FileRecord {
	co.stateMu.RLock()
	defer co.stateMu.RUnlock()
	files := make([]events.FileRecord, len(co.latest.Files))
	copy(files, co.latest.Files)
	return files
}

// Config returns the effective configuration announced to clients.
func (co *Coordinator) Config() ClientConfig {
	return ClientConfig{
		RegisterCount:     co.timeline.RegisterCount(),
		MaxFileBytes:      co.maxFileBytes,
		LegacyMaxBytes:    co.legacyMaxBytes,
		EnvelopeMaxBytes:  co.codec.MaxBytes(),
		PingIntervalMs:    co.transport.PingInterval.Milliseconds(),
		PongTimeoutMs:     co.transport.PongTimeout.Milliseconds(),
		FallbackThreshold: co.transport.FallbackThreshold,
		ShareLinks:        co.links.Enabled(),
		Timezone:          co.timemap.Location().String(),
	}
}

// Connections describes every registered connection with its in-flight uploads.
func (co *Coordinator) Connections() []ConnectionInfo {
	roster := co.hub.snapshot()
	infos := make([]ConnectionInfo, 0, len(roster))
	for _, conn := range roster {
		infos = append(infos, conn.info(co.assembler.Status(conn.id)))
	}
	return infos
}

type submission struct {
	clientID  events.ClientID
	requested int64
	build     func(events.SequenceNum) events.Draft
	originID  string
	verbatim  []byte
}

// submit commits the draft under the client's requested sequence number, or
// under server-issued numbers when none was requested. The two ranges never
// overlap; an issued number that is somehow already stored is skipped.
func (co *Coordinator) submit(ctx context.Context, sub submission) (events.Event, bool, error) {
	if sub.requested > 0 {
		sequence, err := events.NewClientSequenceNum(sub.requested)
		if err != nil {
			return events.Event{}, false, err
		}
		return co.commit(ctx, sub.build(sequence), sub.originID, sub.verbatim)
	}
	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		sequence, err := co.clients.NextSequence(ctx, sub.clientID)
		if err != nil {
			return events.Event{}, false, err
		}
		event, applied, err := co.commit(ctx, sub.build(sequence), sub.originID, sub.verbatim)
		if err != nil || applied {
			return event, applied, err
		}
		co.logger.Debug("server-issued sequence already used",
			zap.String("client_id", sub.clientID.String()),
			zap.Int64("sequence_num", sequence.Int64()))
	}
	return events.Event{}, false, errSequenceExhausted
}

// commit appends the draft and, unless it was already applied, updates the
// derived views and enqueues broadcasts before releasing the commit mutex.
func (co *Coordinator) commit(ctx context.Context, draft events.Draft, originID string, verbatim []byte) (events.Event, bool, error) {
	co.commitMu.Lock()
	defer co.commitMu.Unlock()

	event, err := co.events.Append(ctx, draft)
	if errors.Is(err, events.ErrDuplicateSequence) {
		co.clients.Observe(event.ClientID, event.SequenceNum)
		return event, false, nil
	}
	if err != nil {
		co.logger.Error("event append failed",
			zap.String("entity_id", draft.EntityID),
			zap.String("client_id", draft.ClientID.String()),
			zap.Error(err))
		return events.Event{}, false, err
	}
	co.clients.Observe(event.ClientID, event.SequenceNum)

	co.stateMu.Lock()
	co.latest = timeline.Fold(co.latest, []events.Event{event})
	files := make([]events.FileRecord, len(co.latest.Files))
	copy(files, co.latest.Files)
	co.stateMu.Unlock()

	delta := co.search.IndexDelta(event)
	co.timemap.Observe(event)
	co.broadcastCommit(event, delta, files, originID, verbatim)
	return event, true, nil
}

func (co *Coordinator) broadcastCommit(event events.Event, delta search.Delta, files []events.FileRecord, originID string, verbatim []byte) {
	switch payload := event.Payload.(type) {
	case events.TextChange:
		frame := verbatim
		if frame == nil {
			encoded, err := encodeFrame(textChangeFrame{Type: MessageTextChange, Index: payload.Index, Content: payload.Content})
			if err != nil {
				co.logger.Error("text change encode failed", zap.Int64("event_id", event.ID), zap.Error(err))
				break
			}
			frame = encoded
		}
		co.hub.broadcast(frame, originID)
	case events.FileUpload, events.FileDelete:
		co.broadcastFrame(fileListFrame{Type: MessageFileListUpdate, Files: files})
	}
	co.broadcastFrame(indexDeltaFrame{Type: MessageIndexDelta, Delta: delta})
}

// demoteSearch ages recent search documents into the historical shard and
// broadcasts the resulting delta. It holds the commit mutex so the delta
// lands in version order with commit deltas.
func (co *Coordinator) demoteSearch() int {
	co.commitMu.Lock()
	defer co.commitMu.Unlock()
	delta, ok := co.search.Demote()
	if !ok {
		return 0
	}
	co.broadcastFrame(indexDeltaFrame{Type: MessageIndexDelta, Delta: delta})
	return len(delta.Additions)
}

func (co *Coordinator) broadcastFrame(frame any) {
	encoded, err := encodeFrame(frame)
	if err != nil {
		co.logger.Error("broadcast encode failed", zap.Error(err))
		return
	}
	co.hub.broadcast(encoded, "")
}

// SubmitText commits a text_change. originID names the connection that sent
// it, which does not receive the broadcast copy; verbatim, when set, is the
// frame forwarded to the other connections as received.
func (co *Coordinator) SubmitText(ctx context.Context, clientID events.ClientID, index int, content string, requestedSequence int64, originID string, verbatim []byte) (events.Event, bool, error) {
	return co.submit(ctx, submission{
		clientID:  clientID,
		requested: requestedSequence,
		build: func(sequence events.SequenceNum) events.Draft {
			return events.NewTextChangeDraft(clientID, sequence, index, content)
		},
		originID: originID,
		verbatim: verbatim,
	})
}

// commitUpload is the assembler's finalize callback.
func (co *Coordinator) commitUpload(ctx context.Context, owner uploads.Owner, record events.FileRecord) error {
	_, _, err := co.submit(ctx, submission{
		clientID: owner.ClientID,
		build: func(sequence events.SequenceNum) events.Draft {
			return events.NewFileUploadDraft(owner.ClientID, sequence, record)
		},
	})
	return err
}

// StoreFile streams a single-request upload through the assembler.
func (co *Coordinator) StoreFile(ctx context.Context, owner uploads.Owner, filename string, reader io.Reader, limit int64) (events.FileRecord, error) {
	return co.assembler.StoreSingle(ctx, owner, filename, reader, limit)
}

// DeleteFile commits a file_delete for the stored name and removes its blob.
func (co *Coordinator) DeleteFile(ctx context.Context, clientID events.ClientID, storedName string) (events.FileRecord, error) {
	record, err := co.lookupFile(storedName)
	if err != nil {
		return events.FileRecord{}, err
	}
	if _, _, err := co.submit(ctx, submission{
		clientID: clientID,
		build: func(sequence events.SequenceNum) events.Draft {
			return events.NewFileDeleteDraft(clientID, sequence, record)
		},
	}); err != nil {
		return events.FileRecord{}, err
	}
	if err := co.blobs.Remove(context.WithoutCancel(ctx), storedName); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		co.logger.Warn("blob removal after delete failed",
			zap.String("stored_name", storedName),
			zap.Error(err))
	}
	return record, nil
}

// OpenFile returns the inventory record and blob contents for a stored name.
func (co *Coordinator) OpenFile(ctx context.Context, storedName string) (events.FileRecord, io.ReadCloser, int64, error) {
	record, err := co.lookupFile(storedName)
	if err != nil {
		return events.FileRecord{}, nil, 0, err
	}
	reader, size, err := co.blobs.Open(ctx, storedName)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return events.FileRecord{}, nil, 0, ErrFileNotFound
	}
	if err != nil {
		return events.FileRecord{}, nil, 0, err
	}
	return record, reader, size, nil
}

// ShareFile issues a signed download link for a file in the inventory.
func (co *Coordinator) ShareFile(storedName string) (share.Link, error) {
	if _, err := co.lookupFile(storedName); err != nil {
		return share.Link{}, err
	}
	return co.links.Issue(storedName)
}

// OpenSharedFile resolves a signed link and opens the file it names.
func (co *Coordinator) OpenSharedFile(ctx context.Context, token string) (events.FileRecord, io.ReadCloser, int64, error) {
	storedName, err := co.links.Resolve(token)
	if err != nil {
		return events.FileRecord{}, nil, 0, err
	}
	return co.OpenFile(ctx, storedName)
}

func (co *Coordinator) lookupFile(storedName string) (events.FileRecord, error) {
	if err := blobstore.ValidateName(storedName); err != nil {
		return events.FileRecord{}, err
	}
	co.stateMu.RLock()
	defer co.stateMu.RUnlock()
	for _, record := range co.latest.Files {
		if record.StoredName == storedName {
			return record, nil
		}
	}
	return events.FileRecord{}, fmt.Errorf("%w: %s", ErrFileNotFound, storedName)
}

// connect registers the connection and queues the late-joiner snapshot. It
// holds the commit mutex so no commit lands between snapshot and registration.
func (co *Coordinator) connect(conn *connection) {
	co.commitMu.Lock()
	defer co.commitMu.Unlock()

	co.hub.register(conn)

	co.stateMu.RLock()
	snapshot := co.latest.Clone()
	co.stateMu.RUnlock()

	config := co.Config()
	config.ClientID = conn.clientID.String()
	config.ConnectionID = conn.id
	frames := []any{
		configFrame{Type: MessageConfigUpdate, Config: config},
		fileListFrame{Type: MessageFileListUpdate, Files: snapshot.Files},
	}
	for _, register := range snapshot.Registers {
		if register.Content == "" {
			continue
		}
		frames = append(frames, textChangeFrame{Type: MessageTextChange, Index: register.ID - 1, Content: register.Content})
	}
	for _, frame := range frames {
		co.reply(conn, frame)
	}
	conn.setState(StateOpen)

	co.logger.Info("connection opened",
		zap.String("connection_id", conn.id),
		zap.String("client_id", conn.clientID.String()),
		zap.String("host", conn.host))
}

// disconnect runs the single cleanup path for client close, liveness timeout
// and shutdown: unregister, abort owned uploads, stop the writer, close.
func (co *Coordinator) disconnect(conn *connection, code int, reason string) {
	conn.closeOnce.Do(func() {
		conn.setState(StateClosing)
		co.hub.unregister(conn.id)
		aborted := co.assembler.AbortConnection(conn.id)
		close(conn.done)
		if conn.socket != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			_ = conn.socket.Close()
		}
		conn.setState(StateClosed)
		co.logger.Info("connection closed",
			zap.String("connection_id", conn.id),
			zap.String("client_id", conn.clientID.String()),
			zap.String("reason", reason),
			zap.Int("aborted_uploads", aborted))
	})
}

// Close disconnects every registered connection.
func (co *Coordinator) Close() {
	for _, conn := range co.hub.snapshot() {
		co.disconnect(conn, websocket.CloseGoingAway, "server shutdown")
	}
}

func (co *Coordinator) reply(conn *connection, frame any) {
	encoded, err := encodeFrame(frame)
	if err != nil {
		co.logger.Error("reply encode failed", zap.String("connection_id", conn.id), zap.Error(err))
		return
	}
	if !conn.enqueue(encoded) {
		co.logger.Debug("reply dropped",
			zap.String("connection_id", conn.id),
			zap.Bool("using_fallback", conn.usingFallback()))
	}
}

func (co *Coordinator) recoverFatal(task string, connectionID string) {
	if recovered := recover(); recovered != nil {
		co.logger.Fatal("connection task panicked",
			zap.String("task", task),
			zap.String("connection_id", connectionID),
			zap.Any("panic", recovered))
	}
}
