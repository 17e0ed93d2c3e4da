package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew         = "events.store.new"
	opAppend           = "events.append"
	opListEvents       = "events.list"
	opEventByID        = "events.event_by_id"
	opLastSequence     = "events.last_sequence"
	opCount            = "events.count"
	fieldClientID      = "client_id"
	fieldSequenceNum   = "sequence_num"
	fieldEntityID      = "entity_id"
	columnTimestamp    = "timestamp"
	orderLog           = "timestamp ASC, id ASC"
	queryClientSeq     = fieldClientID + " = ? AND " + fieldSequenceNum + " = ?"
	queryClientID      = fieldClientID + " = ?"
	queryEntityID      = fieldEntityID + " = ?"
	querySince         = columnTimestamp + " > ?"
	queryBefore        = columnTimestamp + " <= ?"
	queryBetween       = columnTimestamp + " >= ? AND " + columnTimestamp + " < ?"
	queryThroughID     = "id <= ?"
	reasonMissingDB    = "missing_database"
	reasonInvalidDraft = "invalid_draft"
	reasonEncodeFailed = "payload_encode_failed"
	reasonInsertFailed = "insert_failed"
	reasonLookupFailed = "duplicate_lookup_failed"
	reasonSeedFailed   = "timestamp_seed_failed"
	reasonQueryFailed  = "query_failed"
	reasonDecodeFailed = "decode_failed"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of the event store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable, append-only, totally ordered event log.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	appendMu      sync.Mutex
	seeded        bool
	lastTimestamp int64
}

// NewStore constructs the event store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Append assigns an id and commit timestamp to the draft and persists it.
//
// Appends are serialized. When (client_id, sequence_num) was already
// committed, Append returns the originally stored event together with
// ErrDuplicateSequence.
func (s *Store) Append(ctx context.Context, draft Draft) (Event, error) {
	if err := draft.Validate(); err != nil {
		return Event{}, newServiceError(opAppend, reasonInvalidDraft, err)
	}
	payload, err := EncodePayload(draft.Payload)
	if err != nil {
		return Event{}, newServiceError(opAppend, reasonEncodeFailed, err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if err := s.seedLastTimestamp(ctx); err != nil {
		s.logError(opAppend, reasonSeedFailed, err)
		return Event{}, newServiceError(opAppend, reasonSeedFailed, err)
	}

	timestamp := s.clock().UTC().UnixMilli()
	if timestamp < s.lastTimestamp {
		timestamp = s.lastTimestamp
	}

	eventType := draft.Payload.EventType()
	record := Record{
		EventType:   string(eventType),
		EntityID:    draft.EntityID,
		Payload:     payload,
		Timestamp:   timestamp,
		ClientID:    draft.ClientID.String(),
		SequenceNum: draft.SequenceNum.Int64(),
	}

	var stored Record
	duplicate := false
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if createResult.Error != nil {
			s.logError(opAppend, reasonInsertFailed, createResult.Error,
				zap.String(fieldClientID, record.ClientID),
				zap.Int64(fieldSequenceNum, record.SequenceNum))
			return newServiceError(opAppend, reasonInsertFailed, createResult.Error)
		}
		if createResult.RowsAffected > 0 {
			stored = record
			return nil
		}
		duplicate = true
		if err := transaction.Where(queryClientSeq, record.ClientID, record.SequenceNum).Take(&stored).Error; err != nil {
			s.logError(opAppend, reasonLookupFailed, err,
				zap.String(fieldClientID, record.ClientID),
				zap.Int64(fieldSequenceNum, record.SequenceNum))
			return newServiceError(opAppend, reasonLookupFailed, err)
		}
		return nil
	})
	if transactionError != nil {
		return Event{}, transactionError
	}

	event, err := stored.toEvent()
	if err != nil {
		s.logError(opAppend, reasonDecodeFailed, err, zap.Int64("id", stored.ID))
		return Event{}, newServiceError(opAppend, reasonDecodeFailed, err)
	}
	if duplicate {
		duplicateSubmissionsTotal.Inc()
		s.logger.Debug("duplicate submission ignored",
			zap.String(fieldClientID, record.ClientID),
			zap.Int64(fieldSequenceNum, record.SequenceNum),
			zap.Int64("event_id", event.ID))
		return event, ErrDuplicateSequence
	}

	s.lastTimestamp = timestamp
	eventsAppendedTotal.WithLabelValues(string(eventType)).Inc()
	return event, nil
}

// AllEvents returns the full log.
func (s *Store) AllEvents(ctx context.Context) ([]Event, error) {
	return s.list(ctx, nil)
}

// EventsSince returns events committed strictly after the unix-millisecond timestamp.
func (s *Store) EventsSince(ctx context.Context, timestamp int64) ([]Event, error) {
	return s.list(ctx, func(query *gorm.DB) *gorm.DB {
		return query.Where(querySince, timestamp)
	})
}

// EventsBefore returns events committed at or before the unix-millisecond timestamp.
func (s *Store) EventsBefore(ctx context.Context, timestamp int64) ([]Event, error) {
	return s.list(ctx, func(query *gorm.DB) *gorm.DB {
		return query.Where(queryBefore, timestamp)
	})
}

// EventsBetween returns events committed in the half-open range [from, to).
func (s *Store) EventsBetween(ctx context.Context, from, to int64) ([]Event, error) {
	return s.list(ctx, func(query *gorm.DB) *gorm.DB {
		return query.Where(queryBetween, from, to)
	})
}

// EventsThrough returns events whose id is at most eventID.
func (s *Store) EventsThrough(ctx context.Context, eventID int64) ([]Event, error) {
	return s.list(ctx, func(query *gorm.DB) *gorm.DB {
		return query.Where(queryThroughID, eventID)
	})
}

// EventsForEntity returns the history of a single entity.
func (s *Store) EventsForEntity(ctx context.Context, entityID string) ([]Event, error) {
	return s.list(ctx, func(query *gorm.DB) *gorm.DB {
		return query.Where(queryEntityID, entityID)
	})
}

// EventByID returns the event with the given id or ErrEventNotFound.
func (s *Store) EventByID(ctx context.Context, eventID int64) (Event, error) {
	if s.db == nil {
		return Event{}, newServiceError(opEventByID, reasonMissingDB, errMissingDatabase)
	}
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", eventID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, ErrEventNotFound
	}
	if err != nil {
		s.logError(opEventByID, reasonQueryFailed, err, zap.Int64("id", eventID))
		return Event{}, newServiceError(opEventByID, reasonQueryFailed, err)
	}
	event, err := record.toEvent()
	if err != nil {
		s.logError(opEventByID, reasonDecodeFailed, err, zap.Int64("id", eventID))
		return Event{}, newServiceError(opEventByID, reasonDecodeFailed, err)
	}
	return event, nil
}

// LastSequence returns the highest committed sequence number for the client, or zero.
func (s *Store) LastSequence(ctx context.Context, clientID ClientID) (int64, error) {
	if s.db == nil {
		return 0, newServiceError(opLastSequence, reasonMissingDB, errMissingDatabase)
	}
	var value int64
	if err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where(queryClientID, clientID.String()).
		Select("COALESCE(MAX(sequence_num), 0)").
		Scan(&value).Error; err != nil {
		s.logError(opLastSequence, reasonQueryFailed, err, zap.String(fieldClientID, clientID.String()))
		return 0, newServiceError(opLastSequence, reasonQueryFailed, err)
	}
	return value, nil
}

// Count returns the number of committed events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, newServiceError(opCount, reasonMissingDB, errMissingDatabase)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Record{}).Count(&count).Error; err != nil {
		s.logError(opCount, reasonQueryFailed, err)
		return 0, newServiceError(opCount, reasonQueryFailed, err)
	}
	return count, nil
}

func (s *Store) list(ctx context.Context, scope func(*gorm.DB) *gorm.DB) ([]Event, error) {
	if s.db == nil {
		return nil, newServiceError(opListEvents, reasonMissingDB, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Model(&Record{})
	if scope != nil {
		query = scope(query)
	}
	var records []Record
	if err := query.Order(orderLog).Find(&records).Error; err != nil {
		s.logError(opListEvents, reasonQueryFailed, err)
		return nil, newServiceError(opListEvents, reasonQueryFailed, err)
	}
	result := make([]Event, 0, len(records))
	for _, record := range records {
		event, err := record.toEvent()
		if err != nil {
			s.logError(opListEvents, reasonDecodeFailed, err, zap.Int64("id", record.ID))
			return nil, newServiceError(opListEvents, reasonDecodeFailed, err)
		}
		result = append(result, event)
	}
	return result, nil
}

func (s *Store) seedLastTimestamp(ctx context.Context) error {
	if s.seeded {
		return nil
	}
	var value int64
	if err := s.db.WithContext(ctx).
		Model(&Record{}).
		Select("COALESCE(MAX(timestamp), 0)").
		Scan(&value).Error; err != nil {
		return err
	}
	s.lastTimestamp = value
	s.seeded = true
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("event store error", attrs...)
}
