package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opResolve      = "clients.resolve"
	opNextSequence = "clients.next_sequence"
)

// ErrInvalidIdentity indicates that a requested client id could not be used.
var ErrInvalidIdentity = errors.New("clients: invalid identity")

// SequenceSource reports the highest committed sequence number per client.
type SequenceSource interface {
	LastSequence(ctx context.Context, clientID events.ClientID) (int64, error)
}

// ServiceConfig describes the dependencies required for client identity resolution.
type ServiceConfig struct {
	Database  *gorm.DB
	Sequences SequenceSource
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service owns client identities and the per-client sequence counters used for
// server-originated submissions. One instance exists per process.
type Service struct {
	db        *gorm.DB
	sequences SequenceSource
	now       func() time.Time
	logger    *zap.Logger
	cache     sync.Map

	counterMu sync.Mutex
	counters  map[events.ClientID]int64
}

// NewService constructs the client registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("clients: database connection required")
	}
	if cfg.Sequences == nil {
		return nil, fmt.Errorf("clients: sequence source required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		sequences: cfg.Sequences,
		now:       clock,
		logger:    logger,
		counters:  make(map[events.ClientID]int64),
	}, nil
}

// Resolve returns the client id for the caller, generating a new one when
// requestedID is empty, and refreshes the identity's last-seen time.
func (s *Service) Resolve(ctx context.Context, requestedID string, host string) (events.ClientID, error) {
	raw := normalize(requestedID)
	if raw == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("%s: %w", opResolve, err)
		}
		raw = generated.String()
	}
	clientID, err := events.NewClientID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	now := s.now().UTC()
	if _, ok := s.cache.Load(clientID); ok {
		if err := s.db.WithContext(ctx).
			Model(&Identity{}).
			Where("client_id = ?", clientID.String()).
			Update("last_seen", now).Error; err != nil {
			s.logger.Warn("client last-seen refresh failed",
				zap.String("client_id", clientID.String()),
				zap.Error(err))
		}
		return clientID, nil
	}

	identity := Identity{
		ClientID:  clientID.String(),
		Host:      normalize(host),
		FirstSeen: now,
		LastSeen:  now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"host", "last_seen"}),
	}).Create(&identity).Error
	if err != nil {
		s.logger.Error("client identity upsert failed",
			zap.String("operation", opResolve),
			zap.String("client_id", clientID.String()),
			zap.Error(err))
		return "", fmt.Errorf("%s: %w", opResolve, err)
	}

	s.cache.Store(clientID, struct{}{})
	return clientID, nil
}

// Lookup returns the stored identity for the client.
func (s *Service) Lookup(ctx context.Context, clientID events.ClientID) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID.String()).Take(&identity).Error
	return identity, err
}

// NextSequence issues the next server-side sequence number for the client.
// Issued numbers start at events.ServerSequenceBase.
func (s *Service) NextSequence(ctx context.Context, clientID events.ClientID) (events.SequenceNum, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	current, ok := s.counters[clientID]
	if !ok {
		last, err := s.sequences.LastSequence(ctx, clientID)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", opNextSequence, err)
		}
		current = last
	}
	if current < events.ServerSequenceBase.Int64()-1 {
		current = events.ServerSequenceBase.Int64() - 1
	}
	current++
	s.counters[clientID] = current
	return events.SequenceNum(current), nil
}

// Observe advances the client's counter past a committed sequence number.
// Client-chosen numbers sit below the issued range and never move it.
// Unseeded counters are left alone; they seed from the log.
func (s *Service) Observe(clientID events.ClientID, seq events.SequenceNum) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	if current, ok := s.counters[clientID]; ok && seq.Int64() > current {
		s.counters[clientID] = seq.Int64()
	}
}
