package uploads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes stale temp artifacts that no live transfer owns,
// such as leftovers from a crash.
type Sweeper struct {
	assembler *Assembler
	interval  time.Duration
	ttl       time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// NewSweeper constructs a sweeper over the assembler's temp directory.
func NewSweeper(assembler *Assembler, interval, ttl time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if assembler == nil {
		return nil, fmt.Errorf("uploads: assembler is required")
	}
	if interval <= 0 || ttl <= 0 {
		return nil, fmt.Errorf("uploads: sweep interval and ttl must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		assembler: assembler,
		interval:  interval,
		ttl:       ttl,
		clock:     assembler.clock,
		logger:    logger,
	}, nil
}

// Sweep removes unowned temp artifacts older than the ttl.
func (s *Sweeper) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.assembler.TempDir(), tempPattern))
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-s.ttl)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if s.assembler.ownsTemp(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("stale temp artifact removal failed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		tempFilesSweptTotal.Add(float64(removed))
		s.logger.Info("stale temp artifacts swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// Run sweeps once immediately and then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(); err != nil {
			s.logger.Warn("temp sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
