package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// IndexDemoter periodically moves search documents older than the recent
// window into the historical shard and broadcasts the delta.
type IndexDemoter struct {
	coordinator *Coordinator
	interval    time.Duration
	logger      *zap.Logger
}

// NewIndexDemoter builds the demotion task.
func NewIndexDemoter(coordinator *Coordinator, interval time.Duration) (*IndexDemoter, error) {
	if coordinator == nil {
		return nil, errMissingCoordinator
	}
	if interval <= 0 {
		return nil, errors.New("index demoter: interval must be positive")
	}
	return &IndexDemoter{
		coordinator: coordinator,
		interval:    interval,
		logger:      coordinator.logger,
	}, nil
}

// Tick runs one demotion pass and returns the number of documents demoted.
func (d *IndexDemoter) Tick() int {
	demoted := d.coordinator.demoteSearch()
	if demoted > 0 {
		d.logger.Info("search documents aged out of the recent window", zap.Int("demoted", demoted))
	}
	return demoted
}

// Run ticks until ctx is cancelled.
func (d *IndexDemoter) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick()
		}
	}
}
