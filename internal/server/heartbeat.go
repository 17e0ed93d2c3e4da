package server

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errMissingCoordinator = errors.New("coordinator dependency required")

// Heartbeat pings every open connection on an interval and force-closes the
// ones that stayed silent past the pong timeout.
type Heartbeat struct {
	coordinator *Coordinator
	interval    time.Duration
	timeout     time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewHeartbeat builds the liveness task from the coordinator's transport settings.
func NewHeartbeat(coordinator *Coordinator) (*Heartbeat, error) {
	if coordinator == nil {
		return nil, errMissingCoordinator
	}
	settings := coordinator.transport
	if settings.PingInterval <= 0 || settings.PongTimeout <= 0 {
		return nil, errors.New("heartbeat: ping interval and pong timeout must be positive")
	}
	return &Heartbeat{
		coordinator: coordinator,
		interval:    settings.PingInterval,
		timeout:     settings.PongTimeout,
		clock:       coordinator.clock,
		logger:      coordinator.logger,
	}, nil
}

// Pulse runs one liveness round.
func (h *Heartbeat) Pulse() (pinged int, reaped int) {
	now := h.clock()
	for _, conn := range h.coordinator.hub.snapshot() {
		if conn.State() != StateOpen {
			continue
		}
		if idle := conn.idleFor(now); idle > h.timeout {
			connectionsReapedTotal.Inc()
			h.logger.Info("connection missed pong deadline",
				zap.String("connection_id", conn.id),
				zap.Duration("idle", idle))
			h.coordinator.disconnect(conn, websocket.CloseGoingAway, "pong timeout")
			reaped++
			continue
		}
		if err := conn.ping(time.Now().Add(h.coordinator.transport.WriteTimeout)); err != nil {
			conn.recordFailure()
			h.logger.Debug("ping failed",
				zap.String("connection_id", conn.id),
				zap.Error(err))
			continue
		}
		pinged++
	}
	return pinged, reaped
}

// Run pulses until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Pulse()
		}
	}
}
