package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/uploads"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectionState is the lifecycle stage of a realtime connection.
type ConnectionState int32

const (
	// StateConnecting covers the handshake until the connection is registered.
	StateConnecting ConnectionState = iota
	// StateOpen connections receive broadcasts.
	StateOpen
	// StateClosing connections accept no new payloads while the writer drains.
	StateClosing
	// StateClosed connections are unregistered.
	StateClosed
)

// String returns the lowercase name reported in ConnectionInfo.
func (state ConnectionState) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionInfo is the externally visible view of one connection.
type ConnectionInfo struct {
	ID            string                   `json:"id"`
	ClientID      string                   `json:"clientId"`
	Host          string                   `json:"host"`
	State         string                   `json:"state"`
	ConnectedAt   time.Time                `json:"connectedAt"`
	LastSeen      time.Time                `json:"lastSeen"`
	Failures      int                      `json:"failures"`
	UsingFallback bool                     `json:"usingFallback"`
	ActiveUploads []uploads.TransferStatus `json:"activeUploads"`
}

type connection struct {
	id                string
	clientID          events.ClientID
	host              string
	connectedAt       time.Time
	socket            *websocket.Conn
	send              chan []byte
	done              chan struct{}
	fallbackThreshold int32

	state     atomic.Int32
	lastSeen  atomic.Int64
	failures  atomic.Int32
	closeOnce sync.Once
}

func newConnection(id string, clientID events.ClientID, host string, socket *websocket.Conn, sendBuffer, fallbackThreshold int, now time.Time) *connection {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	conn := &connection{
		id:                id,
		clientID:          clientID,
		host:              host,
		connectedAt:       now,
		socket:            socket,
		send:              make(chan []byte, sendBuffer),
		done:              make(chan struct{}),
		fallbackThreshold: int32(fallbackThreshold),
	}
	conn.state.Store(int32(StateConnecting))
	conn.lastSeen.Store(now.UnixMilli())
	return conn
}

func (c *connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *connection) setState(state ConnectionState) {
	c.state.Store(int32(state))
}

func (c *connection) markSeen(now time.Time) {
	c.lastSeen.Store(now.UnixMilli())
}

func (c *connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(c.lastSeen.Load()))
}

func (c *connection) recordFailure() {
	c.failures.Add(1)
}

// usingFallback reports that enough sends failed for the client to prefer
// the HTTP surface. The connection itself stays open.
func (c *connection) usingFallback() bool {
	return c.fallbackThreshold > 0 && c.failures.Load() >= c.fallbackThreshold
}

// enqueue hands payload to the writer without blocking. A full queue drops
// the payload and counts a failure.
func (c *connection) enqueue(payload []byte) bool {
	state := c.State()
	if state != StateOpen && state != StateConnecting {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.recordFailure()
		droppedMessagesTotal.Inc()
		return false
	}
}

// writeLoop drains the send queue onto the socket until the connection is done.
func (c *connection) writeLoop(writeTimeout time.Duration, logger *zap.Logger) {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.socket.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.recordFailure()
				c.socket.Close()
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.recordFailure()
				logger.Debug("websocket write failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
				// Unblocks the read loop, which runs the disconnect cleanup.
				c.socket.Close()
				return
			}
		}
	}
}

func (c *connection) ping(deadline time.Time) error {
	return c.socket.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *connection) info(activeUploads []uploads.TransferStatus) ConnectionInfo {
	if activeUploads == nil {
		activeUploads = []uploads.TransferStatus{}
	}
	return ConnectionInfo{
		ID:            c.id,
		ClientID:      c.clientID.String(),
		Host:          c.host,
		State:         c.State().String(),
		ConnectedAt:   c.connectedAt,
		LastSeen:      time.UnixMilli(c.lastSeen.Load()).UTC(),
		Failures:      int(c.failures.Load()),
		UsingFallback: c.usingFallback(),
		ActiveUploads: activeUploads,
	}
}
