package server

import (
	"sort"
	"sync"
)

// Hub owns the roster of open connections. One hub exists per process and
// is injected into the coordinator.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*connection
}

// NewHub returns an empty roster.
func NewHub() *Hub {
	return &Hub{connections: make(map[string]*connection)}
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) register(conn *connection) {
	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()
	openConnections.Inc()
}

func (h *Hub) unregister(connectionID string) bool {
	h.mu.Lock()
	_, ok := h.connections[connectionID]
	if ok {
		delete(h.connections, connectionID)
	}
	h.mu.Unlock()
	if ok {
		openConnections.Dec()
	}
	return ok
}

// snapshot copies the roster so callers can iterate while connections close.
func (h *Hub) snapshot() []*connection {
	h.mu.RLock()
	copies := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		copies = append(copies, conn)
	}
	h.mu.RUnlock()
	sort.Slice(copies, func(i, j int) bool {
		return copies[i].id < copies[j].id
	})
	return copies
}

// broadcast enqueues payload on every open connection except exceptID and
// returns the number of queues that accepted it. It never blocks.
func (h *Hub) broadcast(payload []byte, exceptID string) int {
	delivered := 0
	for _, conn := range h.snapshot() {
		if conn.id == exceptID {
			continue
		}
		if conn.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}
