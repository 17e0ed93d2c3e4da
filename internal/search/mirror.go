package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Mirror is a client-side copy of the index kept current by deltas.
type Mirror struct {
	mu        sync.RWMutex
	version   uint64
	documents map[string]Document
}

// NewMirror returns an empty mirror at version zero.
func NewMirror() *Mirror {
	return &Mirror{documents: make(map[string]Document)}
}

// Load replaces the mirror with the contents of a bundle.
func (m *Mirror) Load(bundle Bundle) error {
	documents := make(map[string]Document, bundle.TotalDocuments)
	if bundle.SerializedHistoricalIndex != "" {
		var snapshot historicalSnapshot
		if err := json.Unmarshal([]byte(bundle.SerializedHistoricalIndex), &snapshot); err != nil {
			return fmt.Errorf("search: decode historical index: %w", err)
		}
		for _, document := range snapshot.Documents {
			documents[document.ID] = document
		}
	}
	for _, document := range bundle.RecentDocuments {
		documents[document.ID] = document
	}

	m.mu.Lock()
	m.documents = documents
	m.version = bundle.IndexVersion
	m.mu.Unlock()
	return nil
}

// Apply applies a delta. A delta whose fromVersion differs from the mirror's
// version is discarded whole and ErrVersionMismatch is returned.
func (m *Mirror) Apply(delta Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delta.FromVersion != m.version {
		return fmt.Errorf("%w: local %d, delta from %d", ErrVersionMismatch, m.version, delta.FromVersion)
	}
	for _, documentID := range delta.Removals {
		delete(m.documents, documentID)
	}
	for _, document := range delta.Additions {
		m.documents[document.ID] = document
	}
	m.version = delta.ToVersion
	return nil
}

// Version returns the mirror's index version.
func (m *Mirror) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// DocumentIDs returns the ids of every mirrored document in sorted order.
func (m *Mirror) DocumentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.documents))
	for id := range m.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Documents returns the mirrored documents ordered by timestamp.
func (m *Mirror) Documents() []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedDocuments(m.documents)
}
