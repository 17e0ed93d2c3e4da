package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"
)

const (
	defaultRecentWindow = 7 * 24 * time.Hour
	defaultLimit        = 20
	maxLimit            = 100
	defaultSuggestions  = 8
	minPrefixRunes      = 2

	weightExact  = 1.0
	weightPrefix = 0.75
	weightFuzzy  = 0.5
)

// ErrVersionMismatch reports a delta whose fromVersion does not match the
// local index version. The delta must be discarded and the bundle refetched.
var ErrVersionMismatch = errors.New("search: index version mismatch")

// Config describes the dependencies of the index manager.
type Config struct {
	RecentWindow time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Options narrows a search.
type Options struct {
	Limit int          `json:"limit"`
	From  int64        `json:"from"`
	To    int64        `json:"to"`
	Type  DocumentType `json:"type"`
}

// Result is one ranked hit. Synthetic tags are never included.
type Result struct {
	ID         string       `json:"id"`
	Type       DocumentType `json:"type"`
	EntityID   string       `json:"entityId"`
	EventID    int64        `json:"eventId"`
	Content    string       `json:"content"`
	Timestamp  int64        `json:"timestamp"`
	Filename   string       `json:"filename,omitempty"`
	Size       int64        `json:"size,omitempty"`
	Score      float64      `json:"score"`
	Historical bool         `json:"historical"`
}

// Bundle is the bootstrap payload for a client-side mirror.
type Bundle struct {
	RecentDocuments           []Document `json:"recentDocuments"`
	SerializedHistoricalIndex string     `json:"serializedHistoricalIndex"`
	TotalDocuments            int        `json:"totalDocuments"`
	IndexVersion              uint64     `json:"indexVersion"`
}

// Stats summarizes the index.
type Stats struct {
	RecentDocuments     int       `json:"recentDocuments"`
	HistoricalDocuments int       `json:"historicalDocuments"`
	Terms               int       `json:"terms"`
	IndexVersion        uint64    `json:"indexVersion"`
	LastRebuild         time.Time `json:"lastRebuild"`
	RecentWindow        string    `json:"recentWindow"`
}

type historicalSnapshot struct {
	Version   uint64     `json:"version"`
	Documents []Document `json:"documents"`
}

// Manager owns the recent and historical shards and the index version.
type Manager struct {
	recentWindow time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu              sync.RWMutex
	version         uint64
	recent          *shard
	historical      *shard
	lastRebuild     time.Time
	serialized      string
	serializedDirty bool
}

// NewManager constructs an empty index at version zero.
func NewManager(cfg Config) *Manager {
	window := cfg.RecentWindow
	if window <= 0 {
		window = defaultRecentWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		recentWindow:    window,
		clock:           clock,
		logger:          logger,
		recent:          newShard(),
		historical:      newShard(),
		serializedDirty: true,
	}
}

// Version returns the current index version.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Rebuild replaces both shards from the full log. Events older than the
// recent window land in the historical shard in snippet form.
func (m *Manager) Rebuild(log []events.Event) {
	recent := newShard()
	historical := newShard()
	now := m.clock()
	cutoff := now.Add(-m.recentWindow).UnixMilli()

	for _, event := range log {
		if _, ok := event.Payload.(events.TextChange); ok {
			recent.removeEntity(event.EntityID)
			historical.removeEntity(event.EntityID)
		}
		document, ok := documentFor(event)
		if !ok {
			continue
		}
		if document.Timestamp < cutoff {
			historical.add(document.snippet())
		} else {
			recent.add(document)
		}
	}

	m.mu.Lock()
	m.recent = recent
	m.historical = historical
	m.version++
	m.lastRebuild = now
	m.serializedDirty = true
	version := m.version
	m.mu.Unlock()

	observeIndex(version, recent.size(), historical.size())
	m.logger.Info("search index rebuilt",
		zap.Uint64("version", version),
		zap.Int("recent_documents", recent.size()),
		zap.Int("historical_documents", historical.size()))
}

// IndexDelta applies one committed event and returns the resulting delta.
// Register changes first remove every earlier document of the same entity.
func (m *Manager) IndexDelta(event events.Event) Delta {
	m.mu.Lock()
	delta := Delta{
		FromVersion: m.version,
		Timestamp:   m.clock().UnixMilli(),
		Additions:   []Document{},
		Removals:    []string{},
	}
	if _, ok := event.Payload.(events.TextChange); ok {
		delta.Removals = append(delta.Removals, m.recent.removeEntity(event.EntityID)...)
		if removed := m.historical.removeEntity(event.EntityID); len(removed) > 0 {
			delta.Removals = append(delta.Removals, removed...)
			m.serializedDirty = true
		}
		sort.Strings(delta.Removals)
	}
	if document, ok := documentFor(event); ok {
		m.recent.add(document)
		delta.Additions = append(delta.Additions, document)
	}
	m.version++
	delta.ToVersion = m.version
	recentSize, historicalSize := m.recent.size(), m.historical.size()
	m.mu.Unlock()

	observeIndex(delta.ToVersion, recentSize, historicalSize)
	return delta
}

// Demote moves recent documents that fell out of the recent window into the
// historical shard in snippet form. The returned delta re-adds each demoted
// document under its unchanged id; ok is false when nothing aged out and the
// version was left alone.
func (m *Manager) Demote() (delta Delta, ok bool) {
	m.mu.Lock()
	now := m.clock()
	cutoff := now.Add(-m.recentWindow).UnixMilli()
	expired := make([]Document, 0)
	for _, document := range m.recent.documents {
		if document.Timestamp < cutoff {
			expired = append(expired, document)
		}
	}
	if len(expired) == 0 {
		m.mu.Unlock()
		return Delta{}, false
	}

	delta = Delta{
		FromVersion: m.version,
		Timestamp:   now.UnixMilli(),
		Additions:   make([]Document, 0, len(expired)),
		Removals:    []string{},
	}
	for _, document := range sortedByTimestamp(expired) {
		m.recent.remove(document.ID)
		demoted := document.snippet()
		m.historical.add(demoted)
		delta.Additions = append(delta.Additions, demoted)
	}
	m.version++
	m.serializedDirty = true
	delta.ToVersion = m.version
	recentSize, historicalSize := m.recent.size(), m.historical.size()
	m.mu.Unlock()

	observeIndex(delta.ToVersion, recentSize, historicalSize)
	m.logger.Debug("search documents demoted",
		zap.Int("demoted", len(delta.Additions)),
		zap.Uint64("version", delta.ToVersion))
	return delta, true
}

// SmartBundle returns full recent documents plus the serialized historical snapshot.
func (m *Manager) SmartBundle() (Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serializedDirty {
		snapshot := historicalSnapshot{Version: m.version, Documents: sortedDocuments(m.historical.documents)}
		raw, err := json.Marshal(snapshot)
		if err != nil {
			m.logger.Error("historical index serialization failed", zap.Error(err))
			return Bundle{}, fmt.Errorf("search: serialize historical index: %w", err)
		}
		m.serialized = string(raw)
		m.serializedDirty = false
	}
	return Bundle{
		RecentDocuments:           sortedDocuments(m.recent.documents),
		SerializedHistoricalIndex: m.serialized,
		TotalDocuments:            m.recent.size() + m.historical.size(),
		IndexVersion:              m.version,
	}, nil
}

// Search ranks documents against the query with OR semantics across terms.
func (m *Manager) Search(query string, options Options) []Result {
	queryTerms := uniqueTokens(query)
	limit := options.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if len(queryTerms) == 0 {
		return []Result{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Result, 0)
	for _, source := range []struct {
		shard      *shard
		historical bool
	}{{m.recent, false}, {m.historical, true}} {
		for documentID, score := range scoreShard(source.shard, queryTerms) {
			document := source.shard.documents[documentID]
			if !options.matches(document) {
				continue
			}
			results = append(results, Result{
				ID:         document.ID,
				Type:       document.Type,
				EntityID:   document.EntityID,
				EventID:    document.EventID,
				Content:    document.Content,
				Timestamp:  document.Timestamp,
				Filename:   document.Filename,
				Size:       document.Size,
				Score:      score,
				Historical: source.historical,
			})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Timestamp != results[j].Timestamp {
			return results[i].Timestamp > results[j].Timestamp
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (options Options) matches(document Document) bool {
	if options.Type != "" && document.Type != options.Type {
		return false
	}
	if options.From > 0 && document.Timestamp < options.From {
		return false
	}
	if options.To > 0 && document.Timestamp > options.To {
		return false
	}
	return true
}

func scoreShard(index *shard, queryTerms []string) map[string]float64 {
	scores := make(map[string]float64)
	for _, queryTerm := range queryTerms {
		best := make(map[string]float64)
		for term, postings := range index.postings {
			weight := matchWeight(queryTerm, term)
			if weight == 0 {
				continue
			}
			for documentID, mask := range postings {
				if value := weight * mask.boost(); value > best[documentID] {
					best[documentID] = value
				}
			}
		}
		for documentID, value := range best {
			scores[documentID] += value
		}
	}
	return scores
}

func matchWeight(queryTerm, term string) float64 {
	if queryTerm == term {
		return weightExact
	}
	queryLength := utf8.RuneCountInString(queryTerm)
	if queryLength >= minPrefixRunes && strings.HasPrefix(term, queryTerm) {
		return weightPrefix
	}
	allowed := fuzzyAllowance(queryLength)
	if allowed == 0 {
		return 0
	}
	lengthGap := utf8.RuneCountInString(term) - queryLength
	if lengthGap > allowed || -lengthGap > allowed {
		return 0
	}
	if levenshtein.ComputeDistance(queryTerm, term) <= allowed {
		return weightFuzzy
	}
	return 0
}

func fuzzyAllowance(runeCount int) int {
	switch {
	case runeCount >= 8:
		return 2
	case runeCount >= 4:
		return 1
	default:
		return 0
	}
}

// Suggestions completes the last word of prefix from indexed content and filenames.
func (m *Manager) Suggestions(prefix string, limit int) []string {
	terms := Tokenize(prefix)
	if len(terms) == 0 {
		return []string{}
	}
	if limit <= 0 {
		limit = defaultSuggestions
	}
	stem := terms[len(terms)-1]

	m.mu.RLock()
	frequency := make(map[string]int)
	for _, index := range []*shard{m.recent, m.historical} {
		for term, postings := range index.postings {
			if !strings.HasPrefix(term, stem) {
				continue
			}
			for _, mask := range postings {
				if mask.suggestable() {
					frequency[term]++
				}
			}
		}
	}
	m.mu.RUnlock()

	suggestions := make([]string, 0, len(frequency))
	for term := range frequency {
		suggestions = append(suggestions, term)
	}
	sort.Slice(suggestions, func(i, j int) bool {
		left, right := suggestions[i], suggestions[j]
		if frequency[left] != frequency[right] {
			return frequency[left] > frequency[right]
		}
		return left < right
	})
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}

// Stats reports shard sizes, vocabulary size and version.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vocabulary := make(map[string]struct{}, len(m.recent.postings)+len(m.historical.postings))
	for term := range m.recent.postings {
		vocabulary[term] = struct{}{}
	}
	for term := range m.historical.postings {
		vocabulary[term] = struct{}{}
	}
	return Stats{
		RecentDocuments:     m.recent.size(),
		HistoricalDocuments: m.historical.size(),
		Terms:               len(vocabulary),
		IndexVersion:        m.version,
		LastRebuild:         m.lastRebuild,
		RecentWindow:        m.recentWindow.String(),
	}
}

func sortedDocuments(documents map[string]Document) []Document {
	sorted := make([]Document, 0, len(documents))
	for _, document := range documents {
		sorted = append(sorted, document)
	}
	return sortedByTimestamp(sorted)
}

func sortedByTimestamp(sorted []Document) []Document {
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp < sorted[j].Timestamp
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
