package server

import (
	"testing"
	"time"
)

func TestIndexDemoterBroadcastsAgedDocuments(testContext *testing.T) {
	env := newTestEnv(testContext, withSearchWindow(time.Hour))
	observer := env.dial(testContext, "observer")
	drainJoin(testContext, observer)

	if _, applied, err := env.coordinator.SubmitText(testContext.Context(), "alice", 0, "quarterly plan", 1, "", nil); err != nil || !applied {
		testContext.Fatalf("submit text: applied=%v err=%v", applied, err)
	}
	mustExpectFrame(testContext, observer, MessageTextChange)
	var committed indexDeltaFrame
	mustExpectFrame(testContext, observer, MessageIndexDelta).decode(testContext, &committed)

	demoter, err := NewIndexDemoter(env.coordinator, time.Minute)
	if err != nil {
		testContext.Fatalf("index demoter: %v", err)
	}
	if demoted := demoter.Tick(); demoted != 0 {
		testContext.Fatalf("expected nothing to age out yet, got %d", demoted)
	}

	env.clock.Advance(2 * time.Hour)
	if demoted := demoter.Tick(); demoted != 1 {
		testContext.Fatalf("expected one demoted document, got %d", demoted)
	}
	var aged indexDeltaFrame
	mustExpectFrame(testContext, observer, MessageIndexDelta).decode(testContext, &aged)
	if aged.Delta.FromVersion != committed.Delta.ToVersion || len(aged.Delta.Additions) != 1 {
		testContext.Fatalf("unexpected demotion delta %+v", aged.Delta)
	}

	stats := env.coordinator.search.Stats()
	if stats.RecentDocuments != 0 || stats.HistoricalDocuments != 1 || stats.IndexVersion != aged.Delta.ToVersion {
		testContext.Fatalf("unexpected index stats %+v", stats)
	}
}

func TestNewIndexDemoterValidatesInput(testContext *testing.T) {
	if _, err := NewIndexDemoter(nil, time.Minute); err == nil {
		testContext.Fatalf("expected missing coordinator error")
	}
	env := newTestEnv(testContext)
	if _, err := NewIndexDemoter(env.coordinator, 0); err == nil {
		testContext.Fatalf("expected interval validation error")
	}
}
