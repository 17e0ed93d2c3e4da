package timeline

import (
	"context"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
)

type memoryLog struct {
	events []events.Event
}

func (m *memoryLog) AllEvents(context.Context) ([]events.Event, error) {
	return append([]events.Event(nil), m.events...), nil
}

func (m *memoryLog) EventsThrough(_ context.Context, eventID int64) ([]events.Event, error) {
	var result []events.Event
	for _, event := range m.events {
		if event.ID <= eventID {
			result = append(result, event)
		}
	}
	return result, nil
}

func (m *memoryLog) EventsBefore(_ context.Context, timestamp int64) ([]events.Event, error) {
	var result []events.Event
	for _, event := range m.events {
		if event.Timestamp <= timestamp {
			result = append(result, event)
		}
	}
	return result, nil
}

func (m *memoryLog) add(timestamp int64, payload events.Payload, entityID string) {
	m.events = append(m.events, events.Event{
		ID:          int64(len(m.events) + 1),
		Type:        payload.EventType(),
		EntityID:    entityID,
		Payload:     payload,
		Timestamp:   timestamp,
		ClientID:    "client",
		SequenceNum: events.SequenceNum(len(m.events) + 1),
	})
}

func (m *memoryLog) text(timestamp int64, index int, content string) {
	m.add(timestamp, events.TextChange{Index: index, Content: content}, events.RegisterEntityID(index))
}

func TestRegisterScenarioStateAndDiff(testContext *testing.T) {
	log := &memoryLog{}
	log.text(100, 0, "A")
	log.text(200, 0, "B")
	reconstructor := mustReconstructor(testContext, log)

	at100, err := reconstructor.StateAt(context.Background(), AtTime(100))
	if err != nil {
		testContext.Fatalf("state at 100 failed: %v", err)
	}
	if at100.Registers[0].Content != "A" {
		testContext.Fatalf("expected A at 100, got %q", at100.Registers[0].Content)
	}
	at200, err := reconstructor.StateAt(context.Background(), AtTime(200))
	if err != nil {
		testContext.Fatalf("state at 200 failed: %v", err)
	}
	if at200.Registers[0].Content != "B" {
		testContext.Fatalf("expected B at 200, got %q", at200.Registers[0].Content)
	}

	diff, err := reconstructor.Diff(context.Background(), AtTime(100), AtTime(200))
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	expected := []Change{{Type: ChangeRegister, RegisterID: 1, From: "A", To: "B"}}
	if !reflect.DeepEqual(diff.Changes, expected) {
		testContext.Fatalf("unexpected changes %#v", diff.Changes)
	}
}

func TestFileUploadThenDeleteScenario(testContext *testing.T) {
	log := &memoryLog{}
	record := events.FileRecord{DisplayName: "a.png", StoredName: "0190-a.png", ContentHash: "H1", Size: 12}
	log.add(100, events.FileUpload{File: record}, events.FileEntityID(record.StoredName))
	log.add(300, events.FileDelete{StoredName: record.StoredName, ContentHash: "H1", DisplayName: "a.png"}, events.FileEntityID(record.StoredName))
	reconstructor := mustReconstructor(testContext, log)

	for _, testCase := range []struct {
		name    string
		cut     Cut
		present bool
	}{
		{name: "before upload", cut: AtTime(50), present: false},
		{name: "at upload", cut: AtTime(100), present: true},
		{name: "between", cut: AtTime(200), present: true},
		{name: "at delete", cut: AtTime(300), present: false},
		{name: "by event id", cut: AtEvent(1), present: true},
		{name: "latest", cut: Latest(), present: false},
	} {
		testContext.Run(testCase.name, func(t *testing.T) {
			state, err := reconstructor.StateAt(context.Background(), testCase.cut)
			if err != nil {
				t.Fatalf("state failed: %v", err)
			}
			if present := len(state.Files) == 1; present != testCase.present {
				t.Fatalf("expected present=%v, files=%#v", testCase.present, state.Files)
			}
		})
	}

	diff, err := reconstructor.Diff(context.Background(), AtTime(100), AtTime(300))
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	if len(diff.Changes) != 1 || diff.Changes[0].Type != ChangeFileRemoved || diff.Changes[0].File.StoredName != record.StoredName {
		testContext.Fatalf("unexpected changes %#v", diff.Changes)
	}
}

func TestFoldUpsertMatchesByHashOrStoredName(testContext *testing.T) {
	state := NewState(1)
	first := events.FileRecord{StoredName: "one", ContentHash: "H1", DisplayName: "first"}
	sameHash := events.FileRecord{StoredName: "two", ContentHash: "H1", DisplayName: "replaced"}
	other := events.FileRecord{StoredName: "three", ContentHash: "H3", DisplayName: "other"}

	folded := Fold(state, []events.Event{
		{ID: 1, Payload: events.FileUpload{File: first}},
		{ID: 2, Payload: events.FileUpload{File: other}},
		{ID: 3, Payload: events.FileUpload{File: sameHash}},
	})
	if len(folded.Files) != 2 {
		testContext.Fatalf("expected two files, got %#v", folded.Files)
	}
	if folded.Files[0].DisplayName != "replaced" {
		testContext.Fatalf("expected in-place replacement, got %#v", folded.Files[0])
	}
	if len(state.Files) != 0 {
		testContext.Fatalf("fold must not modify its input state")
	}
}

func TestFoldIgnoresUnknownRegisterIndex(testContext *testing.T) {
	folded := Fold(NewState(2), []events.Event{
		{ID: 1, Timestamp: 5, Payload: events.TextChange{Index: 7, Content: "lost"}},
		{ID: 2, Timestamp: 6, Payload: events.TextChange{Index: -1, Content: "lost"}},
		{ID: 3, Timestamp: 7, Payload: events.TextChange{Index: 1, Content: "kept"}},
	})
	if folded.Registers[0].Content != "" || folded.Registers[1].Content != "kept" {
		testContext.Fatalf("unexpected registers %#v", folded.Registers)
	}
	if folded.Timestamp != 7 {
		testContext.Fatalf("expected state timestamp 7, got %d", folded.Timestamp)
	}
}

func TestReplayDeterminism(testContext *testing.T) {
	log := &memoryLog{}
	log.text(10, 0, "alpha")
	log.add(20, events.FileUpload{File: events.FileRecord{StoredName: "s1", ContentHash: "h1"}}, events.FileEntityID("s1"))
	log.text(30, 1, "beta")
	log.text(40, 0, "gamma")
	log.add(50, events.FileDelete{StoredName: "s1", ContentHash: "h1"}, events.FileEntityID("s1"))
	log.add(60, events.FileUpload{File: events.FileRecord{StoredName: "s2", ContentHash: "h2"}}, events.FileEntityID("s2"))
	reconstructor := mustReconstructor(testContext, log)

	cuts := []int64{0, 10, 25, 40, 50, 60, 99}
	for _, a := range cuts {
		for _, b := range cuts {
			if a > b {
				continue
			}
			stateA, err := reconstructor.StateAt(context.Background(), AtTime(a))
			if err != nil {
				testContext.Fatalf("state at %d failed: %v", a, err)
			}
			stateB, err := reconstructor.StateAt(context.Background(), AtTime(b))
			if err != nil {
				testContext.Fatalf("state at %d failed: %v", b, err)
			}
			var between []events.Event
			for _, event := range log.events {
				if event.Timestamp > a && event.Timestamp <= b {
					between = append(between, event)
				}
			}
			if folded := Fold(stateA, between); !reflect.DeepEqual(folded, stateB) {
				testContext.Fatalf("replay mismatch for a=%d b=%d: %#v != %#v", a, b, folded, stateB)
			}
		}
	}
}

func mustReconstructor(testContext *testing.T, log Log) *Reconstructor {
	testContext.Helper()
	reconstructor, err := NewReconstructor(log, 4)
	if err != nil {
		testContext.Fatalf("failed to create reconstructor: %v", err)
	}
	return reconstructor
}
