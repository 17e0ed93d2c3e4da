package timeline

import (
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
)

// Register is one of the fixed, pre-declared shared text registers.
type Register struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

// State is the application state derived from a prefix of the event log.
type State struct {
	Registers []Register          `json:"registers"`
	Files     []events.FileRecord `json:"files"`
	Timestamp int64               `json:"timestamp"`
}

// NewState returns the empty state with registerCount registers numbered from 1.
func NewState(registerCount int) State {
	registers := make([]Register, registerCount)
	for index := range registers {
		registers[index] = Register{ID: index + 1}
	}
	return State{Registers: registers, Files: []events.FileRecord{}}
}

// Clone returns a deep copy of the state.
func (state State) Clone() State {
	registers := make([]Register, len(state.Registers))
	copy(registers, state.Registers)
	files := make([]events.FileRecord, len(state.Files))
	copy(files, state.Files)
	return State{Registers: registers, Files: files, Timestamp: state.Timestamp}
}

// Fold applies events in order to a copy of state and returns the result.
// The input state is never modified.
func Fold(state State, log []events.Event) State {
	folded := state.Clone()
	for _, event := range log {
		folded.apply(event)
	}
	return folded
}

func (state *State) apply(event events.Event) {
	switch payload := event.Payload.(type) {
	case events.TextChange:
		// Unknown register indices are ignored.
		if payload.Index >= 0 && payload.Index < len(state.Registers) {
			state.Registers[payload.Index].Content = payload.Content
		}
	case events.FileUpload:
		state.upsertFile(payload.File)
	case events.FileDelete:
		state.removeFiles(payload.ContentHash, payload.StoredName)
	}
	if event.Timestamp > state.Timestamp {
		state.Timestamp = event.Timestamp
	}
}

func (state *State) upsertFile(record events.FileRecord) {
	for index := range state.Files {
		if state.Files[index].Matches(record.ContentHash, record.StoredName) {
			state.Files[index] = record
			return
		}
	}
	state.Files = append(state.Files, record)
}

func (state *State) removeFiles(contentHash, storedName string) {
	kept := state.Files[:0]
	for _, record := range state.Files {
		if record.Matches(contentHash, storedName) {
			continue
		}
		kept = append(kept, record)
	}
	state.Files = kept
}

// RegisterContent returns the content of the register with the given id.
func (state State) RegisterContent(registerID int) (string, bool) {
	for _, register := range state.Registers {
		if register.ID == registerID {
			return register.Content, true
		}
	}
	return "", false
}
