package timeline

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
)

// Log is the read side of the event store used for replay.
type Log interface {
	AllEvents(ctx context.Context) ([]events.Event, error)
	EventsThrough(ctx context.Context, eventID int64) ([]events.Event, error)
	EventsBefore(ctx context.Context, timestamp int64) ([]events.Event, error)
}

// Reconstructor derives application state at arbitrary points of the log.
// It never writes to the log.
type Reconstructor struct {
	log           Log
	registerCount int
}

// NewReconstructor constructs a reconstructor over registerCount registers.
func NewReconstructor(log Log, registerCount int) (*Reconstructor, error) {
	if log == nil {
		return nil, fmt.Errorf("timeline: event log is required")
	}
	if registerCount <= 0 {
		return nil, fmt.Errorf("timeline: register count must be positive, got %d", registerCount)
	}
	return &Reconstructor{log: log, registerCount: registerCount}, nil
}

// RegisterCount reports the number of pre-declared registers.
func (r *Reconstructor) RegisterCount() int {
	return r.registerCount
}

// StateAt folds every event inside the cut starting from the empty state.
func (r *Reconstructor) StateAt(ctx context.Context, cut Cut) (State, error) {
	prefix, err := r.prefix(ctx, cut)
	if err != nil {
		return State{}, fmt.Errorf("timeline: state at %s: %w", cut, err)
	}
	return Fold(NewState(r.registerCount), prefix), nil
}

// Diff reconstructs both cuts and enumerates the changes between them.
func (r *Reconstructor) Diff(ctx context.Context, from, to Cut) (Diff, error) {
	fromState, err := r.StateAt(ctx, from)
	if err != nil {
		return Diff{}, err
	}
	toState, err := r.StateAt(ctx, to)
	if err != nil {
		return Diff{}, err
	}
	return Diff{From: fromState, To: toState, Changes: Compare(fromState, toState)}, nil
}

func (r *Reconstructor) prefix(ctx context.Context, cut Cut) ([]events.Event, error) {
	switch cut.kind {
	case cutEvent:
		return r.log.EventsThrough(ctx, cut.value)
	case cutTime:
		return r.log.EventsBefore(ctx, cut.value)
	default:
		return r.log.AllEvents(ctx)
	}
}
