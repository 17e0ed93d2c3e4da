package timeline

import "fmt"

type cutKind int

const (
	cutLatest cutKind = iota
	cutEvent
	cutTime
)

// Cut bounds a replay: by event id, by commit timestamp, or not at all.
type Cut struct {
	kind  cutKind
	value int64
}

// Latest returns a cut covering the whole log.
func Latest() Cut {
	return Cut{kind: cutLatest}
}

// AtEvent returns a cut including every event with id at most eventID.
func AtEvent(eventID int64) Cut {
	return Cut{kind: cutEvent, value: eventID}
}

// AtTime returns a cut including every event committed at or before the unix-millisecond timestamp.
func AtTime(timestamp int64) Cut {
	return Cut{kind: cutTime, value: timestamp}
}

func (cut Cut) String() string {
	switch cut.kind {
	case cutEvent:
		return fmt.Sprintf("event:%d", cut.value)
	case cutTime:
		return fmt.Sprintf("time:%d", cut.value)
	default:
		return "latest"
	}
}
