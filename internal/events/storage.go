package events

// Record is the persisted, append-only row backing an Event.
type Record struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	EventType   string `gorm:"column:event_type;size:32;not null;index:idx_events_type"`
	EntityID    string `gorm:"column:entity_id;size:190;not null;index:idx_events_entity_time,priority:1"`
	Payload     string `gorm:"column:payload;type:text;not null"`
	Timestamp   int64  `gorm:"column:timestamp;not null;index:idx_events_timestamp;index:idx_events_entity_time,priority:2"`
	ClientID    string `gorm:"column:client_id;size:190;not null;uniqueIndex:idx_events_client_seq,priority:1"`
	SequenceNum int64  `gorm:"column:sequence_num;not null;uniqueIndex:idx_events_client_seq,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "events"
}

func (record Record) toEvent() (Event, error) {
	eventType, err := ParseEventType(record.EventType)
	if err != nil {
		return Event{}, err
	}
	payload, err := DecodePayload(eventType, []byte(record.Payload))
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          record.ID,
		Type:        eventType,
		EntityID:    record.EntityID,
		Payload:     payload,
		Timestamp:   record.Timestamp,
		ClientID:    ClientID(record.ClientID),
		SequenceNum: SequenceNum(record.SequenceNum),
	}, nil
}
