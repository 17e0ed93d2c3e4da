package clients

import (
	"strings"
	"time"
)

// Identity records a client that has submitted events or opened a connection.
type Identity struct {
	ClientID  string    `gorm:"column:client_id;primaryKey;size:190;not null"`
	Host      string    `gorm:"column:host;size:255"`
	FirstSeen time.Time `gorm:"column:first_seen;not null"`
	LastSeen  time.Time `gorm:"column:last_seen;not null;index"`
}

// TableName exposes the table backing client identities.
func (Identity) TableName() string {
	return "client_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
