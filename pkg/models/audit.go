package models

import "time"

// EventKind names an operator-facing pool event.
type EventKind string

const (
	EventRateLimited     EventKind = "rate_limited"
	EventExhausted       EventKind = "exhausted"
	EventError           EventKind = "error"
	EventRecovered       EventKind = "recovered"
	EventReset           EventKind = "reset"
	EventPromoted        EventKind = "promoted"
	EventPoolDepletion   EventKind = "pool_depletion"
	EventPoolDepleted    EventKind = "pool_depleted"
	EventBackupActivated EventKind = "backup_activated"
	EventBackupReleased  EventKind = "backup_released"
	EventReconciled      EventKind = "reconciled"
	EventAdmin           EventKind = "admin"
)

// PoolEvent is one entry in the pool event log.
type PoolEvent struct {
	ID           int64     `json:"id"`
	Kind         EventKind `json:"kind"`
	CredentialID string    `json:"credential_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventConfig controls the pool event log.
type EventConfig struct {
	Enabled       bool   `yaml:"enabled" split_words:"true"`
	DBPath        string `yaml:"db_path" split_words:"true"`
	RetentionDays int    `yaml:"retention_days" split_words:"true"`
}

// EventStat is the number of events of one kind on one day.
type EventStat struct {
	Kind  EventKind `json:"kind"`
	Day   string    `json:"day"`
	Count int       `json:"count"`
}

// EventQueryOpts specifies filters for querying pool events.
type EventQueryOpts struct {
	Kind         EventKind
	CredentialID string
	Since        time.Time
	Limit        int
}
