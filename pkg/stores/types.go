package stores

import (
	"context"
	"time"
)

// EventLevel represents the severity level of a journal entry
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is one persisted group lifecycle event
type Event struct {
	ID        int64      `json:"id" yaml:"id"`
	EventID   string     `json:"event_id" yaml:"event_id"`
	Type      string     `json:"type" yaml:"type"`
	Source    string     `json:"source" yaml:"source"`
	Group     string     `json:"group" yaml:"group"`
	Port      string     `json:"port,omitempty" yaml:"port,omitempty"`
	Level     EventLevel `json:"level" yaml:"level"`
	Message   string     `json:"message" yaml:"message"`
	Data      string     `json:"data" yaml:"data"` // JSON blob
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`
}

// EventFilter selects journal entries. Empty fields match everything.
type EventFilter struct {
	Group string
	Port  string
	Type  string
	Level EventLevel
	Limit int
	// Offset skips the newest Offset matches
	Offset int
}

// AuditEntry records an administrative request
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	Details   string    `json:"details"`
	Remote    string    `json:"remote"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal is the persistence interface used by the daemon and the admin API
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, target string, limit, offset int) ([]*AuditEntry, error)
}
