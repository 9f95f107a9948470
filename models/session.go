package models

import (
	"time"
)

// BindingPolicy controls how long a session binding stays usable.
type BindingPolicy string

const (
	// PolicyActive bindings live as long as their entry is non-terminal.
	PolicyActive BindingPolicy = "active"
	// PolicyGrace bindings outlive a cancelled entry until Deadline.
	PolicyGrace BindingPolicy = "grace"
)

// SessionBinding maps an opaque session identifier to a queue entry.
// Exactly one active binding resolves to a given non-terminal entry.
// It carries enough of the entry to rebuild it: grace rejoin and
// restart recovery both reinsert from the binding alone.
type SessionBinding struct {
	SessionID string        `json:"session_id"`
	EntryID   string        `json:"entry_id"`
	QueueID   string        `json:"queue_id"`
	Policy    BindingPolicy `json:"policy"`
	CreatedAt time.Time     `json:"created_at"`
	LastSeen  time.Time     `json:"last_seen"`
	// Deadline is set for grace bindings only.
	Deadline time.Time `json:"deadline,omitzero"`

	DisplayName      string    `json:"display_name"`
	Contact          string    `json:"contact"`
	PartySize        int       `json:"party_size"`
	JoinedAt         time.Time `json:"joined_at"`
	VerificationCode string    `json:"verification_code"`
}

// Expired reports whether a grace binding is past its deadline.
// Active bindings never expire on their own.
func (b *SessionBinding) Expired(now time.Time) bool {
	return b.Policy == PolicyGrace && now.After(b.Deadline)
}

// EventType identifies a push notification kind on the live channel.
type EventType string

const (
	EventEntryCalled     EventType = "entry-called"
	EventPositionChanged EventType = "position-changed"
	EventEntryRemoved    EventType = "entry-removed"
	EventRecoverySuccess EventType = "recovery-success"
)

// NotificationEvent is an immutable description of one entry change.
// Fire-and-forget: it is never persisted, clients reconcile missed
// events from a fresh snapshot on reconnect.
type NotificationEvent struct {
	Type             EventType  `json:"type"`
	EntryID          string     `json:"entry_id"`
	QueueID          string     `json:"queue_id"`
	State            EntryState `json:"state"`
	Position         int        `json:"position"`
	VerificationCode string     `json:"verification_code"`
	At               time.Time  `json:"at"`
}
