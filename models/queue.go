package models

import (
	"time"
)

// EntryState is the lifecycle state of a queue entry.
type EntryState string

const (
	StateWaiting   EntryState = "waiting"
	StateCalled    EntryState = "called"
	StateSeated    EntryState = "seated"
	StateCancelled EntryState = "cancelled"
)

// Terminal reports whether the state allows no further transitions.
func (s EntryState) Terminal() bool {
	return s == StateSeated || s == StateCancelled
}

// QueueEntry is one customer's place in a merchant's waiting line.
// Owned by the entry store; mutated only through its transitions.
type QueueEntry struct {
	ID               string     `json:"id"`
	QueueID          string     `json:"queue_id"`
	DisplayName      string     `json:"display_name"`
	Contact          string     `json:"contact"`
	PartySize        int        `json:"party_size"`
	State            EntryState `json:"state"`
	Position         int        `json:"position"`
	VerificationCode string     `json:"verification_code"`
	JoinedAt         time.Time  `json:"joined_at"`
	CalledAt         time.Time  `json:"called_at,omitzero"`
	SeatedAt         time.Time  `json:"seated_at,omitzero"`
	CancelledAt      time.Time  `json:"cancelled_at,omitzero"`
	// CancelDeadline is set only while a cancelled entry is inside its
	// grace window.
	CancelDeadline time.Time `json:"cancel_deadline,omitzero"`
}

// Active reports whether the entry still occupies a position in its line.
func (e *QueueEntry) Active() bool {
	return e.State == StateWaiting || e.State == StateCalled
}

// Snapshot is the customer-facing view of an entry, returned by status
// checks and carried by recovery responses.
type Snapshot struct {
	EntryID              string     `json:"entry_id"`
	QueueID              string     `json:"queue_id"`
	DisplayName          string     `json:"display_name"`
	PartySize            int        `json:"party_size"`
	State                EntryState `json:"state"`
	Position             int        `json:"position"`
	VerificationCode     string     `json:"verification_code"`
	EstimatedWaitSeconds int        `json:"estimated_wait_seconds"`
}

// QueueInfo is the configuration of one merchant waiting line, supplied
// by the merchant CRUD collection.
type QueueInfo struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Capacity              int    `json:"capacity"`
	Open                  bool   `json:"open"`
	AllowDuplicateContact bool   `json:"allow_duplicate_contact"`
}

// QueueStats is the merchant dashboard view of one line.
type QueueStats struct {
	QueueID      string    `json:"queue_id"`
	WaitingCount int       `json:"waiting_count"`
	CalledCount  int       `json:"called_count"`
	OldestJoined time.Time `json:"oldest_joined,omitzero"`
	LastUpdated  time.Time `json:"last_updated"`
}
