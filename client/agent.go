package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/kennteohstorehub/sh-hackaton-sub004/internal/status"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
)

const (
	keySessionID = storageNamespace + "session_id"
	keySnapshot  = storageNamespace + "snapshot"
)

// ServerAPI is the slice of the queue service the agent talks to.
type ServerAPI interface {
	Join(ctx context.Context, queueID, displayName, contact string, partySize int) (*models.Snapshot, string, error)
	Recover(ctx context.Context, sessionID string) (*models.Snapshot, error)
	Restore(ctx context.Context, sessionID string) (*models.Snapshot, error)
	Cancel(ctx context.Context, sessionID string, confirmed bool) error
	Listen(ctx context.Context, sessionID, tabID string) (<-chan models.NotificationEvent, error)
}

// Agent is one browser tab's session agent. Each tab has its own Agent
// and tab id; sibling tabs of the same customer share Storage and a
// TabBroadcast.
type Agent struct {
	api       ServerAPI
	storage   Storage
	broadcast *TabBroadcast
	tabID     string

	mu        sync.RWMutex
	sessionID string
	snapshot  *models.Snapshot

	pendingCancel bool
}

func NewAgent(api ServerAPI, storage Storage, broadcast *TabBroadcast) *Agent {
	return &Agent{
		api:       api,
		storage:   storage,
		broadcast: broadcast,
		tabID:     uuid.NewString(),
	}
}

// Load reads the persisted identifier and attempts recovery. It returns
// the recovered snapshot, or nil when the customer must rejoin (no
// persisted session, storage unavailable, or recovery refused).
func (a *Agent) Load(ctx context.Context) (*models.Snapshot, error) {
	sessionID, ok := a.storage.Get(keySessionID)
	if !ok || sessionID == "" {
		return nil, nil
	}

	snap, err := a.api.Recover(ctx, sessionID)
	if err != nil {
		// Uniform server refusal: keep the identifier so a grace
		// restore can still be offered, but render the rejoin state.
		a.mu.Lock()
		a.sessionID = sessionID
		a.snapshot = a.persistedSnapshot()
		a.mu.Unlock()
		return nil, err
	}

	a.setSession(sessionID, snap)
	return snap, nil
}

// Join enters a waiting line and persists the issued session.
func (a *Agent) Join(ctx context.Context, queueID, displayName, contact string, partySize int) (*models.Snapshot, error) {
	snap, sessionID, err := a.api.Join(ctx, queueID, displayName, contact, partySize)
	if err != nil {
		return nil, err
	}
	a.setSession(sessionID, snap)
	return snap, nil
}

// RequestCancel is the first step of cancellation: it only arms the
// confirmation, nothing reaches the server yet.
func (a *Agent) RequestCancel() {
	a.mu.Lock()
	a.pendingCancel = true
	a.mu.Unlock()
}

// ConfirmCancel is the explicit second step. Without a prior
// RequestCancel it refuses, so a single click can never cancel.
func (a *Agent) ConfirmCancel(ctx context.Context) error {
	a.mu.Lock()
	armed := a.pendingCancel
	a.pendingCancel = false
	sessionID := a.sessionID
	a.mu.Unlock()

	if !armed {
		return status.ErrConfirmRequired
	}
	if sessionID == "" {
		return status.ErrSessionNotFound
	}
	return a.api.Cancel(ctx, sessionID, true)
}

// Restore attempts the grace-period rejoin with the persisted session.
func (a *Agent) Restore(ctx context.Context) (*models.Snapshot, error) {
	a.mu.RLock()
	sessionID := a.sessionID
	a.mu.RUnlock()
	if sessionID == "" {
		return nil, status.ErrSessionNotFound
	}

	snap, err := a.api.Restore(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	a.setSession(sessionID, snap)
	return snap, nil
}

// Run opens the live channel and consumes events until ctx is done or
// the server closes the stream. Server events update the local snapshot
// and mirror to sibling tabs; mirrored events from siblings update the
// snapshot without a server round-trip.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.RLock()
	sessionID := a.sessionID
	a.mu.RUnlock()
	if sessionID == "" {
		return status.ErrSessionNotFound
	}

	events, err := a.api.Listen(ctx, sessionID, a.tabID)
	if err != nil {
		return err
	}

	var mirrored <-chan models.NotificationEvent
	selfID := -1
	cancelMirror := func() {}
	if a.broadcast != nil {
		selfID, mirrored, cancelMirror = a.broadcast.Subscribe()
	}
	defer cancelMirror()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.apply(ev)
			if a.broadcast != nil {
				a.broadcast.Publish(selfID, ev)
			}
		case ev := <-mirrored:
			a.apply(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns the last known snapshot, from memory or storage.
func (a *Agent) Snapshot() *models.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.snapshot != nil {
		c := *a.snapshot
		return &c
	}
	return a.persistedSnapshot()
}

// SessionID exposes the current identifier, empty when not in a queue.
func (a *Agent) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// Clear forgets the session, e.g. after an expired grace window.
func (a *Agent) Clear() {
	a.mu.Lock()
	a.sessionID = ""
	a.snapshot = nil
	a.pendingCancel = false
	a.mu.Unlock()
	a.storage.Delete(keySessionID)
	a.storage.Delete(keySnapshot)
}

// apply folds one event into the snapshot and persists the result.
func (a *Agent) apply(ev models.NotificationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot != nil && a.snapshot.EntryID != ev.EntryID {
		// Stale event for a previous entry, e.g. delivered around a
		// grace restore. The snapshot is authoritative.
		return
	}
	if a.snapshot == nil {
		a.snapshot = &models.Snapshot{EntryID: ev.EntryID, QueueID: ev.QueueID}
	}
	a.snapshot.State = ev.State
	if ev.Position > 0 {
		a.snapshot.Position = ev.Position
	}
	if ev.VerificationCode != "" {
		a.snapshot.VerificationCode = ev.VerificationCode
	}
	a.persistLocked()
}

func (a *Agent) setSession(sessionID string, snap *models.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
	a.snapshot = snap
	a.persistLocked()
}

func (a *Agent) persistLocked() {
	// Storage failure degrades to a memory-only session; the next
	// reload simply starts from the rejoin affordance.
	_ = a.storage.Set(keySessionID, a.sessionID)
	if a.snapshot != nil {
		if data, err := json.Marshal(a.snapshot); err == nil {
			_ = a.storage.Set(keySnapshot, string(data))
		}
	}
}

func (a *Agent) persistedSnapshot() *models.Snapshot {
	raw, ok := a.storage.Get(keySnapshot)
	if !ok || raw == "" {
		return nil
	}
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil
	}
	return &snap
}
