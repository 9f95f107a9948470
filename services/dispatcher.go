package services

import (
	"log/slog"
	"sync"

	pubnub "github.com/pubnub/go"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
	"github.com/kennteohstorehub/sh-hackaton-sub004/monitoring"
	"github.com/kennteohstorehub/sh-hackaton-sub004/utils"
)

// Connection is one live channel between a browser tab and the server.
// Events arrive on a buffered channel in state-change order.
type Connection struct {
	SessionID string
	TabID     string
	events    chan models.NotificationEvent
}

// Events is the receive side of the connection's live channel. It is
// closed by Unregister.
func (c *Connection) Events() <-chan models.NotificationEvent {
	return c.events
}

// Dispatcher delivers targeted events to exactly the connections bound
// to an entry's session. It is an injected instance, not a global, so
// tests run it against fakes.
type Dispatcher struct {
	registry *SessionRegistry
	cfg      *config.Config

	// pubnub, when configured, mirrors each event onto the session's
	// external push channel for clients outside the SSE origin.
	pubnub  *pubnub.PubNub
	breaker *utils.CircuitBreaker

	mu    sync.RWMutex
	conns map[string]map[string]*Connection // session id -> tab id -> conn
}

func NewDispatcher(registry *SessionRegistry, pn *pubnub.PubNub, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		pubnub:   pn,
		breaker:  utils.NewCircuitBreaker("pubnub"),
		conns:    make(map[string]map[string]*Connection),
	}
}

// Register opens a connection for one tab of a session. Registering the
// same tab again replaces the previous connection.
func (d *Dispatcher) Register(sessionID, tabID string) *Connection {
	conn := &Connection{
		SessionID: sessionID,
		TabID:     tabID,
		events:    make(chan models.NotificationEvent, d.cfg.DispatchBuffer),
	}

	d.mu.Lock()
	tabs, ok := d.conns[sessionID]
	if !ok {
		tabs = make(map[string]*Connection)
		d.conns[sessionID] = tabs
	}
	if prev, ok := tabs[tabID]; ok {
		close(prev.events)
	}
	tabs[tabID] = conn
	total := d.countLocked()
	d.mu.Unlock()

	monitoring.SetLiveConnections(total)
	return conn
}

// Unregister drops a connection and closes its event channel. A stale
// connection handle (already replaced by a re-register) is a no-op.
func (d *Dispatcher) Unregister(conn *Connection) {
	d.mu.Lock()
	tabs, ok := d.conns[conn.SessionID]
	if ok && tabs[conn.TabID] == conn {
		delete(tabs, conn.TabID)
		if len(tabs) == 0 {
			delete(d.conns, conn.SessionID)
		}
		close(conn.events)
	}
	total := d.countLocked()
	d.mu.Unlock()

	monitoring.SetLiveConnections(total)
}

// HandleMutation is the store listener: it resolves the sessions bound
// to the mutated entry and pushes the event to each of their live
// connections, exactly once per connection.
//
// The push is a non-blocking buffered send, so the mutation that
// triggered it never waits on a slow consumer. A full buffer drops the
// event; the client reconciles from a snapshot on reconnect.
func (d *Dispatcher) HandleMutation(ev models.NotificationEvent) {
	sessionIDs := d.registry.SessionsForEntry(ev.EntryID)
	if len(sessionIDs) == 0 {
		return
	}

	d.mu.RLock()
	for _, sessionID := range sessionIDs {
		for _, conn := range d.conns[sessionID] {
			select {
			case conn.events <- ev:
				monitoring.TrackDelivery(string(ev.Type))
			default:
				monitoring.TrackDrop("buffer_full")
			}
		}
	}
	d.mu.RUnlock()

	if d.pubnub != nil {
		go d.publishExternal(sessionIDs, ev)
	}
}

// ConnectionCount reports live connections for a session.
func (d *Dispatcher) ConnectionCount(sessionID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns[sessionID])
}

func (d *Dispatcher) countLocked() int {
	total := 0
	for _, tabs := range d.conns {
		total += len(tabs)
	}
	return total
}

// publishExternal mirrors the event to each session's push channel.
// Failures never reach the mutation caller.
func (d *Dispatcher) publishExternal(sessionIDs []string, ev models.NotificationEvent) {
	for _, sessionID := range sessionIDs {
		channel := "session-" + sessionID
		err := d.breaker.Do(func() error {
			_, _, err := d.pubnub.Publish().
				Channel(channel).
				Message(map[string]any{
					"type":              string(ev.Type),
					"entry_id":          ev.EntryID,
					"queue_id":          ev.QueueID,
					"state":             string(ev.State),
					"position":          ev.Position,
					"verification_code": ev.VerificationCode,
				}).
				Execute()
			return err
		})
		if err != nil {
			monitoring.TrackDrop("pubnub")
			slog.Warn("external publish failed", "channel", channel, "error", err)
		}
	}
}
