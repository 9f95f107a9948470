package client

import (
	"sync"

	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
)

// TabBroadcast is the same-origin local broadcast between sibling tabs:
// an event received by one tab is mirrored to the others without each
// needing its own server round-trip. It is decoupled from the network
// transport on purpose.
type TabBroadcast struct {
	mu   sync.RWMutex
	subs map[int]chan models.NotificationEvent
	next int
}

func NewTabBroadcast() *TabBroadcast {
	return &TabBroadcast{subs: make(map[int]chan models.NotificationEvent)}
}

// Subscribe returns the subscriber's id, a channel of mirrored events
// and a cancel func. The id lets a publishing tab exclude itself.
func (b *TabBroadcast) Subscribe() (int, <-chan models.NotificationEvent, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan models.NotificationEvent, 8)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return id, ch, cancel
}

// Publish mirrors an event to every subscribed tab except from, the
// publisher's own subscription. Non-blocking: a tab that stopped
// draining loses the mirror and reconciles from its own snapshot
// instead.
func (b *TabBroadcast) Publish(from int, ev models.NotificationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		if id == from {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
