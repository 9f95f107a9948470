package services

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/internal/status"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
	"github.com/kennteohstorehub/sh-hackaton-sub004/utils"
)

// QueueDirectory supplies the configuration of a waiting line. The
// merchant CRUD module owns that data; the store only consults it.
type QueueDirectory interface {
	QueueInfo(ctx context.Context, queueID string) (*models.QueueInfo, error)
}

// MutationListener receives one event per entry state change. Listeners
// must not block: they run inside the per-queue critical section so the
// order of events matches the order of state changes.
type MutationListener func(event models.NotificationEvent)

// EntryStore is the authoritative state machine and position ledger for
// every waiting-line entry. Operations on one queue are serialized by
// that queue's lock; different queues proceed in parallel.
type EntryStore struct {
	cfg *config.Config
	dir QueueDirectory

	// genCode is swappable in tests.
	genCode func(length int) (string, error)
	now     func() time.Time

	mu        sync.RWMutex
	lines     map[string]*queueLine
	entryHome map[string]string // entry id -> queue id

	listenerMu sync.RWMutex
	listeners  []MutationListener
}

// queueLine holds one merchant waiting line. Its mutex serializes every
// transition and position recompute for the line.
type queueLine struct {
	mu         sync.Mutex
	entries    map[string]*models.QueueEntry
	callTimers map[string]*time.Timer
}

func NewEntryStore(cfg *config.Config, dir QueueDirectory) *EntryStore {
	return &EntryStore{
		cfg:       cfg,
		dir:       dir,
		genCode:   utils.GenerateVerificationCode,
		now:       time.Now,
		lines:     make(map[string]*queueLine),
		entryHome: make(map[string]string),
	}
}

// AddListener registers a mutation listener. Register before serving;
// the dispatcher is wired here at startup.
func (s *EntryStore) AddListener(l MutationListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *EntryStore) emit(ev models.NotificationEvent) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.listeners {
		l(ev)
	}
}

// Join validates the line and appends a new waiting entry at the tail.
func (s *EntryStore) Join(ctx context.Context, queueID, displayName, contact string, partySize int) (*models.QueueEntry, error) {
	info, err := s.dir.QueueInfo(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, status.ErrQueueNotFound
	}
	if !info.Open {
		return nil, status.ErrQueueClosed
	}

	line := s.line(queueID)
	line.mu.Lock()
	defer line.mu.Unlock()

	active := line.activeOrdered()
	if info.Capacity > 0 && len(active) >= info.Capacity {
		return nil, status.ErrQueueFull
	}
	if !info.AllowDuplicateContact && contact != "" {
		for _, e := range active {
			if strings.EqualFold(e.Contact, contact) {
				return nil, status.ErrDuplicateEntry
			}
		}
	}

	code, err := line.uniqueCode(s.genCode, s.cfg.VerificationCodeLength)
	if err != nil {
		return nil, err
	}

	entry := &models.QueueEntry{
		ID:               uuid.NewString(),
		QueueID:          queueID,
		DisplayName:      displayName,
		Contact:          contact,
		PartySize:        partySize,
		State:            models.StateWaiting,
		VerificationCode: code,
		JoinedAt:         s.now(),
	}
	line.entries[entry.ID] = entry

	s.mu.Lock()
	s.entryHome[entry.ID] = queueID
	s.mu.Unlock()

	s.recomputePositions(line)
	return copyEntry(entry), nil
}

// reinsert places a replacement entry for a grace rejoin. The preserved
// joinedAt timestamp slots it back into its original relative order, so
// the recompute restores the original position absent newer joins. The
// preserved verification code is kept only while it is still free: a
// fresh join may have claimed it during the grace window, in which case
// the replacement gets a new unique code.
func (s *EntryStore) reinsert(ctx context.Context, queueID, displayName, contact string, partySize int, joinedAt time.Time, code string) (*models.QueueEntry, error) {
	info, err := s.dir.QueueInfo(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, status.ErrQueueNotFound
	}

	line := s.line(queueID)
	line.mu.Lock()
	defer line.mu.Unlock()

	if !info.AllowDuplicateContact && contact != "" {
		for _, e := range line.activeOrdered() {
			if strings.EqualFold(e.Contact, contact) {
				return nil, status.ErrDuplicateEntry
			}
		}
	}
	if line.codeTaken(code) {
		code, err = line.uniqueCode(s.genCode, s.cfg.VerificationCodeLength)
		if err != nil {
			return nil, err
		}
	}

	entry := &models.QueueEntry{
		ID:               uuid.NewString(),
		QueueID:          queueID,
		DisplayName:      displayName,
		Contact:          contact,
		PartySize:        partySize,
		State:            models.StateWaiting,
		VerificationCode: code,
		JoinedAt:         joinedAt,
	}
	line.entries[entry.ID] = entry

	s.mu.Lock()
	s.entryHome[entry.ID] = queueID
	s.mu.Unlock()

	s.recomputePositions(line)
	return copyEntry(entry), nil
}

// Call transitions a waiting entry to called and arms the call-timeout
// revert timer. Only one entry per queue may be called at a time.
func (s *EntryStore) Call(ctx context.Context, entryID string) error {
	line, err := s.lineOf(entryID)
	if err != nil {
		return err
	}
	line.mu.Lock()
	defer line.mu.Unlock()

	entry, ok := line.entries[entryID]
	if !ok {
		return status.ErrEntryNotFound
	}
	if entry.State != models.StateWaiting {
		return status.ErrInvalidTransition
	}
	for _, e := range line.entries {
		if e.State == models.StateCalled {
			return status.ErrAnotherEntryCalled
		}
	}

	entry.State = models.StateCalled
	entry.CalledAt = s.now()

	if s.cfg.CallTimeout > 0 {
		id := entry.ID
		line.callTimers[id] = time.AfterFunc(s.cfg.CallTimeout, func() {
			s.revertCall(id)
		})
	}

	s.emit(models.NotificationEvent{
		Type:             models.EventEntryCalled,
		EntryID:          entry.ID,
		QueueID:          entry.QueueID,
		State:            entry.State,
		Position:         entry.Position,
		VerificationCode: entry.VerificationCode,
		At:               s.now(),
	})
	return nil
}

// revertCall returns an unacknowledged called entry to waiting.
func (s *EntryStore) revertCall(entryID string) {
	line, err := s.lineOf(entryID)
	if err != nil {
		return
	}
	line.mu.Lock()
	defer line.mu.Unlock()

	entry, ok := line.entries[entryID]
	if !ok || entry.State != models.StateCalled {
		return
	}
	delete(line.callTimers, entryID)

	entry.State = models.StateWaiting
	entry.CalledAt = time.Time{}
	slog.Info("call timed out, entry reverted to waiting",
		"entryID", entryID, "queueID", entry.QueueID)

	s.emit(models.NotificationEvent{
		Type:             models.EventPositionChanged,
		EntryID:          entry.ID,
		QueueID:          entry.QueueID,
		State:            entry.State,
		Position:         entry.Position,
		VerificationCode: entry.VerificationCode,
		At:               s.now(),
	})
}

// Seat confirms a called entry. Terminal success state.
func (s *EntryStore) Seat(ctx context.Context, entryID string) error {
	line, err := s.lineOf(entryID)
	if err != nil {
		return err
	}
	line.mu.Lock()
	defer line.mu.Unlock()

	entry, ok := line.entries[entryID]
	if !ok {
		return status.ErrEntryNotFound
	}
	if entry.State != models.StateCalled {
		return status.ErrInvalidTransition
	}
	line.stopCallTimer(entryID)

	entry.State = models.StateSeated
	entry.SeatedAt = s.now()
	entry.Position = 0

	s.emit(models.NotificationEvent{
		Type:             models.EventEntryRemoved,
		EntryID:          entry.ID,
		QueueID:          entry.QueueID,
		State:            entry.State,
		VerificationCode: entry.VerificationCode,
		At:               s.now(),
	})
	s.recomputePositions(line)
	return nil
}

// Cancel removes a waiting or called entry from the line and stamps the
// grace deadline the recovery registry hands out.
func (s *EntryStore) Cancel(ctx context.Context, entryID string, graceDeadline time.Time) error {
	line, err := s.lineOf(entryID)
	if err != nil {
		return err
	}
	line.mu.Lock()
	defer line.mu.Unlock()

	entry, ok := line.entries[entryID]
	if !ok {
		return status.ErrEntryNotFound
	}
	if !entry.Active() {
		return status.ErrInvalidTransition
	}
	line.stopCallTimer(entryID)

	entry.State = models.StateCancelled
	entry.CancelledAt = s.now()
	entry.CancelDeadline = graceDeadline
	entry.Position = 0

	s.emit(models.NotificationEvent{
		Type:             models.EventEntryRemoved,
		EntryID:          entry.ID,
		QueueID:          entry.QueueID,
		State:            entry.State,
		VerificationCode: entry.VerificationCode,
		At:               s.now(),
	})
	s.recomputePositions(line)
	return nil
}

// Entry returns a copy of the entry, or ErrEntryNotFound.
func (s *EntryStore) Entry(entryID string) (*models.QueueEntry, error) {
	line, err := s.lineOf(entryID)
	if err != nil {
		return nil, err
	}
	line.mu.Lock()
	defer line.mu.Unlock()

	entry, ok := line.entries[entryID]
	if !ok {
		return nil, status.ErrEntryNotFound
	}
	return copyEntry(entry), nil
}

// Snapshot builds the customer-facing view of an entry.
func (s *EntryStore) Snapshot(entryID string) (*models.Snapshot, error) {
	entry, err := s.Entry(entryID)
	if err != nil {
		return nil, err
	}
	return s.snapshotOf(entry), nil
}

func (s *EntryStore) snapshotOf(entry *models.QueueEntry) *models.Snapshot {
	snap := &models.Snapshot{
		EntryID:          entry.ID,
		QueueID:          entry.QueueID,
		DisplayName:      entry.DisplayName,
		PartySize:        entry.PartySize,
		State:            entry.State,
		Position:         entry.Position,
		VerificationCode: entry.VerificationCode,
	}
	if entry.State == models.StateWaiting && entry.Position > 0 {
		snap.EstimatedWaitSeconds = int(time.Duration(entry.Position) * s.cfg.EstimatedWaitPerParty / time.Second)
	}
	return snap
}

// QueueEntries lists the active entries of one line in position order.
func (s *EntryStore) QueueEntries(queueID string) []*models.QueueEntry {
	line := s.line(queueID)
	line.mu.Lock()
	defer line.mu.Unlock()

	active := line.activeOrdered()
	out := make([]*models.QueueEntry, 0, len(active))
	for _, e := range active {
		out = append(out, copyEntry(e))
	}
	return out
}

// Stats summarizes a line for the merchant dashboard and metrics.
func (s *EntryStore) Stats(queueID string) models.QueueStats {
	line := s.line(queueID)
	line.mu.Lock()
	defer line.mu.Unlock()

	stats := models.QueueStats{QueueID: queueID, LastUpdated: s.now()}
	for _, e := range line.entries {
		switch e.State {
		case models.StateWaiting:
			stats.WaitingCount++
			if stats.OldestJoined.IsZero() || e.JoinedAt.Before(stats.OldestJoined) {
				stats.OldestJoined = e.JoinedAt
			}
		case models.StateCalled:
			stats.CalledCount++
		}
	}
	return stats
}

// QueueIDs lists every line the store currently tracks.
func (s *EntryStore) QueueIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.lines))
	for id := range s.lines {
		ids = append(ids, id)
	}
	return ids
}

// Sweep drops terminal entries older than the retention window. Lazy
// wall-clock expiry does the correctness work; this reclaims storage.
func (s *EntryStore) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.TerminalRetention)
	for _, queueID := range s.QueueIDs() {
		line := s.line(queueID)
		line.mu.Lock()
		for id, e := range line.entries {
			if !e.State.Terminal() {
				continue
			}
			ended := e.SeatedAt
			if e.State == models.StateCancelled {
				ended = e.CancelledAt
			}
			if ended.Before(cutoff) {
				delete(line.entries, id)
				s.mu.Lock()
				delete(s.entryHome, id)
				s.mu.Unlock()
			}
		}
		line.mu.Unlock()
	}
}

// SweepLoop runs Sweep on the configured interval until ctx is done.
func (s *EntryStore) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *EntryStore) line(queueID string) *queueLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.lines[queueID]
	if !ok {
		line = &queueLine{
			entries:    make(map[string]*models.QueueEntry),
			callTimers: make(map[string]*time.Timer),
		}
		s.lines[queueID] = line
	}
	return line
}

func (s *EntryStore) lineOf(entryID string) (*queueLine, error) {
	s.mu.RLock()
	queueID, ok := s.entryHome[entryID]
	s.mu.RUnlock()
	if !ok {
		return nil, status.ErrEntryNotFound
	}
	return s.line(queueID), nil
}

// recomputePositions reassigns contiguous 1..n positions by ascending
// (joinedAt, id) and emits position-changed for every entry that moved.
// Caller holds the line lock.
func (s *EntryStore) recomputePositions(line *queueLine) {
	active := line.activeOrdered()
	for i, e := range active {
		pos := i + 1
		if e.Position == pos {
			continue
		}
		e.Position = pos
		s.emit(models.NotificationEvent{
			Type:             models.EventPositionChanged,
			EntryID:          e.ID,
			QueueID:          e.QueueID,
			State:            e.State,
			Position:         e.Position,
			VerificationCode: e.VerificationCode,
			At:               s.now(),
		})
	}
}

// activeOrdered returns the line's active entries sorted by ascending
// (joinedAt, id). Caller holds the line lock.
func (l *queueLine) activeOrdered() []*models.QueueEntry {
	active := make([]*models.QueueEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Active() {
			active = append(active, e)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].JoinedAt.Equal(active[j].JoinedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].JoinedAt.Before(active[j].JoinedAt)
	})
	return active
}

// uniqueCode retries generation until the code collides with no active
// entry of the line. Caller holds the line lock.
func (l *queueLine) uniqueCode(gen func(int) (string, error), length int) (string, error) {
	for {
		code, err := gen(length)
		if err != nil {
			return "", err
		}
		if !l.codeTaken(code) {
			return code, nil
		}
	}
}

// codeTaken reports whether an active entry of the line already holds
// the code. Caller holds the line lock.
func (l *queueLine) codeTaken(code string) bool {
	for _, e := range l.entries {
		if e.Active() && strings.EqualFold(e.VerificationCode, code) {
			return true
		}
	}
	return false
}

func (l *queueLine) stopCallTimer(entryID string) {
	if t, ok := l.callTimers[entryID]; ok {
		t.Stop()
		delete(l.callTimers, entryID)
	}
}

func copyEntry(e *models.QueueEntry) *models.QueueEntry {
	c := *e
	return &c
}
