package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/internal/status"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
)

type stubDirectory struct {
	queues map[string]*models.QueueInfo
}

func (d *stubDirectory) QueueInfo(_ context.Context, queueID string) (*models.QueueInfo, error) {
	return d.queues[queueID], nil
}

func testConfig() *config.Config {
	return &config.Config{
		VerificationCodeLength: 4,
		MaxPartySize:           12,
		EstimatedWaitPerParty:  5 * time.Minute,
		GracePeriod:            5 * time.Minute,
		CallTimeout:            0, // no auto-revert unless a test opts in
		SessionIdleTTL:         24 * time.Hour,
		SweepInterval:          time.Minute,
		TerminalRetention:      30 * time.Minute,
		DispatchBuffer:         16,
	}
}

func setupTestStore() (*EntryStore, *stubDirectory) {
	dir := &stubDirectory{queues: map[string]*models.QueueInfo{
		"main": {ID: "main", Name: "Main Dining", Capacity: 50, Open: true},
	}}
	return NewEntryStore(testConfig(), dir), dir
}

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.NotificationEvent
}

func (r *eventRecorder) listen(ev models.NotificationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t models.EventType) []models.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestEntryStore_Join_AssignsSequentialPositions(t *testing.T) {
	store, _ := setupTestStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		entry, err := store.Join(ctx, "main", fmt.Sprintf("guest-%d", i), fmt.Sprintf("555-000%d", i), 2)
		require.NoError(t, err)
		assert.Equal(t, i, entry.Position)
		assert.Equal(t, models.StateWaiting, entry.State)
		assert.Len(t, entry.VerificationCode, 4)
	}
}

func TestEntryStore_Join_QueueNotFound(t *testing.T) {
	store, _ := setupTestStore()

	_, err := store.Join(context.Background(), "nope", "guest", "555", 2)

	assert.ErrorIs(t, err, status.ErrQueueNotFound)
}

func TestEntryStore_Join_QueueClosed(t *testing.T) {
	store, dir := setupTestStore()
	dir.queues["main"].Open = false

	_, err := store.Join(context.Background(), "main", "guest", "555", 2)

	assert.ErrorIs(t, err, status.ErrQueueClosed)
}

func TestEntryStore_Join_QueueFull(t *testing.T) {
	store, dir := setupTestStore()
	dir.queues["main"].Capacity = 2
	ctx := context.Background()

	_, err := store.Join(ctx, "main", "a", "1", 1)
	require.NoError(t, err)
	_, err = store.Join(ctx, "main", "b", "2", 1)
	require.NoError(t, err)

	_, err = store.Join(ctx, "main", "c", "3", 1)
	assert.ErrorIs(t, err, status.ErrQueueFull)
}

func TestEntryStore_Join_DuplicateContact(t *testing.T) {
	store, _ := setupTestStore()
	ctx := context.Background()

	_, err := store.Join(ctx, "main", "first", "555-1234", 2)
	require.NoError(t, err)

	_, err = store.Join(ctx, "main", "second", "555-1234", 4)
	assert.ErrorIs(t, err, status.ErrDuplicateEntry)
}

func TestEntryStore_Join_DuplicateContactAllowedByPolicy(t *testing.T) {
	store, dir := setupTestStore()
	dir.queues["main"].AllowDuplicateContact = true
	ctx := context.Background()

	_, err := store.Join(ctx, "main", "first", "555-1234", 2)
	require.NoError(t, err)

	_, err = store.Join(ctx, "main", "second", "555-1234", 4)
	assert.NoError(t, err)
}

func TestEntryStore_PositionsStayContiguousAcrossCancels(t *testing.T) {
	store, _ := setupTestStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		entry, err := store.Join(ctx, "main", fmt.Sprintf("g%d", i), fmt.Sprintf("c%d", i), 1)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	// Drop entries from the middle and the head.
	require.NoError(t, store.Cancel(ctx, ids[2], time.Now().Add(time.Minute)))
	require.NoError(t, store.Cancel(ctx, ids[0], time.Now().Add(time.Minute)))

	entries := store.QueueEntries("main")
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Position, "positions must be contiguous 1..n")
	}
}

func TestEntryStore_VerificationCodesUniquePerQueue(t *testing.T) {
	store, dir := setupTestStore()
	dir.queues["main"].Capacity = 0
	ctx := context.Background()

	// Force a collision: the second join's first attempt repeats the
	// taken code, so the retry loop must skip it.
	codes := []string{"AAAA", "AAAA", "BBBB"}
	store.genCode = func(int) (string, error) {
		code := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return code, nil
	}

	first, err := store.Join(ctx, "main", "a", "1", 1)
	require.NoError(t, err)
	second, err := store.Join(ctx, "main", "b", "2", 1)
	require.NoError(t, err)

	assert.NotEqual(t, first.VerificationCode, second.VerificationCode)
}

func TestEntryStore_CallSeatLifecycle(t *testing.T) {
	store, _ := setupTestStore()
	rec := &eventRecorder{}
	store.AddListener(rec.listen)
	ctx := context.Background()

	entry, err := store.Join(ctx, "main", "guest", "555", 2)
	require.NoError(t, err)

	require.NoError(t, store.Call(ctx, entry.ID))
	called, err := store.Entry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCalled, called.State)
	assert.False(t, called.CalledAt.IsZero())

	calledEvents := rec.ofType(models.EventEntryCalled)
	require.Len(t, calledEvents, 1)
	assert.Equal(t, entry.ID, calledEvents[0].EntryID)
	assert.Equal(t, entry.VerificationCode, calledEvents[0].VerificationCode)

	require.NoError(t, store.Seat(ctx, entry.ID))
	seated, err := store.Entry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSeated, seated.State)
	assert.True(t, seated.State.Terminal())
}

func TestEntryStore_OnlyOneCalledAtATime(t *testing.T) {
	store, _ := setupTestStore()
	ctx := context.Background()

	first, err := store.Join(ctx, "main", "a", "1", 1)
	require.NoError(t, err)
	second, err := store.Join(ctx, "main", "b", "2", 1)
	require.NoError(t, err)

	require.NoError(t, store.Call(ctx, first.ID))

	err = store.Call(ctx, second.ID)
	assert.ErrorIs(t, err, status.ErrAnotherEntryCalled)

	// Seating the first frees the slot.
	require.NoError(t, store.Seat(ctx, first.ID))
	assert.NoError(t, store.Call(ctx, second.ID))
}

func TestEntryStore_InvalidTransitions(t *testing.T) {
	store, _ := setupTestStore()
	ctx := context.Background()

	entry, err := store.Join(ctx, "main", "guest", "555", 2)
	require.NoError(t, err)

	// Cannot seat an entry that was never called.
	assert.ErrorIs(t, store.Seat(ctx, entry.ID), status.ErrInvalidTransition)

	require.NoError(t, store.Cancel(ctx, entry.ID, time.Now().Add(time.Minute)))

	// Terminal entries accept nothing further.
	assert.ErrorIs(t, store.Call(ctx, entry.ID), status.ErrInvalidTransition)
	assert.ErrorIs(t, store.Cancel(ctx, entry.ID, time.Now().Add(time.Minute)), status.ErrInvalidTransition)
}

func TestEntryStore_CallTimeoutRevertsToWaiting(t *testing.T) {
	dir := &stubDirectory{queues: map[string]*models.QueueInfo{
		"main": {ID: "main", Capacity: 50, Open: true},
	}}
	cfg := testConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	store := NewEntryStore(cfg, dir)
	ctx := context.Background()

	entry, err := store.Join(ctx, "main", "guest", "555", 2)
	require.NoError(t, err)
	require.NoError(t, store.Call(ctx, entry.ID))

	require.Eventually(t, func() bool {
		e, err := store.Entry(entry.ID)
		return err == nil && e.State == models.StateWaiting
	}, time.Second, 10*time.Millisecond, "unacknowledged call should revert")
}

func TestEntryStore_SeatCancelsCallTimeout(t *testing.T) {
	dir := &stubDirectory{queues: map[string]*models.QueueInfo{
		"main": {ID: "main", Capacity: 50, Open: true},
	}}
	cfg := testConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	store := NewEntryStore(cfg, dir)
	ctx := context.Background()

	entry, err := store.Join(ctx, "main", "guest", "555", 2)
	require.NoError(t, err)
	require.NoError(t, store.Call(ctx, entry.ID))
	require.NoError(t, store.Seat(ctx, entry.ID))

	time.Sleep(60 * time.Millisecond)

	e, err := store.Entry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSeated, e.State, "timer must not fire after seating")
}

func TestEntryStore_CancelEmitsRemovalAndShiftsPositions(t *testing.T) {
	store, _ := setupTestStore()
	rec := &eventRecorder{}
	store.AddListener(rec.listen)
	ctx := context.Background()

	first, err := store.Join(ctx, "main", "a", "1", 1)
	require.NoError(t, err)
	second, err := store.Join(ctx, "main", "b", "2", 1)
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, first.ID, time.Now().Add(time.Minute)))

	removed := rec.ofType(models.EventEntryRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, first.ID, removed[0].EntryID)
	assert.Equal(t, models.StateCancelled, removed[0].State)

	e, err := store.Entry(second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Position)
}

func TestEntryStore_SweepReclaimsTerminalEntries(t *testing.T) {
	store, _ := setupTestStore()
	cfg := store.cfg
	cfg.TerminalRetention = 10 * time.Millisecond
	ctx := context.Background()

	entry, err := store.Join(ctx, "main", "guest", "555", 2)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, entry.ID, time.Now()))

	time.Sleep(20 * time.Millisecond)
	store.Sweep(ctx)

	_, err = store.Entry(entry.ID)
	assert.ErrorIs(t, err, status.ErrEntryNotFound)
}

func TestEntryStore_ParallelQueuesDoNotInterfere(t *testing.T) {
	dir := &stubDirectory{queues: map[string]*models.QueueInfo{}}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("q%d", i)
		dir.queues[id] = &models.QueueInfo{ID: id, Capacity: 0, Open: true, AllowDuplicateContact: true}
	}
	store := NewEntryStore(testConfig(), dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for q := 0; q < 4; q++ {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(q, i int) {
				defer wg.Done()
				_, err := store.Join(ctx, fmt.Sprintf("q%d", q), fmt.Sprintf("g%d", i), "", 1)
				assert.NoError(t, err)
			}(q, i)
		}
	}
	wg.Wait()

	for q := 0; q < 4; q++ {
		entries := store.QueueEntries(fmt.Sprintf("q%d", q))
		require.Len(t, entries, 25)
		seen := make(map[int]bool)
		for _, e := range entries {
			assert.False(t, seen[e.Position], "duplicate position %d", e.Position)
			seen[e.Position] = true
			assert.GreaterOrEqual(t, e.Position, 1)
			assert.LessOrEqual(t, e.Position, 25)
		}
	}
}
