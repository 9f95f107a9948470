package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennteohstorehub/sh-hackaton-sub004/internal/status"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
)

// The full customer journey: join, get called, cancel within the grace
// window, and rejoin at the original position.
func TestLifecycle_JoinCallCancelRejoin(t *testing.T) {
	dispatcher, registry, store := setupTestDispatcher(t)
	ctx := context.Background()

	// Join with a party of two.
	entry, err := store.Join(ctx, "main", "Alice", "555-0001", 2)
	require.NoError(t, err)
	require.Equal(t, 1, entry.Position)
	require.Len(t, entry.VerificationCode, 4)

	binding, err := registry.Bind(ctx, entry)
	require.NoError(t, err)

	conn := dispatcher.Register(binding.SessionID, "tab")
	defer dispatcher.Unregister(conn)

	// Merchant calls the entry; the open tab hears about it with the
	// matching verification code.
	require.NoError(t, store.Call(ctx, entry.ID))
	ev := drainOne(t, conn)
	assert.Equal(t, models.EventEntryCalled, ev.Type)
	assert.Equal(t, entry.VerificationCode, ev.VerificationCode)

	// Customer cancels with explicit confirmation.
	require.NoError(t, registry.Cancel(ctx, binding.SessionID, true))
	ev = drainOne(t, conn)
	assert.Equal(t, models.EventEntryRemoved, ev.Type)

	// Status check now reports "not in any queue".
	_, err = registry.Recover(ctx, binding.SessionID)
	assert.ErrorIs(t, err, status.ErrSessionNotFound)

	// Rejoining before the deadline restores position 1.
	snap, err := registry.Restore(ctx, binding.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Position)
	assert.Equal(t, entry.VerificationCode, snap.VerificationCode)
}

// Reload recovery: a persisted identifier resolves to the same entry
// with unchanged position and verification code.
func TestLifecycle_ReloadRecovery(t *testing.T) {
	registry, store := setupTestRegistry()
	ctx := context.Background()

	_, err := store.Join(ctx, "main", "ahead", "c0", 2)
	require.NoError(t, err)
	entry, err := store.Join(ctx, "main", "Bob", "c1", 3)
	require.NoError(t, err)
	binding, err := registry.Bind(ctx, entry)
	require.NoError(t, err)

	// The browser reloads; only the identifier survives.
	snap, err := registry.Recover(ctx, binding.SessionID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, snap.EntryID)
	assert.Equal(t, entry.Position, snap.Position)
	assert.Equal(t, entry.VerificationCode, snap.VerificationCode)
	assert.Positive(t, snap.EstimatedWaitSeconds)
}

// A restored entry keeps its place ahead of customers who joined after
// the original did, even when they joined during the grace window.
func TestLifecycle_RestoreOutranksLaterJoins(t *testing.T) {
	registry, store := setupTestRegistry()
	ctx := context.Background()

	first, err := store.Join(ctx, "main", "first", "c1", 1)
	require.NoError(t, err)
	binding, err := registry.Bind(ctx, first)
	require.NoError(t, err)

	require.NoError(t, registry.Cancel(ctx, binding.SessionID, true))

	// A newcomer joins while first is in the grace window.
	late, err := store.Join(ctx, "main", "late", "c2", 1)
	require.NoError(t, err)
	require.Equal(t, 1, late.Position)

	snap, err := registry.Restore(ctx, binding.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Position, "restored entry keeps seniority")

	shifted, err := store.Entry(late.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, shifted.Position)
}

// Cancelling frees the contact for a fresh join even inside the grace
// window; the grace binding then points at a dead end once the
// replacement contact rejoined on its own.
func TestLifecycle_FreshJoinAfterExpiredGrace(t *testing.T) {
	registry, store := setupTestRegistry()
	ctx := context.Background()

	entry, err := store.Join(ctx, "main", "guest", "555", 2)
	require.NoError(t, err)
	binding, err := registry.Bind(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, registry.Cancel(ctx, binding.SessionID, true))

	registry.now = func() time.Time {
		return time.Now().Add(store.cfg.GracePeriod + time.Minute)
	}
	_, err = registry.Restore(ctx, binding.SessionID)
	require.ErrorIs(t, err, status.ErrSessionNotFound)

	// A brand-new join works and starts from scratch.
	registry.now = time.Now
	fresh, err := store.Join(ctx, "main", "guest", "555", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Position)
	assert.NotEqual(t, entry.ID, fresh.ID)
}
