package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/internal/status"
	"github.com/kennteohstorehub/sh-hackaton-sub004/services"
)

// MerchantHandler serves the authenticated staff endpoints. The
// dashboard module supplies merchant identity through PocketBase auth;
// on top of that, every staff session carries an inactivity guard.
type MerchantHandler struct {
	app      *pocketbase.PocketBase
	store    *services.EntryStore
	registry *services.SessionRegistry
	redis    *redis.Client
	cfg      *config.Config

	guardMu sync.Mutex
	guards  map[string]*services.IdleGuard // auth record id -> guard
}

func NewMerchantHandler(app *pocketbase.PocketBase, store *services.EntryStore, registry *services.SessionRegistry, redisClient *redis.Client, cfg *config.Config) *MerchantHandler {
	return &MerchantHandler{
		app:      app,
		store:    store,
		registry: registry,
		redis:    redisClient,
		cfg:      cfg,
		guards:   make(map[string]*services.IdleGuard),
	}
}

// requireAuth guards a staff endpoint: PocketBase auth plus the idle
// timeout. Every allowed request counts as activity. An expired guard
// stays in the map so every further request keeps failing until the
// merchant re-authenticates, which resets the guard.
func (h *MerchantHandler) requireAuth(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Merchant access required", nil)
	}

	guard := h.idleGuard(e.Auth.Id)
	if guard.Expired() {
		return apis.NewUnauthorizedError("Session expired due to inactivity", nil)
	}
	guard.Touch()
	return nil
}

func (h *MerchantHandler) idleGuard(merchantID string) *services.IdleGuard {
	h.guardMu.Lock()
	defer h.guardMu.Unlock()
	guard, ok := h.guards[merchantID]
	if !ok {
		guard = services.NewIdleGuard(h.cfg.IdleSessionDuration, h.cfg.IdleWarningWindow,
			func(remaining time.Duration) {
				slog.Info("merchant session idle warning", "merchantID", merchantID, "remaining", remaining)
			},
			func() {
				slog.Info("merchant session expired for inactivity", "merchantID", merchantID)
			})
		h.guards[merchantID] = guard
		go guard.Run(context.Background())
	}
	return guard
}

// ResetGuard discards a merchant's idle guard. Called from the record
// auth hook: only a fresh sign-in opens a new inactivity window.
func (h *MerchantHandler) ResetGuard(merchantID string) {
	h.guardMu.Lock()
	delete(h.guards, merchantID)
	h.guardMu.Unlock()
}

// Call - call a waiting entry to the counter
func (h *MerchantHandler) Call(e *core.RequestEvent) error {
	if err := h.requireAuth(e); err != nil {
		return err
	}
	entryID := e.Request.PathValue("entryId")

	err := h.store.Call(e.Request.Context(), entryID)
	switch {
	case err == nil:
		return e.JSON(http.StatusOK, map[string]string{"message": "Entry called"})
	case errors.Is(err, status.ErrEntryNotFound):
		return apis.NewNotFoundError("Entry not found", nil)
	case errors.Is(err, status.ErrAnotherEntryCalled):
		return apis.NewApiError(http.StatusConflict, "Another entry is already called", nil)
	case errors.Is(err, status.ErrInvalidTransition):
		return apis.NewApiError(http.StatusConflict, "Entry is not waiting", nil)
	default:
		return apis.NewBadRequestError("Failed to call entry", err)
	}
}

// Seat - confirm a called party is seated
func (h *MerchantHandler) Seat(e *core.RequestEvent) error {
	if err := h.requireAuth(e); err != nil {
		return err
	}
	entryID := e.Request.PathValue("entryId")

	ctx := e.Request.Context()
	err := h.store.Seat(ctx, entryID)
	switch {
	case err == nil:
		h.registry.EntrySeated(ctx, entryID)
		return e.JSON(http.StatusOK, map[string]string{"message": "Entry seated"})
	case errors.Is(err, status.ErrEntryNotFound):
		return apis.NewNotFoundError("Entry not found", nil)
	case errors.Is(err, status.ErrInvalidTransition):
		return apis.NewApiError(http.StatusConflict, "Entry is not called", nil)
	default:
		return apis.NewBadRequestError("Failed to seat entry", err)
	}
}

// Remove - drop an entry from the line; the customer keeps a grace
// window to rejoin at their old position
func (h *MerchantHandler) Remove(e *core.RequestEvent) error {
	if err := h.requireAuth(e); err != nil {
		return err
	}
	entryID := e.Request.PathValue("entryId")

	err := h.registry.CancelByEntry(e.Request.Context(), entryID)
	switch {
	case err == nil:
		return e.JSON(http.StatusOK, map[string]string{"message": "Entry removed"})
	case errors.Is(err, status.ErrEntryNotFound):
		return apis.NewNotFoundError("Entry not found", nil)
	case errors.Is(err, status.ErrInvalidTransition):
		return apis.NewApiError(http.StatusConflict, "Entry is no longer active", nil)
	default:
		return apis.NewBadRequestError("Failed to remove entry", err)
	}
}

// QueueEntries - the active entries of one line, in position order
func (h *MerchantHandler) QueueEntries(e *core.RequestEvent) error {
	if err := h.requireAuth(e); err != nil {
		return err
	}
	queueID := e.Request.PathValue("queueId")
	if queueID == "" {
		return apis.NewBadRequestError("Queue ID required", nil)
	}

	return e.JSON(http.StatusOK, h.store.QueueEntries(queueID))
}

// Dashboard - summary stats across the merchant's lines
func (h *MerchantHandler) Dashboard(e *core.RequestEvent) error {
	if err := h.requireAuth(e); err != nil {
		return err
	}

	dashboard := []map[string]any{}
	for _, queueID := range h.store.QueueIDs() {
		stats := h.store.Stats(queueID)

		queueName := queueID
		if record, err := h.app.FindRecordById("queues", queueID); err == nil {
			queueName = record.GetString("name")
		}

		dashboard = append(dashboard, map[string]any{
			"queue_id":      queueID,
			"queue_name":    queueName,
			"waiting_count": stats.WaitingCount,
			"called_count":  stats.CalledCount,
			"oldest_joined": stats.OldestJoined,
		})
	}
	return e.JSON(http.StatusOK, dashboard)
}

// Session - remaining time before the idle timeout signs the staff out
func (h *MerchantHandler) Session(e *core.RequestEvent) error {
	if err := h.requireAuth(e); err != nil {
		return err
	}
	guard := h.idleGuard(e.Auth.Id)
	return e.JSON(http.StatusOK, map[string]any{
		"remaining_seconds": int(guard.Remaining() / time.Second),
	})
}

// ExtendSession - the explicit "keep me signed in" action from the
// idle warning dialog
func (h *MerchantHandler) ExtendSession(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Merchant access required", nil)
	}
	guard := h.idleGuard(e.Auth.Id)
	if !guard.Extend() {
		return apis.NewUnauthorizedError("Session expired due to inactivity", nil)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"remaining_seconds": int(guard.Remaining() / time.Second),
	})
}

// Logout - explicit sign-out; expires the idle guard immediately. The
// expired guard stays until the merchant signs in again.
func (h *MerchantHandler) Logout(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Merchant access required", nil)
	}
	h.idleGuard(e.Auth.Id).Expire()
	return e.JSON(http.StatusOK, map[string]string{"message": "Signed out"})
}
