package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/internal/status"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
	"github.com/kennteohstorehub/sh-hackaton-sub004/monitoring"
	"github.com/kennteohstorehub/sh-hackaton-sub004/services"
)

// QueueHandler serves the customer-facing endpoints. Customers are not
// authenticated; the opaque session identifier is their credential.
type QueueHandler struct {
	app        *pocketbase.PocketBase
	store      *services.EntryStore
	registry   *services.SessionRegistry
	dispatcher *services.Dispatcher
	cfg        *config.Config
}

func NewQueueHandler(app *pocketbase.PocketBase, store *services.EntryStore, registry *services.SessionRegistry, dispatcher *services.Dispatcher, cfg *config.Config) *QueueHandler {
	return &QueueHandler{
		app:        app,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// Join - enter a merchant's waiting line
func (h *QueueHandler) Join(e *core.RequestEvent) error {
	var req struct {
		QueueID     string `json:"queue_id"`
		DisplayName string `json:"display_name"`
		Contact     string `json:"contact"`
		PartySize   int    `json:"party_size"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.QueueID == "" || req.DisplayName == "" {
		return apis.NewBadRequestError("queue_id and display_name are required", nil)
	}
	if req.PartySize < 1 || req.PartySize > h.cfg.MaxPartySize {
		return apis.NewBadRequestError(fmt.Sprintf("party_size must be between 1 and %d", h.cfg.MaxPartySize), nil)
	}

	ctx := e.Request.Context()
	entry, err := h.store.Join(ctx, req.QueueID, req.DisplayName, req.Contact, req.PartySize)
	if err != nil {
		return joinError(err)
	}

	binding, err := h.registry.Bind(ctx, entry)
	if err != nil {
		return apis.NewBadRequestError("Failed to issue session", err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"entry_id":          entry.ID,
		"verification_code": entry.VerificationCode,
		"position":          entry.Position,
		"session_id":        binding.SessionID,
	})
}

// Status - current snapshot for a session, or "not in any queue"
func (h *QueueHandler) Status(e *core.RequestEvent) error {
	sessionID := e.Request.URL.Query().Get("session_id")
	if sessionID == "" {
		return apis.NewBadRequestError("session_id required", nil)
	}

	snap, err := h.registry.Recover(e.Request.Context(), sessionID)
	if err != nil {
		monitoring.TrackRecovery("miss")
		return apis.NewNotFoundError("Not in any queue", nil)
	}

	monitoring.TrackRecovery("hit")
	return e.JSON(http.StatusOK, snap)
}

// Cancel - leave the line; requires the explicit confirmation flag
func (h *QueueHandler) Cancel(e *core.RequestEvent) error {
	var req struct {
		SessionID    string `json:"session_id"`
		Confirmation bool   `json:"confirmation"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	err := h.registry.Cancel(e.Request.Context(), req.SessionID, req.Confirmation)
	switch {
	case err == nil:
		return e.JSON(http.StatusOK, map[string]any{
			"message":              "Left the queue",
			"grace_period_seconds": int(h.cfg.GracePeriod / time.Second),
		})
	case errors.Is(err, status.ErrConfirmRequired):
		return apis.NewBadRequestError("Cancellation requires confirmation", err)
	case errors.Is(err, status.ErrSessionNotFound):
		return apis.NewNotFoundError("Not in any queue", nil)
	default:
		return apis.NewBadRequestError("Failed to leave queue", err)
	}
}

// Restore - grace-period rejoin with a previously cancelled session
func (h *QueueHandler) Restore(e *core.RequestEvent) error {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	snap, err := h.registry.Restore(e.Request.Context(), req.SessionID)
	if err != nil {
		monitoring.TrackRestore("miss")
		if errors.Is(err, status.ErrDuplicateEntry) {
			return apis.NewApiError(http.StatusConflict, "Contact already has an active entry", nil)
		}
		return apis.NewNotFoundError("Not in any queue", nil)
	}

	monitoring.TrackRestore("hit")
	return e.JSON(http.StatusOK, snap)
}

// Heartbeat - keeps the session binding fresh between reconnects
func (h *QueueHandler) Heartbeat(e *core.RequestEvent) error {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.SessionID == "" {
		return apis.NewBadRequestError("session_id required", nil)
	}

	h.registry.Touch(e.Request.Context(), req.SessionID)
	return e.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Live - the SSE live channel. One connection per tab; events for the
// session's entry stream in state-change order.
func (h *QueueHandler) Live(e *core.RequestEvent) error {
	sessionID := e.Request.URL.Query().Get("session_id")
	if sessionID == "" {
		return apis.NewBadRequestError("session_id required", nil)
	}
	tabID := e.Request.URL.Query().Get("tab_id")
	if tabID == "" {
		tabID = uuid.NewString()
	}

	ctx := e.Request.Context()
	snap, err := h.registry.Recover(ctx, sessionID)
	if err != nil {
		monitoring.TrackRecovery("miss")
		return apis.NewNotFoundError("Not in any queue", nil)
	}
	monitoring.TrackRecovery("hit")

	conn := h.dispatcher.Register(sessionID, tabID)
	defer h.dispatcher.Unregister(conn)

	w := e.Response
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Initial reconciliation snapshot.
	if err := writeSSE(w, string(models.EventRecoverySuccess), snap); err != nil {
		return nil
	}

	ping := time.NewTicker(h.cfg.SSEPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return nil
			}
			if err := writeSSE(w, string(ev.Type), ev); err != nil {
				return nil
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			flush(w)
		case <-ctx.Done():
			return nil
		}
	}
}

func joinError(err error) error {
	switch {
	case errors.Is(err, status.ErrQueueNotFound):
		return apis.NewNotFoundError("Queue not found", nil)
	case errors.Is(err, status.ErrQueueClosed):
		return apis.NewApiError(http.StatusConflict, "Queue is closed", nil)
	case errors.Is(err, status.ErrQueueFull):
		return apis.NewApiError(http.StatusConflict, "Queue is full", nil)
	case errors.Is(err, status.ErrDuplicateEntry):
		return apis.NewApiError(http.StatusConflict, "Contact already has an active entry", nil)
	default:
		return apis.NewBadRequestError("Failed to join queue", err)
	}
}
