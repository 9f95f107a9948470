package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
	"github.com/kennteohstorehub/sh-hackaton-sub004/services"
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
		SessionIdleTTL:         24 * time.Hour,
		DispatchBuffer:         16,
		SSEPingPeriod:          30 * time.Second,
		IdleSessionDuration:    30 * time.Minute,
		IdleWarningWindow:      2 * time.Minute,
	}
}

func setupHandlers() (*QueueHandler, *MerchantHandler) {
	cfg := testConfig()
	dir := &stubDirectory{queues: map[string]*models.QueueInfo{
		"main": {ID: "main", Name: "Main Dining", Capacity: 50, Open: true},
	}}
	store := services.NewEntryStore(cfg, dir)
	registry := services.NewSessionRegistry(store, nil, cfg)
	dispatcher := services.NewDispatcher(registry, nil, cfg)
	store.AddListener(dispatcher.HandleMutation)

	queue := NewQueueHandler(nil, store, registry, dispatcher, cfg)
	merchant := NewMerchantHandler(nil, store, registry, nil, cfg)
	return queue, merchant
}

func newRequestEvent(method, target string, body []byte) (*core.RequestEvent, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()

	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	return e, rec
}

func TestQueueHandler_Join(t *testing.T) {
	handler, _ := setupHandlers()

	body, _ := json.Marshal(map[string]any{
		"queue_id":     "main",
		"display_name": "Alice",
		"contact":      "555-0001",
		"party_size":   2,
	})
	e, rec := newRequestEvent(http.MethodPost, "/api/v1/queue/join", body)

	require.NoError(t, handler.Join(e))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["entry_id"])
	assert.NotEmpty(t, resp["session_id"])
	assert.Len(t, resp["verification_code"], 4)
	assert.EqualValues(t, 1, resp["position"])
}

func TestQueueHandler_Join_InvalidJSON(t *testing.T) {
	handler, _ := setupHandlers()
	e, _ := newRequestEvent(http.MethodPost, "/api/v1/queue/join", []byte("invalid json"))
	assert.Error(t, handler.Join(e))
}

func TestQueueHandler_Join_MissingFields(t *testing.T) {
	handler, _ := setupHandlers()

	body, _ := json.Marshal(map[string]any{"party_size": 2})
	e, _ := newRequestEvent(http.MethodPost, "/api/v1/queue/join", body)
	assert.Error(t, handler.Join(e))
}

func TestQueueHandler_Join_PartySizeOutOfRange(t *testing.T) {
	handler, _ := setupHandlers()

	body, _ := json.Marshal(map[string]any{
		"queue_id":     "main",
		"display_name": "Alice",
		"party_size":   99,
	})
	e, _ := newRequestEvent(http.MethodPost, "/api/v1/queue/join", body)
	assert.Error(t, handler.Join(e))
}

func TestQueueHandler_Join_UnknownQueue(t *testing.T) {
	handler, _ := setupHandlers()

	body, _ := json.Marshal(map[string]any{
		"queue_id":     "nope",
		"display_name": "Alice",
		"party_size":   2,
	})
	e, _ := newRequestEvent(http.MethodPost, "/api/v1/queue/join", body)
	assert.Error(t, handler.Join(e))
}

func TestQueueHandler_Status(t *testing.T) {
	handler, _ := setupHandlers()

	body, _ := json.Marshal(map[string]any{
		"queue_id":     "main",
		"display_name": "Alice",
		"party_size":   2,
	})
	e, rec := newRequestEvent(http.MethodPost, "/api/v1/queue/join", body)
	require.NoError(t, handler.Join(e))

	var joined map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joined))
	sessionID := joined["session_id"].(string)

	e, rec = newRequestEvent(http.MethodGet, "/api/v1/session/status?session_id="+sessionID, nil)
	require.NoError(t, handler.Status(e))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Position)
	assert.Equal(t, models.StateWaiting, snap.State)
}

func TestQueueHandler_Status_MissingSessionID(t *testing.T) {
	handler, _ := setupHandlers()
	e, _ := newRequestEvent(http.MethodGet, "/api/v1/session/status", nil)
	assert.Error(t, handler.Status(e))
}

func TestQueueHandler_Status_UnknownSession(t *testing.T) {
	handler, _ := setupHandlers()
	e, _ := newRequestEvent(http.MethodGet, "/api/v1/session/status?session_id=forged", nil)
	assert.Error(t, handler.Status(e))
}

func TestQueueHandler_Cancel_RequiresConfirmation(t *testing.T) {
	handler, _ := setupHandlers()

	body, _ := json.Marshal(map[string]any{
		"queue_id":     "main",
		"display_name": "Alice",
		"party_size":   2,
	})
	e, rec := newRequestEvent(http.MethodPost, "/api/v1/queue/join", body)
	require.NoError(t, handler.Join(e))

	var joined map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &joined))
	sessionID := joined["session_id"].(string)

	body, _ = json.Marshal(map[string]any{"session_id": sessionID})
	e, _ = newRequestEvent(http.MethodPost, "/api/v1/session/cancel", body)
	assert.Error(t, handler.Cancel(e), "missing confirmation flag must refuse")

	body, _ = json.Marshal(map[string]any{"session_id": sessionID, "confirmation": true})
	e, rec = newRequestEvent(http.MethodPost, "/api/v1/session/cancel", body)
	require.NoError(t, handler.Cancel(e))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 300, resp["grace_period_seconds"])
}

func TestQueueHandler_Heartbeat_MissingSessionID(t *testing.T) {
	handler, _ := setupHandlers()
	e, _ := newRequestEvent(http.MethodPost, "/api/v1/session/heartbeat", []byte(`{}`))
	assert.Error(t, handler.Heartbeat(e))
}

func TestMerchantHandler_Call_Unauthorized(t *testing.T) {
	_, handler := setupHandlers()
	e, _ := newRequestEvent(http.MethodPost, "/api/v1/merchant/entries/e1/call", nil)
	assert.Error(t, handler.Call(e))
}

func TestMerchantHandler_Call_EntryNotFound(t *testing.T) {
	_, handler := setupHandlers()
	e, _ := newRequestEvent(http.MethodPost, "/api/v1/merchant/entries/missing/call", nil)
	e.Auth = &core.Record{}
	e.Request.SetPathValue("entryId", "missing")
	assert.Error(t, handler.Call(e))
}

func TestMerchantHandler_QueueEntries_MissingQueueID(t *testing.T) {
	_, handler := setupHandlers()
	e, _ := newRequestEvent(http.MethodGet, "/api/v1/merchant/queues//entries", nil)
	e.Auth = &core.Record{}
	assert.Error(t, handler.QueueEntries(e))
}

func TestMerchantHandler_Session_ReportsRemaining(t *testing.T) {
	_, handler := setupHandlers()
	e, rec := newRequestEvent(http.MethodGet, "/api/v1/merchant/session", nil)
	e.Auth = &core.Record{}

	require.NoError(t, handler.Session(e))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp["remaining_seconds"], float64(0))
}

func TestMerchantHandler_ExtendSession(t *testing.T) {
	_, handler := setupHandlers()
	e, rec := newRequestEvent(http.MethodPost, "/api/v1/merchant/session/extend", nil)
	e.Auth = &core.Record{}

	require.NoError(t, handler.ExtendSession(e))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMerchantHandler_Session_Unauthorized(t *testing.T) {
	_, handler := setupHandlers()
	e, _ := newRequestEvent(http.MethodGet, "/api/v1/merchant/session", nil)
	assert.Error(t, handler.Session(e))
}

func TestMerchantHandler_IdleExpiryOutlastsFirstRefusal(t *testing.T) {
	_, handler := setupHandlers()

	e, rec := newRequestEvent(http.MethodGet, "/api/v1/merchant/session", nil)
	e.Auth = &core.Record{}
	require.NoError(t, handler.Session(e))
	require.Equal(t, http.StatusOK, rec.Code)

	handler.idleGuard(e.Auth.Id).Expire()

	// Every request after expiry must fail, not just the first one.
	for i := 0; i < 3; i++ {
		e, _ := newRequestEvent(http.MethodGet, "/api/v1/merchant/dashboard", nil)
		e.Auth = &core.Record{}
		assert.Error(t, handler.Dashboard(e), "request %d after expiry", i+1)
	}

	e, _ = newRequestEvent(http.MethodPost, "/api/v1/merchant/session/extend", nil)
	e.Auth = &core.Record{}
	assert.Error(t, handler.ExtendSession(e), "an expired session cannot be extended")
}

func TestMerchantHandler_ResetGuardReopensAfterSignIn(t *testing.T) {
	_, handler := setupHandlers()

	e, _ := newRequestEvent(http.MethodPost, "/api/v1/merchant/session/logout", nil)
	e.Auth = &core.Record{}
	require.NoError(t, handler.Logout(e))

	e, _ = newRequestEvent(http.MethodGet, "/api/v1/merchant/session", nil)
	e.Auth = &core.Record{}
	assert.Error(t, handler.Session(e), "signed-out session stays refused")

	// A fresh sign-in resets the guard and opens a new window.
	handler.ResetGuard(e.Auth.Id)

	e, rec := newRequestEvent(http.MethodGet, "/api/v1/merchant/session", nil)
	e.Auth = &core.Record{}
	require.NoError(t, handler.Session(e))
	require.Equal(t, http.StatusOK, rec.Code)
}
