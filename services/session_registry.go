package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kennteohstorehub/sh-hackaton-sub004/config"
	"github.com/kennteohstorehub/sh-hackaton-sub004/internal/status"
	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
)

const bindingKeyPrefix = "session:binding:"

// SessionRegistry maps opaque session identifiers to queue entries and
// implements grace-period rejoin. Bindings live in memory and are
// written through to Redis so a restarted process can pick them up.
//
// Lookups never reveal whether an identifier is forged, unknown or
// expired: all three fail with status.ErrSessionNotFound.
type SessionRegistry struct {
	store *EntryStore
	redis *redis.Client // optional; nil skips persistence
	cfg   *config.Config
	now   func() time.Time

	mu       sync.RWMutex
	bindings map[string]*models.SessionBinding
	byEntry  map[string]string // entry id -> session id
}

func NewSessionRegistry(store *EntryStore, redisClient *redis.Client, cfg *config.Config) *SessionRegistry {
	return &SessionRegistry{
		store:    store,
		redis:    redisClient,
		cfg:      cfg,
		now:      time.Now,
		bindings: make(map[string]*models.SessionBinding),
		byEntry:  make(map[string]string),
	}
}

// Bind issues a fresh session identifier for a newly joined entry.
func (r *SessionRegistry) Bind(ctx context.Context, entry *models.QueueEntry) (*models.SessionBinding, error) {
	binding := &models.SessionBinding{
		SessionID: uuid.NewString(),
		EntryID:   entry.ID,
		QueueID:   entry.QueueID,
		Policy:    models.PolicyActive,
		CreatedAt: r.now(),
		LastSeen:  r.now(),

		DisplayName:      entry.DisplayName,
		Contact:          entry.Contact,
		PartySize:        entry.PartySize,
		JoinedAt:         entry.JoinedAt,
		VerificationCode: entry.VerificationCode,
	}

	r.mu.Lock()
	r.bindings[binding.SessionID] = binding
	r.byEntry[entry.ID] = binding.SessionID
	r.mu.Unlock()

	r.persist(ctx, binding)
	return binding, nil
}

// Recover resolves an identifier to the live snapshot of a non-terminal
// entry. Grace bindings do not recover; the entry is no longer in any
// queue until Restore is called.
func (r *SessionRegistry) Recover(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	binding, err := r.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if binding.Policy != models.PolicyActive {
		return nil, status.ErrSessionNotFound
	}

	entry, err := r.store.Entry(binding.EntryID)
	if err != nil || entry.State.Terminal() {
		return nil, status.ErrSessionNotFound
	}

	r.Touch(ctx, sessionID)
	return r.store.snapshotOf(entry), nil
}

// Cancel cancels the entry bound to sessionID after an explicit
// confirmation and flips the binding to the grace policy, opening the
// rejoin window.
func (r *SessionRegistry) Cancel(ctx context.Context, sessionID string, confirmed bool) error {
	if !confirmed {
		return status.ErrConfirmRequired
	}

	binding, err := r.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	if binding.Policy != models.PolicyActive {
		return status.ErrSessionNotFound
	}

	deadline := r.now().Add(r.cfg.GracePeriod)
	if err := r.store.Cancel(ctx, binding.EntryID, deadline); err != nil {
		return err
	}
	r.openGrace(ctx, binding, deadline)
	return nil
}

// CancelByEntry is the merchant-side removal. The customer's binding,
// if any, still gets a grace window so they can rejoin.
func (r *SessionRegistry) CancelByEntry(ctx context.Context, entryID string) error {
	deadline := r.now().Add(r.cfg.GracePeriod)
	if err := r.store.Cancel(ctx, entryID, deadline); err != nil {
		return err
	}

	r.mu.RLock()
	sessionID, ok := r.byEntry[entryID]
	binding := r.bindings[sessionID]
	r.mu.RUnlock()
	if ok && binding != nil {
		r.openGrace(ctx, binding, deadline)
	}
	return nil
}

// EntrySeated releases the binding of a seated entry. The identifier
// stops resolving immediately; there is nothing left to recover.
func (r *SessionRegistry) EntrySeated(ctx context.Context, entryID string) {
	r.mu.Lock()
	sessionID, ok := r.byEntry[entryID]
	if ok {
		delete(r.byEntry, entryID)
		delete(r.bindings, sessionID)
	}
	r.mu.Unlock()
	if ok {
		r.unpersist(ctx, sessionID)
	}
}

// Restore performs the grace-period rejoin: a cancelled entry's binding,
// used before its deadline, yields a replacement entry that keeps the
// original joinedAt, hence the original position. The verification code
// survives too unless a fresh join claimed it during the window.
func (r *SessionRegistry) Restore(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	binding, err := r.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if binding.Policy != models.PolicyGrace {
		return nil, status.ErrSessionNotFound
	}

	entry, err := r.store.reinsert(ctx, binding.QueueID, binding.DisplayName,
		binding.Contact, binding.PartySize, binding.JoinedAt, binding.VerificationCode)
	if err != nil {
		return nil, fmt.Errorf("restore entry: %w", err)
	}

	r.mu.Lock()
	delete(r.byEntry, binding.EntryID)
	binding.EntryID = entry.ID
	binding.VerificationCode = entry.VerificationCode
	binding.Policy = models.PolicyActive
	binding.Deadline = time.Time{}
	binding.LastSeen = r.now()
	r.byEntry[entry.ID] = binding.SessionID
	r.mu.Unlock()

	r.persist(ctx, binding)
	slog.Info("grace rejoin restored entry",
		"sessionID", sessionID, "entryID", entry.ID, "position", entry.Position)
	return r.store.snapshotOf(entry), nil
}

// Touch updates the binding's last-seen time (heartbeat).
func (r *SessionRegistry) Touch(ctx context.Context, sessionID string) {
	r.mu.Lock()
	binding, ok := r.bindings[sessionID]
	if ok {
		binding.LastSeen = r.now()
	}
	r.mu.Unlock()

	if ok && r.redis != nil {
		r.redis.HSet(ctx, bindingKeyPrefix+sessionID, "last_seen", binding.LastSeen.Unix())
	}
}

// SessionsForEntry resolves the session identifiers currently bound to
// an entry. The dispatcher fans events out to exactly these.
func (r *SessionRegistry) SessionsForEntry(entryID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessionID, ok := r.byEntry[entryID]; ok {
		return []string{sessionID}
	}
	return nil
}

// Sweep reclaims expired grace bindings and bindings idle past the TTL.
// Correctness comes from the lazy deadline check in resolve; this only
// frees storage.
func (r *SessionRegistry) Sweep(ctx context.Context) {
	now := r.now()
	var dead []string

	r.mu.Lock()
	for id, b := range r.bindings {
		if b.Expired(now) || now.Sub(b.LastSeen) > r.cfg.SessionIdleTTL {
			delete(r.bindings, id)
			delete(r.byEntry, b.EntryID)
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.unpersist(ctx, id)
	}
	if len(dead) > 0 {
		slog.Info("swept session bindings", "count", len(dead))
	}
}

// SweepLoop runs Sweep on the configured interval until ctx is done.
func (r *SessionRegistry) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RestoreState reloads bindings from Redis after a process restart.
func (r *SessionRegistry) RestoreState(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}

	keys, err := r.redis.Keys(ctx, bindingKeyPrefix+"*").Result()
	if err != nil {
		return fmt.Errorf("list session bindings: %w", err)
	}

	restored := 0
	for _, key := range keys {
		fields, err := r.redis.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		binding := bindingFromFields(key[len(bindingKeyPrefix):], fields)
		if binding == nil || binding.Expired(r.now()) {
			r.redis.Del(ctx, key)
			continue
		}

		// Active entries died with the process; rebuild them from the
		// binding so the line re-forms in original join order. Grace
		// bindings wait for an explicit Restore.
		if binding.Policy == models.PolicyActive {
			entry, err := r.store.reinsert(ctx, binding.QueueID, binding.DisplayName,
				binding.Contact, binding.PartySize, binding.JoinedAt, binding.VerificationCode)
			if err != nil {
				slog.Error("rebuild entry from binding", "sessionID", binding.SessionID, "error", err)
				continue
			}
			binding.EntryID = entry.ID
			binding.VerificationCode = entry.VerificationCode
			r.persist(ctx, binding)
		}

		r.mu.Lock()
		r.bindings[binding.SessionID] = binding
		r.byEntry[binding.EntryID] = binding.SessionID
		r.mu.Unlock()
		restored++
	}

	slog.Info("session state restored", "bindings", restored)
	return nil
}

// resolve looks a binding up and lazily expires it. Every failure mode
// collapses into the uniform not-found error.
func (r *SessionRegistry) resolve(ctx context.Context, sessionID string) (*models.SessionBinding, error) {
	if sessionID == "" {
		return nil, status.ErrSessionNotFound
	}

	r.mu.Lock()
	binding, ok := r.bindings[sessionID]
	if ok && binding.Expired(r.now()) {
		delete(r.bindings, sessionID)
		delete(r.byEntry, binding.EntryID)
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		r.unpersist(ctx, sessionID)
		return nil, status.ErrSessionNotFound
	}
	return binding, nil
}

func (r *SessionRegistry) openGrace(ctx context.Context, binding *models.SessionBinding, deadline time.Time) {
	r.mu.Lock()
	binding.Policy = models.PolicyGrace
	binding.Deadline = deadline
	binding.LastSeen = r.now()
	r.mu.Unlock()

	r.persist(ctx, binding)
}

func (r *SessionRegistry) persist(ctx context.Context, binding *models.SessionBinding) {
	if r.redis == nil {
		return
	}

	key := bindingKeyPrefix + binding.SessionID
	deadline := int64(0)
	if !binding.Deadline.IsZero() {
		deadline = binding.Deadline.Unix()
	}
	err := r.redis.HSet(ctx, key,
		"entry_id", binding.EntryID,
		"queue_id", binding.QueueID,
		"policy", string(binding.Policy),
		"created_at", binding.CreatedAt.Unix(),
		"last_seen", binding.LastSeen.Unix(),
		"deadline", deadline,
		"display_name", binding.DisplayName,
		"contact", binding.Contact,
		"party_size", binding.PartySize,
		"joined_at", binding.JoinedAt.UnixNano(),
		"code", binding.VerificationCode,
	).Err()
	if err != nil {
		// Mutations never depend on persistence; the binding still
		// works in memory until the next restart.
		slog.Error("persist session binding", "sessionID", binding.SessionID, "error", err)
		return
	}

	if binding.Policy == models.PolicyGrace {
		r.redis.ExpireAt(ctx, key, binding.Deadline)
	} else {
		r.redis.Expire(ctx, key, r.cfg.SessionIdleTTL)
	}
}

func (r *SessionRegistry) unpersist(ctx context.Context, sessionID string) {
	if r.redis == nil {
		return
	}
	r.redis.Del(ctx, bindingKeyPrefix+sessionID)
}

func bindingFromFields(sessionID string, fields map[string]string) *models.SessionBinding {
	if fields["entry_id"] == "" {
		return nil
	}
	binding := &models.SessionBinding{
		SessionID: sessionID,
		EntryID:   fields["entry_id"],
		QueueID:   fields["queue_id"],
		Policy:    models.BindingPolicy(fields["policy"]),
		CreatedAt: unixField(fields, "created_at"),
		LastSeen:  unixField(fields, "last_seen"),

		DisplayName:      fields["display_name"],
		Contact:          fields["contact"],
		PartySize:        intField(fields, "party_size"),
		VerificationCode: fields["code"],
	}
	var joinedNanos int64
	if _, err := fmt.Sscanf(fields["joined_at"], "%d", &joinedNanos); err == nil && joinedNanos > 0 {
		binding.JoinedAt = time.Unix(0, joinedNanos)
	}
	if d := unixField(fields, "deadline"); !d.IsZero() {
		binding.Deadline = d
	}
	return binding
}

func unixField(fields map[string]string, name string) time.Time {
	var sec int64
	if _, err := fmt.Sscanf(fields[name], "%d", &sec); err != nil || sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func intField(fields map[string]string, name string) int {
	var n int
	if _, err := fmt.Sscanf(fields[name], "%d", &n); err != nil {
		return 0
	}
	return n
}
