// Package rotation implements the credential rotation state machine:
// NORMAL -> INITIATED -> DUAL_ACTIVE -> OLD_DEPRECATED -> RETIRED -> NORMAL.
// Transitions are attempted by a single leader per client_id, serialized by
// a vault-backed advisory lock; the controller itself is a fixed-interval
// tick loop with an immediate-advance path for operators.
package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allisson/payauth-gateway/internal/credential"
	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
	"github.com/allisson/payauth-gateway/internal/metrics"
)

// VaultRotation is the subset of the vault client the controller depends on.
// The rotation index is the persisted set of client_ids with an in-flight
// rotation; the controller reads it back after a restart so the tick loop
// resumes advancing rotations started by a previous process.
type VaultRotation interface {
	ReadCredential(ctx context.Context, clientID string) (*domain.Credential, error)
	ReadCredentialVersion(ctx context.Context, clientID, version string) (*domain.Credential, error)
	WriteCredential(ctx context.Context, cred *domain.Credential) error
	WriteCredentialVersion(ctx context.Context, clientID, version string, cred *domain.Credential) error
	ReadRotationRecord(ctx context.Context, clientID string) (*domain.RotationRecord, error)
	WriteRotationRecord(ctx context.Context, rec *domain.RotationRecord) error
	ReadRotationIndex(ctx context.Context) ([]string, error)
	WriteRotationIndex(ctx context.Context, clientIDs []string) error
}

// Lock is a held advisory lock; Release must be idempotent-safe to call
// once. vaultclient.Lock satisfies this structurally.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires the per-client_id advisory lock the controller uses to
// serialize its transitions across any concurrently running instances. The
// DI container adapts vaultclient.Client's *vaultclient.Lock-returning
// AcquireLock to this interface.
type Locker interface {
	AcquireLock(ctx context.Context, clientID string, ttl time.Duration) (Lock, error)
}

// Config controls rotation timing.
type Config struct {
	TransitionPeriod  time.Duration // minimum DUAL_ACTIVE duration
	DeprecationWindow time.Duration // minimum OLD_DEPRECATED duration
	CheckInterval     time.Duration // background tick interval
	LockTTL           time.Duration // advisory lock lease duration
}

// StartResult is start_rotation's return value: the persisted record plus
// the newly generated plaintext secret, which exists only transiently in
// this response and is never itself persisted.
type StartResult struct {
	Record          *domain.RotationRecord
	NewClientSecret string
}

// Controller drives the rotation state machine for any number of client_ids,
// tracking which ones it has started so its background tick loop knows what
// to advance.
type Controller struct {
	vault   VaultRotation
	locker  Locker
	hasher  credential.SecretHasher
	events  EventSink
	metrics metrics.BusinessMetrics
	logger  *slog.Logger
	cfg     Config

	mu       sync.Mutex
	pending  map[string]map[string]int64 // client_id -> version -> accumulated hit count
	tracked  map[string]struct{}         // client_ids with a non-NORMAL rotation in flight
	restored bool                        // tracked has been merged with the persisted index

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Controller. metricsRecorder and logger may be nil.
func New(vault VaultRotation, locker Locker, hasher credential.SecretHasher, events EventSink, cfg Config, metricsRecorder metrics.BusinessMetrics, logger *slog.Logger) *Controller {
	if events == nil {
		events = NewSlogEventSink(slog.Default())
	}
	if metricsRecorder == nil {
		metricsRecorder = metrics.NewNoOpBusinessMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Controller{
		vault:   vault,
		locker:  locker,
		hasher:  hasher,
		events:  events,
		metrics: metricsRecorder,
		logger:  logger,
		cfg:     cfg,
		pending: map[string]map[string]int64{},
		tracked: map[string]struct{}{},
		stopCh:  make(chan struct{}),
	}
}

// RecordMatch implements credential.StatsRecorder: it accumulates per-version
// hit counts in memory (flushed into the persisted RotationRecord on the
// next advance) and, when deprecated is true, emits a warning event for the
// old-secret-still-in-use case.
func (c *Controller) RecordMatch(ctx context.Context, clientID, version string, deprecated bool) {
	c.mu.Lock()
	bucket, ok := c.pending[clientID]
	if !ok {
		bucket = map[string]int64{}
		c.pending[clientID] = bucket
	}
	bucket[version]++
	c.mu.Unlock()

	if deprecated {
		c.events.Emit(ctx, Event{
			ClientID:   clientID,
			From:       domain.StateOldDeprecated,
			To:         domain.StateOldDeprecated,
			At:         time.Now(),
			OldVersion: version,
		})
		c.metrics.RecordOperation(ctx, "rotation", "old_secret_used", "warning")
	}
}

// StartRotation generates a new secret for client_id, stores it alongside
// the existing one, and transitions NORMAL -> DUAL_ACTIVE. A rotation
// already in progress (any state other than NORMAL/absent) is a conflict.
func (c *Controller) StartRotation(ctx context.Context, clientID, reason string) (*StartResult, error) {
	lock, err := c.locker.AcquireLock(ctx, clientID, c.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer c.releaseLock(ctx, lock)

	if existing, err := c.vault.ReadRotationRecord(ctx, clientID); err == nil {
		if existing.State != domain.StateNormal && existing.State != domain.StateRetired {
			return nil, apperrors.Wrap(apperrors.ErrRotationConflict, "rotation already in progress for "+clientID)
		}
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	current, err := c.vault.ReadCredential(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if current.RotationState != domain.StateNormal {
		return nil, apperrors.Wrap(apperrors.ErrRotationConflict, "credential is not in NORMAL state")
	}

	plainSecret, err := generateSecret()
	if err != nil {
		return nil, apperrors.Wrap(err, "generate rotation secret")
	}
	hashed, err := c.hasher.HashSecret(plainSecret)
	if err != nil {
		return nil, apperrors.Wrap(err, "hash rotation secret")
	}

	oldVersion := current.Version
	newVersion := uuid.NewString()
	now := time.Now().UTC()

	// Preserve the outgoing credential at its own versioned path so the
	// resolver can still authenticate it during DUAL_ACTIVE/OLD_DEPRECATED.
	if err := c.vault.WriteCredentialVersion(ctx, clientID, oldVersion, current); err != nil {
		return nil, apperrors.Wrap(err, "preserve outgoing credential version")
	}

	newCred := &domain.Credential{
		ClientID:      clientID,
		HashedSecret:  hashed,
		Version:       newVersion,
		Active:        true,
		RotationState: domain.StateDualActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// Vault-write failure here aborts the rotation; nothing
	// observable has changed yet since the pointer record is untouched.
	if err := c.vault.WriteCredential(ctx, newCred); err != nil {
		return nil, apperrors.Wrap(err, "store new credential")
	}

	rec := &domain.RotationRecord{
		ClientID:           clientID,
		Reason:             reason,
		State:              domain.StateDualActive,
		OldVersion:         oldVersion,
		NewVersion:         newVersion,
		StartedAt:          now,
		TransitionDeadline: now.Add(c.transitionPeriod()),
	}
	if err := c.vault.WriteRotationRecord(ctx, rec); err != nil {
		return nil, apperrors.Wrap(err, "persist rotation record")
	}

	c.track(ctx, clientID)
	c.events.Emit(ctx, Event{
		ClientID: clientID, From: domain.StateNormal, To: domain.StateDualActive,
		At: now, NewVersion: newVersion, OldVersion: oldVersion,
	})
	c.metrics.RecordOperation(ctx, "rotation", "start", "success")

	return &StartResult{Record: rec, NewClientSecret: plainSecret}, nil
}

// Advance is idempotent: it computes the next legal state from the
// persisted record's timestamps and writes it only if the minimum dwell
// time for the current state has elapsed. A no-op call (too early, or
// already NORMAL/terminal) returns the unchanged record.
func (c *Controller) Advance(ctx context.Context, clientID string) (*domain.RotationRecord, error) {
	lock, err := c.locker.AcquireLock(ctx, clientID, c.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer c.releaseLock(ctx, lock)

	rec, err := c.vault.ReadRotationRecord(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	switch rec.State {
	case domain.StateDualActive:
		c.flushStats(ctx, rec)
		if now.Before(rec.TransitionDeadline) {
			return rec, nil
		}
		return c.transitionToOldDeprecated(ctx, clientID, rec, now)

	case domain.StateOldDeprecated:
		c.flushStats(ctx, rec)
		if now.Before(rec.TransitionDeadline) {
			return rec, nil
		}
		return c.transitionToNormal(ctx, clientID, rec, now)

	default:
		// NORMAL, INITIATED (never observed standalone in this
		// implementation), and RETIRED are steady/terminal for Advance.
		return rec, nil
	}
}

func (c *Controller) transitionToOldDeprecated(ctx context.Context, clientID string, rec *domain.RotationRecord, now time.Time) (*domain.RotationRecord, error) {
	pointer, err := c.vault.ReadCredential(ctx, clientID)
	if err != nil {
		return nil, err
	}
	pointer.RotationState = domain.StateOldDeprecated
	pointer.UpdatedAt = now
	if err := c.vault.WriteCredential(ctx, pointer); err != nil {
		return nil, err
	}

	rec.State = domain.StateOldDeprecated
	rec.TransitionDeadline = now.Add(c.deprecationWindow())
	if err := c.vault.WriteRotationRecord(ctx, rec); err != nil {
		return nil, err
	}

	c.events.Emit(ctx, Event{ClientID: clientID, From: domain.StateDualActive, To: domain.StateOldDeprecated, At: now, NewVersion: rec.NewVersion, OldVersion: rec.OldVersion})
	c.metrics.RecordOperation(ctx, "rotation", "advance", "old_deprecated")
	return rec, nil
}

// transitionToNormal carries the record through RETIRED to NORMAL in one
// call: RETIRED, like INITIATED, has no dwell time of its own, so it is
// treated as transient.
func (c *Controller) transitionToNormal(ctx context.Context, clientID string, rec *domain.RotationRecord, now time.Time) (*domain.RotationRecord, error) {
	pointer, err := c.vault.ReadCredential(ctx, clientID)
	if err != nil {
		return nil, err
	}
	pointer.RotationState = domain.StateNormal
	pointer.UpdatedAt = now
	if err := c.vault.WriteCredential(ctx, pointer); err != nil {
		return nil, err
	}

	// Best-effort deactivation of the retired version's standalone record;
	// a read failure here does not block completing the rotation.
	if old, err := c.vault.ReadCredentialVersion(ctx, clientID, rec.OldVersion); err == nil {
		old.Active = false
		old.UpdatedAt = now
		_ = c.vault.WriteCredentialVersion(ctx, clientID, rec.OldVersion, old)
	}

	rec.State = domain.StateNormal
	rec.CompletedAt = &now
	if err := c.vault.WriteRotationRecord(ctx, rec); err != nil {
		return nil, err
	}

	c.untrack(ctx, clientID)
	c.events.Emit(ctx, Event{ClientID: clientID, From: domain.StateOldDeprecated, To: domain.StateNormal, At: now, NewVersion: rec.NewVersion, OldVersion: rec.OldVersion})
	c.metrics.RecordOperation(ctx, "rotation", "advance", "retired")
	return rec, nil
}

// Abort is only legal from INITIATED or DUAL_ACTIVE: it restores the prior
// credential as the sole active one and resets the record to NORMAL.
func (c *Controller) Abort(ctx context.Context, clientID string) error {
	lock, err := c.locker.AcquireLock(ctx, clientID, c.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer c.releaseLock(ctx, lock)

	rec, err := c.vault.ReadRotationRecord(ctx, clientID)
	if err != nil {
		return err
	}
	if rec.State != domain.StateInitiated && rec.State != domain.StateDualActive {
		return apperrors.Wrap(apperrors.ErrConflict, "abort is illegal from state "+string(rec.State))
	}

	old, err := c.vault.ReadCredentialVersion(ctx, clientID, rec.OldVersion)
	if err != nil {
		return err
	}
	old.RotationState = domain.StateNormal
	old.UpdatedAt = time.Now().UTC()
	if err := c.vault.WriteCredential(ctx, old); err != nil {
		return err
	}

	now := time.Now().UTC()
	fromState := rec.State
	rec.State = domain.StateNormal
	rec.CompletedAt = &now
	if err := c.vault.WriteRotationRecord(ctx, rec); err != nil {
		return err
	}

	c.untrack(ctx, clientID)
	c.events.Emit(ctx, Event{ClientID: clientID, From: fromState, To: domain.StateNormal, At: now, NewVersion: rec.NewVersion, OldVersion: rec.OldVersion})
	c.metrics.RecordOperation(ctx, "rotation", "abort", "success")
	return nil
}

// Status returns the current rotation record for client_id, or (nil, nil)
// if none exists.
func (c *Controller) Status(ctx context.Context, clientID string) (*domain.RotationRecord, error) {
	rec, err := c.vault.ReadRotationRecord(ctx, clientID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Run starts the background tick loop, advancing every tracked client_id on
// each fixed interval until ctx is cancelled or Stop is called.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.tickOnce(ctx)
			}
		}
	}()
}

// Stop signals the tick loop to exit and waits for it to return.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) tickOnce(ctx context.Context) {
	c.ensureRestored(ctx)
	for _, clientID := range c.trackedClients() {
		if _, err := c.Advance(ctx, clientID); err != nil {
			c.logger.Warn("rotation tick: advance failed, will retry next interval", "client_id", clientID, "error", err)
		}
	}
}

// ensureRestored merges the persisted rotation index into the in-memory
// tracked set, once. A vault failure here leaves restored unset and the
// next tick retries, so rotations started by a previous process survive a
// restart even through a startup outage.
func (c *Controller) ensureRestored(ctx context.Context) {
	c.mu.Lock()
	restored := c.restored
	c.mu.Unlock()
	if restored {
		return
	}

	ids, err := c.vault.ReadRotationIndex(ctx)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		c.logger.Warn("rotation: failed to restore tracked clients, will retry next tick", "error", err)
		return
	}

	c.mu.Lock()
	for _, id := range ids {
		c.tracked[id] = struct{}{}
	}
	c.restored = true
	c.mu.Unlock()
}

// track adds clientID to the in-memory set and persists the index. A
// persistence failure is logged, not fatal: the index is rewritten on
// every membership change, so it heals on the next track/untrack.
func (c *Controller) track(ctx context.Context, clientID string) {
	c.mu.Lock()
	c.tracked[clientID] = struct{}{}
	c.mu.Unlock()
	c.persistIndex(ctx)
}

func (c *Controller) untrack(ctx context.Context, clientID string) {
	c.mu.Lock()
	delete(c.tracked, clientID)
	c.mu.Unlock()
	c.persistIndex(ctx)
}

func (c *Controller) persistIndex(ctx context.Context) {
	if err := c.vault.WriteRotationIndex(ctx, c.trackedClients()); err != nil {
		c.logger.Warn("rotation: failed to persist rotation index", "error", err)
	}
}

func (c *Controller) trackedClients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		out = append(out, id)
	}
	return out
}

// flushStats merges the in-memory hit accumulator into rec.Stats and
// persists it, without changing rec.State. A write failure is logged and
// retried on the next Advance call; an outage mid-window never regresses
// the state.
func (c *Controller) flushStats(ctx context.Context, rec *domain.RotationRecord) {
	c.mu.Lock()
	bucket := c.pending[rec.ClientID]
	delete(c.pending, rec.ClientID)
	c.mu.Unlock()

	if len(bucket) == 0 {
		return
	}
	for version, count := range bucket {
		switch version {
		case rec.NewVersion:
			rec.Stats.NewVersionHits += count
		case rec.OldVersion:
			rec.Stats.OldVersionHits += count
		}
	}
	if err := c.vault.WriteRotationRecord(ctx, rec); err != nil {
		c.logger.Warn("rotation: failed to flush stats", "client_id", rec.ClientID, "error", err)
	}
}

func (c *Controller) releaseLock(ctx context.Context, lock Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(ctx); err != nil {
		c.logger.Warn("rotation: failed to release advisory lock", "error", err)
	}
}

func (c *Controller) transitionPeriod() time.Duration {
	if c.cfg.TransitionPeriod <= 0 {
		return 24 * time.Hour
	}
	return c.cfg.TransitionPeriod
}

func (c *Controller) deprecationWindow() time.Duration {
	if c.cfg.DeprecationWindow <= 0 {
		return 24 * time.Hour
	}
	return c.cfg.DeprecationWindow
}

func (c *Controller) checkInterval() time.Duration {
	if c.cfg.CheckInterval <= 0 {
		return time.Minute
	}
	return c.cfg.CheckInterval
}

// generateSecret produces a new client secret with well over 122 bits of
// entropy, matching the Token Engine's token_id entropy bar.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
