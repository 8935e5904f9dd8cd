package vaultclient

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/payauth-gateway/internal/errors"
)

const lockPathPrefix = "rotation/locks/"

type lockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lock is a held advisory lock for a client_id's rotation. Release must be
// called exactly once.
type Lock struct {
	clientID string
	owner    string
	client   *Client
}

// AcquireLock takes the per-client_id advisory lock the rotation controller
// uses to serialize its single-leader transitions. It fails with
// ErrRotationConflict if another unexpired lock is already held.
func (c *Client) AcquireLock(ctx context.Context, clientID string, ttl time.Duration) (*Lock, error) {
	path := lockPathPrefix + clientID

	var existing lockRecord
	err := c.readJSON(ctx, path, &existing)
	if err == nil && existing.ExpiresAt.After(time.Now()) {
		return nil, apperrors.ErrRotationConflict
	}
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	owner := uuid.NewString()
	rec := lockRecord{Owner: owner, ExpiresAt: time.Now().Add(ttl)}
	if writeErr := c.writeJSON(ctx, path, rec); writeErr != nil {
		return nil, writeErr
	}

	return &Lock{clientID: clientID, owner: owner, client: c}, nil
}

// Release removes the lock if it is still owned by this holder. A stale
// lock that has already expired and been taken by another owner is left
// alone.
func (l *Lock) Release(ctx context.Context) error {
	path := lockPathPrefix + l.clientID

	var existing lockRecord
	if err := l.client.readJSON(ctx, path, &existing); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if existing.Owner != l.owner {
		return nil
	}

	return l.client.writeJSON(ctx, path, lockRecord{})
}
