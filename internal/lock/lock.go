// ABOUTME: Instance ownership lock built on the store's insert-if-absent claim
// ABOUTME: First successful login permanently binds the instance to one user

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/clawhost/internal/store"
)

// Identity is the user attempting to claim or pass the lock.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// InstanceLock gates logins to a single user. The first claim wins and is
// permanent; every later login must present the same user.
type InstanceLock struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *InstanceLock {
	return &InstanceLock{
		store:  st,
		logger: logger.With("component", "lock"),
	}
}

// TryClaim attempts to claim the instance for the identity. The claim write
// is insert-if-absent and says nothing about the winner, so the record is
// always re-read and compared afterwards. Returns true when the identity
// holds the lock after the attempt, whether it won the claim or already
// owned it.
func (l *InstanceLock) TryClaim(ctx context.Context, id Identity) (bool, error) {
	err := l.store.ClaimInstanceOwner(ctx, &store.InstanceOwner{
		UserID:   id.UserID,
		Email:    id.Email,
		Name:     id.Name,
		LockedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("claiming instance lock: %w", err)
	}

	owner, err := l.store.GetInstanceOwner(ctx)
	if err != nil {
		return false, fmt.Errorf("verifying instance lock: %w", err)
	}

	if owner.UserID != id.UserID {
		l.logger.Warn("instance lock held by another user",
			"attempted_by", id.UserID,
			"held_by", owner.UserID)
		return false, nil
	}
	return true, nil
}

// CurrentOwner returns the lock record, or nil if the instance has never
// been claimed.
func (l *InstanceLock) CurrentOwner(ctx context.Context) (*store.InstanceOwner, error) {
	owner, err := l.store.GetInstanceOwner(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading instance lock: %w", err)
	}
	return owner, nil
}

// IsAllowed reports whether the user may pass the lock: true when the
// instance is unclaimed or the lock holder matches.
func (l *InstanceLock) IsAllowed(ctx context.Context, userID string) (bool, error) {
	owner, err := l.CurrentOwner(ctx)
	if err != nil {
		return false, err
	}
	return owner == nil || owner.UserID == userID, nil
}

// IsLocked reports whether any user has claimed the instance.
func (l *InstanceLock) IsLocked(ctx context.Context) (bool, error) {
	owner, err := l.CurrentOwner(ctx)
	if err != nil {
		return false, err
	}
	return owner != nil, nil
}
