// ABOUTME: Store interface and data types for clawhost persistence
// ABOUTME: Defines users, sessions, the instance-owner singleton, and gateway desired state

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// User represents an account resolved through the upstream OAuth exchange
type User struct {
	ID        string
	Email     string
	Name      string
	Picture   string
	CreatedAt time.Time
}

// Session is an opaque bearer credential tied to a user
type Session struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InstanceOwner is the singleton lock record binding the deployment to the
// identity that first claimed it. Once created it is immutable except for
// explicit release; it is never silently overwritten.
type InstanceOwner struct {
	UserID   string
	Email    string
	Name     string
	LockedAt time.Time
}

// GatewayConfig is the persisted desired state for the supervised gateway.
// It represents intent, not live fact: the supervisor's own report is the
// source of truth for whether the process is actually up. TokenDigest is a
// one-way hash; the live secret is never persisted here.
type GatewayConfig struct {
	ShouldRun   bool
	OwnerUserID string
	Provider    string
	TokenDigest string
	StartedAt   *time.Time
	UpdatedAt   time.Time
}

// StatusCheck is a client-reported liveness ping kept for audit purposes
type StatusCheck struct {
	ID         string
	ClientName string
	CreatedAt  time.Time
}

// Store defines the persistence interface for the control plane
type Store interface {
	// Users
	UpsertUserByEmail(ctx context.Context, email, name, picture string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Instance owner singleton. ClaimInstanceOwner performs an atomic
	// insert-if-absent and reports nothing about who won; callers must
	// re-read with GetInstanceOwner and compare.
	ClaimInstanceOwner(ctx context.Context, owner *InstanceOwner) error
	GetInstanceOwner(ctx context.Context) (*InstanceOwner, error)

	// Gateway desired state singleton
	SaveGatewayConfig(ctx context.Context, cfg *GatewayConfig) error
	SetGatewayShouldRun(ctx context.Context, shouldRun bool) error
	GetGatewayConfig(ctx context.Context) (*GatewayConfig, error)

	// Status checks
	CreateStatusCheck(ctx context.Context, check *StatusCheck) error
	ListStatusChecks(ctx context.Context, limit, offset int) ([]*StatusCheck, error)

	// Close releases any resources held by the store
	Close() error
}
