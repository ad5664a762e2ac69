// ABOUTME: Session service: login via OAuth exchange, session resolution, logout
// ABOUTME: Login is gated by the instance ownership lock; old sessions are invalidated

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/clawhost/internal/lock"
	"github.com/2389/clawhost/internal/store"
)

// SessionCookieName is the cookie carrying the opaque session token.
const SessionCookieName = "session_token"

// ErrInstanceLocked means the instance is owned by a different user.
var ErrInstanceLocked = errors.New("instance locked by another user")

// ErrNoSession means the request carried no usable credential.
var ErrNoSession = errors.New("no valid session")

// Service owns the login and session lifecycle.
type Service struct {
	store           store.Store
	exchanger       SessionExchanger
	lock            *lock.InstanceLock
	verifier        TokenVerifier // nil when JWT bearer auth is disabled
	sessionDuration time.Duration
	logger          *slog.Logger
}

func NewService(st store.Store, exchanger SessionExchanger, il *lock.InstanceLock, verifier TokenVerifier, sessionDuration time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:           st,
		exchanger:       exchanger,
		lock:            il,
		verifier:        verifier,
		sessionDuration: sessionDuration,
		logger:          logger.With("component", "auth"),
	}
}

// Login exchanges an OAuth session ID for a local session. The first login
// permanently claims the instance; later logins by anyone else fail with
// ErrInstanceLocked. Each successful login invalidates the user's previous
// sessions so at most one is live.
func (s *Service) Login(ctx context.Context, oauthSessionID string) (*store.User, *store.Session, error) {
	identity, err := s.exchanger.Exchange(ctx, oauthSessionID)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.store.UpsertUserByEmail(ctx, identity.Email, identity.Name, identity.Picture)
	if err != nil {
		return nil, nil, fmt.Errorf("upserting user: %w", err)
	}

	allowed, err := s.lock.TryClaim(ctx, lock.Identity{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	})
	if err != nil {
		return nil, nil, err
	}
	if !allowed {
		s.logger.Warn("login rejected by instance lock", "email", MaskEmail(user.Email))
		return nil, nil, ErrInstanceLocked
	}

	if err := s.store.DeleteUserSessions(ctx, user.ID); err != nil {
		return nil, nil, fmt.Errorf("invalidating old sessions: %w", err)
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	session := &store.Session{
		Token:     token,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionDuration),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Info("user logged in", "user_id", user.ID, "email", MaskEmail(user.Email))
	return user, session, nil
}

// newSessionToken returns 32 bytes of randomness as 64 hex characters.
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Resolve authenticates a request. The session cookie is checked first,
// then the Authorization bearer: a bearer is tried as an opaque session
// token, and if that misses and JWT auth is enabled, as a signed JWT.
func (s *Service) Resolve(ctx context.Context, r *http.Request) (*store.User, error) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		user, err := s.resolveSessionToken(ctx, cookie.Value)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrNoSession) {
			return nil, err
		}
	}

	bearer := bearerToken(r)
	if bearer == "" {
		return nil, ErrNoSession
	}

	user, err := s.resolveSessionToken(ctx, bearer)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNoSession) {
		return nil, err
	}

	if s.verifier == nil {
		return nil, ErrNoSession
	}
	userID, err := s.verifier.Verify(bearer)
	if err != nil {
		return nil, ErrNoSession
	}
	user, err = s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return user, nil
}

func (s *Service) resolveSessionToken(ctx context.Context, token string) (*store.User, error) {
	session, err := s.store.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		// Expired sessions are deleted on first sight
		if err := s.store.DeleteSession(ctx, token); err != nil {
			s.logger.Warn("failed to delete expired session", "error", err)
		}
		return nil, ErrNoSession
	}

	user, err := s.store.GetUser(ctx, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return user, nil
}

// Logout deletes the session carried by the request, if any. Idempotent.
func (s *Service) Logout(ctx context.Context, r *http.Request) error {
	token := ""
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		token = cookie.Value
	}
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return nil
	}
	return s.store.DeleteSession(ctx, token)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// HasBearer reports whether the request carries an Authorization bearer.
// Used by the CSRF middleware: bearer credentials are not browser-attached,
// so bearer requests are exempt from origin checks.
func HasBearer(r *http.Request) bool {
	return bearerToken(r) != ""
}

// MaskEmail obscures the local part of an email for log output.
func MaskEmail(email string) string {
	local, domain, found := strings.Cut(email, "@")
	if !found || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
