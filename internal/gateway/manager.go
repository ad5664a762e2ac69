// ABOUTME: Gateway lifecycle manager: start/stop/status with ownership semantics
// ABOUTME: Only writer of persisted desired state and the runtime secret file

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/clawhost/internal/gatewayenv"
	"github.com/2389/clawhost/internal/lock"
	"github.com/2389/clawhost/internal/store"
	"github.com/2389/clawhost/internal/supervisor"
)

// runtimeState is the process-local cache of the live gateway. It is
// advisory only: the persisted desired state plus the on-disk config file
// win on reconciliation.
type runtimeState struct {
	token     string
	provider  string
	ownerID   string
	startedAt time.Time
}

// Manager orchestrates the process controller, the secret materializer, and
// the instance lock. All lifecycle calls serialize on one mutex; "starting"
// exists only as an in-flight call, never as persisted state.
type Manager struct {
	mu sync.Mutex

	store   store.Store
	ctl     supervisor.Controller
	env     *gatewayenv.Materializer
	cfgFile *ConfigFile
	lock    *lock.InstanceLock

	healthURL    string
	startTimeout time.Duration
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *slog.Logger

	runtime *runtimeState
}

func NewManager(st store.Store, ctl supervisor.Controller, env *gatewayenv.Materializer, cfgFile *ConfigFile, il *lock.InstanceLock, healthURL string, startTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:        st,
		ctl:          ctl,
		env:          env,
		cfgFile:      cfgFile,
		lock:         il,
		healthURL:    healthURL,
		startTimeout: startTimeout,
		pollInterval: time.Second,
		httpClient:   &http.Client{Timeout: 2 * time.Second},
		logger:       logger.With("component", "gateway"),
	}
}

// StartRequest carries the caller-supplied start parameters.
type StartRequest struct {
	Provider string
	APIKey   string
	Model    string
}

// Start brings the gateway up for the identity. A running gateway owned by
// someone else yields ErrConflict. If the gateway is already running under
// this identity the process is restarted so it picks up new configuration.
// Success requires both supervisor-reported running and a healthy HTTP
// response; the lock claim happens strictly after that, never before.
func (m *Manager) Start(ctx context.Context, id lock.Identity, req StartRequest) error {
	if !KnownProvider(req.Provider) {
		return &gatewayenv.ValidationError{Field: "provider"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	desired, err := m.desiredState(ctx)
	if err != nil {
		return err
	}

	running := m.ctl.Status(ctx)
	if running && desired != nil && desired.OwnerUserID != "" && desired.OwnerUserID != id.UserID {
		return ErrConflict
	}

	// Every restart of a running gateway mints a fresh token: the caller
	// may have changed credentials, and the old token must not outlive
	// them. A fresh start with unchanged provider reuses the stored token.
	forceRotate := running || (desired != nil && desired.Provider != "" && desired.Provider != req.Provider)

	token, err := m.cfgFile.Materialize(MaterializeRequest{
		Provider:    req.Provider,
		APIKey:      req.APIKey,
		Model:       req.Model,
		ForceRotate: forceRotate,
	})
	if err != nil {
		return err
	}

	if err := m.env.Write(token, req.APIKey, req.Provider); err != nil {
		return err
	}

	if running {
		if err := m.ctl.Restart(ctx); err != nil {
			m.logger.Warn("restart failed, falling back to stop then start", "error", err)
			if stopErr := m.ctl.Stop(ctx); stopErr != nil {
				return stopErr
			}
			// The supervisor needs a moment to reap the stopped process
			// before it accepts a start for the same program.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.pollInterval):
			}
			if startErr := m.ctl.Start(ctx); startErr != nil {
				return startErr
			}
		}
	} else {
		if err := m.ctl.Start(ctx); err != nil {
			return err
		}
	}

	if err := m.awaitHealthy(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := m.store.SaveGatewayConfig(ctx, &store.GatewayConfig{
		ShouldRun:   true,
		OwnerUserID: id.UserID,
		Provider:    req.Provider,
		TokenDigest: digest(token),
		StartedAt:   &now,
	}); err != nil {
		return fmt.Errorf("persisting gateway state: %w", err)
	}
	m.runtime = &runtimeState{
		token:     token,
		provider:  req.Provider,
		ownerID:   id.UserID,
		startedAt: now,
	}

	// The gateway is already up; a lost lock race is logged, never rolled
	// back, because it may be correctly running under the true owner.
	won, err := m.lock.TryClaim(ctx, id)
	if err != nil {
		m.logger.Warn("lock claim after start failed", "error", err)
	} else if !won {
		owner, _ := m.lock.CurrentOwner(ctx)
		heldBy := ""
		if owner != nil {
			heldBy = owner.UserID
		}
		m.logger.Warn("gateway started but lock held by another user",
			"started_by", id.UserID, "lock_owner", heldBy)
	}

	m.logger.Info("gateway started", "owner", id.UserID, "provider", req.Provider)
	return nil
}

// awaitHealthy polls the gateway's health surface until it answers or the
// start timeout elapses. The supervisor must still report running on every
// poll; a crash during startup fails fast instead of burning the timeout.
func (m *Manager) awaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(m.startTimeout)
	for {
		if !m.ctl.Status(ctx) {
			return &supervisor.Error{Op: "start", Err: errors.New("process exited during startup")}
		}
		if m.healthy(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStartTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Manager) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop brings the gateway down. Only the current owner may stop it. Stopping
// an already-stopped gateway succeeds idempotently. Stop clears the desired
// owner so a fresh start is re-contestable; the permanent login lock is
// untouched.
func (m *Manager) Stop(ctx context.Context, id lock.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired, err := m.desiredState(ctx)
	if err != nil {
		return err
	}
	if desired != nil && desired.OwnerUserID != "" && desired.OwnerUserID != id.UserID {
		return ErrForbidden
	}

	if !m.ctl.Status(ctx) {
		if err := m.store.SetGatewayShouldRun(ctx, false); err != nil {
			return fmt.Errorf("persisting gateway state: %w", err)
		}
		m.runtime = nil
		return nil
	}

	if err := m.ctl.Stop(ctx); err != nil {
		return err
	}

	if err := m.env.Clear(); err != nil {
		m.logger.Warn("failed to clear runtime secret file", "error", err)
	}

	cfg := &store.GatewayConfig{ShouldRun: false}
	if desired != nil {
		cfg.Provider = desired.Provider
		cfg.TokenDigest = desired.TokenDigest
	}
	if err := m.store.SaveGatewayConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persisting gateway state: %w", err)
	}
	m.runtime = nil

	m.logger.Info("gateway stopped", "by", id.UserID)
	return nil
}

// Status describes the gateway with asymmetric disclosure.
type Status struct {
	Running   bool
	IsOwner   bool
	Disclosed bool // provider/started/PID fields are populated
	Provider  string
	StartedAt *time.Time
	PID       int
}

// Status reports the gateway state for the given caller. Unauthenticated
// callers (empty userID) learn only whether it runs. Authenticated
// non-owners additionally learn they are not the owner. Only the owner sees
// provider, start time, and PID.
func (m *Manager) Status(ctx context.Context, userID string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &Status{Running: m.ctl.Status(ctx)}
	if userID == "" {
		return st, nil
	}

	desired, err := m.desiredState(ctx)
	if err != nil {
		return nil, err
	}
	owner := ""
	if desired != nil {
		owner = desired.OwnerUserID
	}
	st.IsOwner = owner != "" && owner == userID
	if !st.IsOwner {
		return st, nil
	}

	st.Disclosed = true
	if desired != nil {
		st.Provider = desired.Provider
		st.StartedAt = desired.StartedAt
	}
	if pid, ok := m.ctl.PID(ctx); ok {
		st.PID = pid
	}
	return st, nil
}

// Token returns the live gateway token. Owner only; ErrNotRunning when the
// gateway is down (there is no live token to hand out).
func (m *Manager) Token(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired, err := m.desiredState(ctx)
	if err != nil {
		return "", err
	}
	if desired == nil || desired.OwnerUserID == "" || desired.OwnerUserID != userID {
		return "", ErrForbidden
	}
	if !m.ctl.Status(ctx) {
		return "", ErrNotRunning
	}
	if m.runtime != nil && m.runtime.token != "" {
		return m.runtime.token, nil
	}
	// In-memory state was lost; the config file is the recovery source.
	token, err := m.cfgFile.ReadToken()
	if err != nil {
		return "", fmt.Errorf("recovering gateway token: %w", err)
	}
	return token, nil
}

// IsOwner reports whether the user owns the current start cycle. Used by
// the relay and the UI proxy to gate live traffic.
func (m *Manager) IsOwner(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired, err := m.desiredState(ctx)
	if err != nil {
		return false, err
	}
	return desired != nil && desired.OwnerUserID != "" && desired.OwnerUserID == userID, nil
}

// Recover reconciles actual process state with persisted desired state on
// control-plane boot. A running gateway has its runtime cache rebuilt from
// the config file; a stopped gateway with shouldRun=true is started again
// with the last known token. Recovery failures are logged, not fatal: the
// control plane must come up regardless.
func (m *Manager) Recover(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ctl.ReloadConfig(ctx); err != nil {
		m.logger.Warn("supervisor config reload failed", "error", err)
	}

	desired, err := m.desiredState(ctx)
	if err != nil {
		m.logger.Error("failed to load persisted gateway state", "error", err)
		return
	}

	running := m.ctl.Status(ctx)
	switch {
	case running:
		token, err := m.cfgFile.ReadToken()
		if err != nil {
			m.logger.Warn("gateway running but token unrecoverable", "error", err)
		}
		rt := &runtimeState{token: token}
		if desired != nil {
			rt.provider = desired.Provider
			rt.ownerID = desired.OwnerUserID
			if desired.StartedAt != nil {
				rt.startedAt = *desired.StartedAt
			}
		}
		m.runtime = rt
		m.checkLockConsistency(ctx, rt.ownerID)
		m.logger.Info("gateway already running, runtime state reconstructed")

	case desired != nil && desired.ShouldRun:
		m.logger.Info("desired state is running but process is down, starting gateway")
		if err := m.ctl.Start(ctx); err != nil {
			m.logger.Error("recovery start failed", "error", err)
			return
		}
		if err := m.awaitHealthy(ctx); err != nil {
			m.logger.Error("recovered gateway never became healthy", "error", err)
			return
		}
		token, err := m.cfgFile.ReadToken()
		if err != nil {
			m.logger.Warn("recovered gateway token unrecoverable", "error", err)
		}
		rt := &runtimeState{token: token, provider: desired.Provider, ownerID: desired.OwnerUserID, startedAt: time.Now().UTC()}
		m.runtime = rt
		m.logger.Info("gateway recovered", "owner", desired.OwnerUserID)

	default:
		m.logger.Info("gateway stopped and desired state agrees, nothing to recover")
	}
}

// checkLockConsistency logs when the running gateway's owner differs from
// the permanent lock holder. Divergence is a bug condition to observe, not
// to auto-correct.
func (m *Manager) checkLockConsistency(ctx context.Context, runtimeOwner string) {
	if runtimeOwner == "" {
		return
	}
	allowed, err := m.lock.IsAllowed(ctx, runtimeOwner)
	if err != nil {
		return
	}
	if !allowed {
		m.logger.Warn("gateway owner diverges from instance lock",
			"gateway_owner", runtimeOwner)
	}
}

func (m *Manager) desiredState(ctx context.Context) (*store.GatewayConfig, error) {
	desired, err := m.store.GetGatewayConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading persisted gateway state: %w", err)
	}
	return desired, nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
