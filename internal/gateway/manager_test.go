// ABOUTME: Tests for the gateway lifecycle manager
// ABOUTME: Uses a fake process controller and an httptest health endpoint

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawhost/internal/gatewayenv"
	"github.com/2389/clawhost/internal/lock"
	"github.com/2389/clawhost/internal/store"
	"github.com/2389/clawhost/internal/supervisor"
)

type fakeController struct {
	mu         sync.Mutex
	running    bool
	pid        int
	startErr   error
	stopErr    error
	restartErr error
	calls      []string
}

func (f *fakeController) record(op string) {
	f.calls = append(f.calls, op)
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	return nil
}

func (f *fakeController) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restart")
	if f.restartErr != nil {
		return f.restartErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Status(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeController) PID(context.Context) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return 0, false
	}
	return f.pid, true
}

func (f *fakeController) ReloadConfig(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reload")
	return nil
}

type managerFixture struct {
	mgr    *Manager
	ctl    *fakeController
	store  store.Store
	env    *gatewayenv.Materializer
	dir    string
	health *httptest.Server
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "mgr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(health.Close)

	ctl := &fakeController{pid: 4242}
	env := gatewayenv.New(dir)
	cfgFile := NewConfigFile(dir, 18789, filepath.Join(dir, "workspace"))
	il := lock.New(st, slog.Default())

	mgr := NewManager(st, ctl, env, cfgFile, il, health.URL, 2*time.Second, slog.Default())
	mgr.pollInterval = 10 * time.Millisecond

	return &managerFixture{mgr: mgr, ctl: ctl, store: st, env: env, dir: dir, health: health}
}

var (
	alice = lock.Identity{UserID: "user_alice", Email: "alice@example.com", Name: "Alice"}
	bob   = lock.Identity{UserID: "user_bob", Email: "bob@example.com", Name: "Bob"}
)

func TestStart_Success(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	err := f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.Contains(t, f.ctl.calls, "start")

	// Desired state persisted with owner, provider, and digest
	desired, err := f.store.GetGatewayConfig(ctx)
	require.NoError(t, err)
	assert.True(t, desired.ShouldRun)
	assert.Equal(t, "user_alice", desired.OwnerUserID)
	assert.Equal(t, "anthropic", desired.Provider)
	assert.Len(t, desired.TokenDigest, 64)
	require.NotNil(t, desired.StartedAt)

	// Secret file materialized
	_, err = os.Stat(f.env.Path())
	assert.NoError(t, err)

	// Lock claimed after the start
	owner, err := f.store.GetInstanceOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user_alice", owner.UserID)
}

func TestStart_UnknownProviderRejected(t *testing.T) {
	f := newManagerFixture(t)

	err := f.mgr.Start(context.Background(), alice, StartRequest{Provider: "bogus"})
	var ve *gatewayenv.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, f.ctl.calls, "no supervisor command before validation")
}

func TestStart_ConflictWhenOwnedByAnother(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))

	err := f.mgr.Start(ctx, bob, StartRequest{Provider: "openai", APIKey: "k2"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStart_RestartWhenAlreadyRunning(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	f.ctl.calls = nil

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	assert.Equal(t, []string{"restart"}, f.ctl.calls)
}

func TestStart_RestartFallsBackToStopStart(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	f.ctl.calls = nil
	f.ctl.restartErr = &supervisor.Error{Op: "restart"}

	begin := time.Now()
	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	assert.Equal(t, []string{"restart", "stop", "start"}, f.ctl.calls)
	// A reap pause separates the fallback stop from the start
	assert.GreaterOrEqual(t, time.Since(begin), f.mgr.pollInterval)
}

func TestStart_SupervisorFailureSurfaced(t *testing.T) {
	f := newManagerFixture(t)
	f.ctl.startErr = &supervisor.Error{Op: "start", Stderr: "spawn error"}

	err := f.mgr.Start(context.Background(), alice, StartRequest{Provider: "anthropic", APIKey: "k"})
	var se *supervisor.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "start", se.Op)

	// Nothing persisted on failure
	_, err = f.store.GetGatewayConfig(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStart_HealthTimeoutDistinctFromStartFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.mgr.startTimeout = 50 * time.Millisecond

	// Supervisor accepts the start but the gateway never answers
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()
	f.mgr.healthURL = unhealthy.URL

	err := f.mgr.Start(context.Background(), alice, StartRequest{Provider: "anthropic", APIKey: "k"})
	assert.ErrorIs(t, err, ErrStartTimeout)

	var se *supervisor.Error
	assert.False(t, errors.As(err, &se), "timeout must not look like a supervisor failure")
}

func TestStop_NonOwnerForbidden(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))

	err := f.mgr.Stop(ctx, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	desired, err := f.store.GetGatewayConfig(ctx)
	require.NoError(t, err)
	assert.True(t, desired.ShouldRun, "shouldRun unchanged after forbidden stop")
}

func TestStop_IdempotentWhenStopped(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Stop(ctx, alice))

	desired, err := f.store.GetGatewayConfig(ctx)
	require.NoError(t, err)
	assert.False(t, desired.ShouldRun)
	assert.NotContains(t, f.ctl.calls, "stop", "no supervisor command for an already-stopped gateway")
}

func TestStop_ClearsSecretAndOwner(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	require.NoError(t, f.mgr.Stop(ctx, alice))

	_, err := os.Stat(f.env.Path())
	assert.True(t, os.IsNotExist(err), "secret file removed on stop")

	desired, err := f.store.GetGatewayConfig(ctx)
	require.NoError(t, err)
	assert.False(t, desired.ShouldRun)
	assert.Empty(t, desired.OwnerUserID, "fresh starts are re-contestable")

	// The permanent login lock survives the stop
	owner, err := f.store.GetInstanceOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user_alice", owner.UserID)
}

func TestStatus_AsymmetricDisclosure(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))

	// Public caller: running only
	st, err := f.mgr.Status(ctx, "")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.False(t, st.IsOwner)
	assert.False(t, st.Disclosed)

	// Authenticated non-owner: running + not owner, nothing else
	st, err = f.mgr.Status(ctx, bob.UserID)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.False(t, st.IsOwner)
	assert.False(t, st.Disclosed)
	assert.Empty(t, st.Provider)
	assert.Zero(t, st.PID)

	// Owner: full detail including PID
	st, err = f.mgr.Status(ctx, alice.UserID)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.IsOwner)
	assert.True(t, st.Disclosed)
	assert.Equal(t, "anthropic", st.Provider)
	assert.NotNil(t, st.StartedAt)
	assert.Equal(t, 4242, st.PID)
}

func TestToken(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// No gateway yet: nobody is owner
	_, err := f.mgr.Token(ctx, alice.UserID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))

	token, err := f.mgr.Token(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Len(t, token, 64)

	_, err = f.mgr.Token(ctx, bob.UserID)
	assert.ErrorIs(t, err, ErrForbidden)

	// Owner but gateway down: not running
	f.ctl.running = false
	_, err = f.mgr.Token(ctx, alice.UserID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScenario_OwnershipRecontestAfterStop(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))

	err := f.mgr.Start(ctx, bob, StartRequest{Provider: "openai", APIKey: "k2"})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, f.mgr.Stop(ctx, alice))

	// The gateway is stopped: ownership of a fresh start is re-contestable
	require.NoError(t, f.mgr.Start(ctx, bob, StartRequest{Provider: "openai", APIKey: "k2"}))

	desired, err := f.store.GetGatewayConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user_bob", desired.OwnerUserID)
	assert.Equal(t, "openai", desired.Provider)
}

func TestStart_RestartRotatesToken(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "key-one"}))
	first, err := f.mgr.Token(ctx, alice.UserID)
	require.NoError(t, err)

	// Same provider, new credential: the old token must not survive
	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "key-two"}))
	second, err := f.mgr.Token(ctx, alice.UserID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "restart of a running gateway rotates the token")

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "openai", APIKey: "key-three"}))
	third, err := f.mgr.Token(ctx, alice.UserID)
	require.NoError(t, err)
	assert.NotEqual(t, second, third, "provider change rotates the token")
}

func TestStart_FreshStartReusesStoredToken(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	first, err := f.mgr.Token(ctx, alice.UserID)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Stop(ctx, alice))

	// Start from stopped with the same provider keeps the stored token
	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	second, err := f.mgr.Token(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecover_RunningGatewayReconstructsRuntime(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))
	token, err := f.mgr.Token(ctx, alice.UserID)
	require.NoError(t, err)

	// Simulate a control-plane restart: fresh manager, same store and disk
	mgr2 := NewManager(f.store, f.ctl, f.env, f.mgr.cfgFile, f.mgr.lock, f.health.URL, 2*time.Second, slog.Default())
	mgr2.pollInterval = 10 * time.Millisecond

	mgr2.Recover(ctx)

	recovered, err := mgr2.Token(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, token, recovered, "token recovered from the config file")
	assert.Contains(t, f.ctl.calls, "reload")
}

func TestRecover_StartsWhenDesiredRunning(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, alice, StartRequest{Provider: "anthropic", APIKey: "k"}))

	// Process died while the control plane was down
	f.ctl.running = false
	f.ctl.calls = nil

	mgr2 := NewManager(f.store, f.ctl, f.env, f.mgr.cfgFile, f.mgr.lock, f.health.URL, 2*time.Second, slog.Default())
	mgr2.pollInterval = 10 * time.Millisecond

	mgr2.Recover(ctx)

	assert.Contains(t, f.ctl.calls, "start")
	assert.True(t, f.ctl.running)
}

func TestRecover_NothingToDo(t *testing.T) {
	f := newManagerFixture(t)

	f.mgr.Recover(context.Background())
	assert.Equal(t, []string{"reload"}, f.ctl.calls)
}
