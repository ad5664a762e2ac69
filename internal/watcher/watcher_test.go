// ABOUTME: Tests for the messaging credential watcher
// ABOUTME: Uses a temp credential file and a fake process controller

package watcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu       sync.Mutex
	restarts int
}

func (f *fakeController) Start(context.Context) error { return nil }
func (f *fakeController) Stop(context.Context) error  { return nil }

func (f *fakeController) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeController) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *fakeController) Status(context.Context) bool        { return true }
func (f *fakeController) PID(context.Context) (int, bool)    { return 0, false }
func (f *fakeController) ReloadConfig(context.Context) error { return nil }

func writeCreds(t *testing.T, path string, creds map[string]any) {
	t.Helper()
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeController, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creds.json")
	ctl := &fakeController{}
	return New(path, time.Second, ctl, slog.Default()), ctl, path
}

func TestCheckOnce_MissingFileIsFine(t *testing.T) {
	w, ctl, _ := newTestWatcher(t)

	require.NoError(t, w.CheckOnce(context.Background()))
	assert.Zero(t, ctl.restartCount())
}

func TestCheckOnce_RepairsUnregisteredCredential(t *testing.T) {
	w, ctl, path := newTestWatcher(t)
	writeCreds(t, path, map[string]any{
		"me":         map[string]any{"id": "15551234567:12@s.whatsapp.net"},
		"registered": false,
	})

	require.NoError(t, w.CheckOnce(context.Background()))
	assert.Equal(t, 1, ctl.restartCount())

	// The file now carries registered=true
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var creds map[string]any
	require.NoError(t, json.Unmarshal(data, &creds))
	assert.Equal(t, true, creds["registered"])

	// A second pass finds nothing to repair
	require.NoError(t, w.CheckOnce(context.Background()))
	assert.Equal(t, 1, ctl.restartCount())
}

func TestCheckOnce_IgnoresUnlinkedCredential(t *testing.T) {
	w, ctl, path := newTestWatcher(t)
	writeCreds(t, path, map[string]any{"registered": false})

	require.NoError(t, w.CheckOnce(context.Background()))
	assert.Zero(t, ctl.restartCount())
}

func TestStatus(t *testing.T) {
	w, _, path := newTestWatcher(t)

	// No file: nothing linked
	st, err := w.Status()
	require.NoError(t, err)
	assert.False(t, st.Linked)
	assert.Empty(t, st.Phone)

	writeCreds(t, path, map[string]any{
		"me":         map[string]any{"id": "15551234567:12@s.whatsapp.net"},
		"registered": true,
	})

	st, err = w.Status()
	require.NoError(t, err)
	assert.True(t, st.Linked)
	assert.True(t, st.Registered)
	assert.Equal(t, "15551234567", st.Phone)
}

func TestRun_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	ctl := &fakeController{}
	w := New(path, 10*time.Millisecond, ctl, slog.Default())
	writeCreds(t, path, map[string]any{
		"me":         map[string]any{"id": "15551234567:12@s.whatsapp.net"},
		"registered": false,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return ctl.restartCount() >= 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
