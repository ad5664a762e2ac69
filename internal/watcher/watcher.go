// ABOUTME: Periodic watcher that repairs the messaging credential file
// ABOUTME: A linked-but-unregistered credential is marked registered and the gateway restarted

package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/2389/clawhost/internal/supervisor"
)

// MessagingStatus is the surfaced view of the credential file.
type MessagingStatus struct {
	Linked     bool   `json:"linked"`
	Phone      string `json:"phone"`
	Registered bool   `json:"registered"`
}

// Watcher polls the messaging credential file. The linking flow leaves the
// file with registered=false, which the gateway refuses to use; the watcher
// flips the flag and restarts the gateway so the repaired file is loaded.
type Watcher struct {
	path     string
	interval time.Duration
	ctl      supervisor.Controller
	logger   *slog.Logger
}

func New(path string, interval time.Duration, ctl supervisor.Controller, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		ctl:      ctl,
		logger:   logger.With("component", "watcher"),
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("credential watcher started", "path", w.path, "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("credential watcher stopped")
			return
		case <-ticker.C:
			if err := w.CheckOnce(ctx); err != nil {
				w.logger.Warn("credential check failed", "error", err)
			}
		}
	}
}

// CheckOnce inspects the credential file and repairs it if needed. A
// missing file means nothing is linked yet and is not an error.
func (w *Watcher) CheckOnce(ctx context.Context) error {
	creds, err := w.readCreds()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if !isLinked(creds) {
		return nil
	}
	if registered, _ := creds["registered"].(bool); registered {
		return nil
	}

	w.logger.Info("repairing linked but unregistered messaging credential")
	creds["registered"] = true
	if err := w.writeCreds(creds); err != nil {
		return err
	}

	if err := w.ctl.Restart(ctx); err != nil {
		return fmt.Errorf("restarting gateway after credential repair: %w", err)
	}
	w.logger.Info("gateway restarted with repaired credential")
	return nil
}

// Status reports the credential file's state without modifying it.
func (w *Watcher) Status() (*MessagingStatus, error) {
	creds, err := w.readCreds()
	if os.IsNotExist(err) {
		return &MessagingStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &MessagingStatus{Linked: isLinked(creds)}
	st.Registered, _ = creds["registered"].(bool)
	st.Phone = phoneFromCreds(creds)
	return st, nil
}

func (w *Watcher) readCreds() (map[string]any, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	var creds map[string]any
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credential file: %w", err)
	}
	return creds, nil
}

func (w *Watcher) writeCreds(creds map[string]any) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credential file: %w", err)
	}
	if err := os.WriteFile(w.path, data, 0600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return nil
}

func isLinked(creds map[string]any) bool {
	me, ok := creds["me"].(map[string]any)
	if !ok {
		return false
	}
	id, _ := me["id"].(string)
	return id != ""
}

// phoneFromCreds extracts the phone number from the linked JID, which looks
// like "15551234567:12@s.whatsapp.net".
func phoneFromCreds(creds map[string]any) string {
	me, ok := creds["me"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := me["id"].(string)
	if id == "" {
		return ""
	}
	phone, _, _ := strings.Cut(id, ":")
	phone, _, _ = strings.Cut(phone, "@")
	return phone
}
