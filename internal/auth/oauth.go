// ABOUTME: OAuth session exchange client for turning a provider session ID into an identity
// ABOUTME: The exchange endpoint is an external service configured via auth.exchange_url

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrExchangeRejected means the exchange endpoint did not recognize the
// session ID. Distinct from transport failures so callers can return 401
// instead of 502.
var ErrExchangeRejected = errors.New("session exchange rejected")

// Identity is the profile returned by the OAuth exchange.
type Identity struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// SessionExchanger turns an opaque OAuth session ID into a verified identity.
type SessionExchanger interface {
	Exchange(ctx context.Context, sessionID string) (*Identity, error)
}

// HTTPExchanger calls the configured exchange endpoint over HTTPS.
type HTTPExchanger struct {
	url    string
	client *http.Client
}

func NewHTTPExchanger(url string) *HTTPExchanger {
	return &HTTPExchanger{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Exchange sends the session ID to the exchange endpoint. The ID travels in
// the X-Session-ID header, never in the URL, to keep it out of access logs.
func (e *HTTPExchanger) Exchange(ctx context.Context, sessionID string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building exchange request: %w", err)
	}
	req.Header.Set("X-Session-ID", sessionID)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling exchange endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return nil, ErrExchangeRejected
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("exchange endpoint returned %d: %s", resp.StatusCode, body)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}
	if id.Email == "" {
		return nil, fmt.Errorf("exchange response missing email")
	}
	return &id, nil
}
