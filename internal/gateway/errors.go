// ABOUTME: Error taxonomy for gateway lifecycle operations
// ABOUTME: Distinguishes authorization, conflict, and start-health failures

package gateway

import "errors"

var (
	// ErrForbidden means the caller is not the owner of the running gateway.
	ErrForbidden = errors.New("forbidden: gateway owned by another user")

	// ErrConflict means a start was attempted while another owner's gateway
	// is running.
	ErrConflict = errors.New("conflict: gateway already running under another owner")

	// ErrStartTimeout means the supervisor accepted the start but the
	// gateway's health endpoint never answered within the bound. Distinct
	// from a supervisor start failure so operators can tell "command failed"
	// from "command accepted but process unhealthy".
	ErrStartTimeout = errors.New("gateway did not become healthy before the start timeout")

	// ErrNotRunning means the operation needs a running gateway.
	ErrNotRunning = errors.New("gateway is not running")
)
