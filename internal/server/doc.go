// ABOUTME: Package documentation for the HTTP control plane server
// ABOUTME: Describes routing, middleware layering, and listener setup

// Package server assembles the HTTP control plane: session auth endpoints,
// gateway lifecycle endpoints, the websocket relay, the owner-only UI proxy,
// and operational endpoints (health, metrics, status checks).
//
// Handlers translate errors from the inner packages into HTTP status codes
// in one place (writeError); the packages themselves never see HTTP. All
// routes sit behind CORS and CSRF middleware, and the server can listen on
// plain TCP, a Tailscale tailnet, or both.
package server
