// Package auth implements login and session handling.
//
// Logins start from an opaque OAuth session ID which is exchanged with an
// external endpoint for a verified identity. The first user to log in
// permanently claims the instance; everyone else is rejected.
//
// Requests authenticate with the session_token cookie or an Authorization
// bearer. A bearer is first treated as an opaque session token, then, when
// a JWT secret is configured, as an HS256-signed JWT whose sub claim is the
// user ID.
package auth
