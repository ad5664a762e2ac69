// Package relay proxies WebSocket traffic between clients and the gateway.
//
// Each session runs two pump loops. The inbound loop enforces an idle
// budget that resets on every received frame and drops frames over the
// configured size bound without ending the session. The outbound loop
// forwards gateway frames verbatim. Whichever loop finishes first cancels
// the other, and the session does not return until both have unwound.
//
// Requests that must not relay traffic still complete the WebSocket
// handshake, then close immediately with a distinguishing code: 4001 for
// unauthenticated callers, 4003 for non-owners, and 1013 when the gateway
// is down.
package relay
