// ABOUTME: Bidirectional WebSocket relay between a client and the gateway
// ABOUTME: Enforces idle timeout and per-frame size bounds on the inbound leg

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Close codes sent after completing the handshake for requests that must
// not relay any traffic. WebSocket offers no way to refuse with a reason
// before the upgrade, so the handshake is completed only to close.
const (
	CloseUnauthenticated = 4001
	CloseNotOwner        = 4003
	// CloseGatewayDown reuses the standard try-again-later code.
	CloseGatewayDown = websocket.CloseTryAgainLater
)

// authTokenHeader carries the gateway credential on the outbound leg only.
// It is never reflected to the client side.
const authTokenHeader = "X-Auth-Token"

// errIdleTimeout ends the session through the pump group. It must be a
// non-nil error: a nil return would not cancel the group context, the
// watchdog would never close the peer connection, and the outbound pump
// would leak until the gateway hung up.
var errIdleTimeout = errors.New("session idle timeout")

// Relay proxies WebSocket sessions between clients and the gateway.
type Relay struct {
	maxMessageBytes int64
	idleTimeout     time.Duration
	upgrader        websocket.Upgrader
	dialer          *websocket.Dialer
	logger          *slog.Logger
}

func New(maxMessageBytes int64, idleTimeout time.Duration, logger *slog.Logger) *Relay {
	return &Relay{
		maxMessageBytes: maxMessageBytes,
		idleTimeout:     idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the HTTP middleware in front
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With("component", "relay"),
	}
}

// Reject completes the WebSocket handshake and immediately closes with the
// given code. Used for unauthenticated, non-owner, and gateway-down cases.
func (r *Relay) Reject(w http.ResponseWriter, req *http.Request, code int, reason string) error {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return fmt.Errorf("upgrading for rejection: %w", err)
	}
	defer conn.Close()

	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(5 * time.Second)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		return fmt.Errorf("writing close frame: %w", err)
	}
	return nil
}

// Proxy upgrades the inbound request, dials the gateway, and pumps frames
// both ways until either side terminates. The gateway token travels only in
// the outbound handshake header. Proxy returns after both pumps have
// unwound; no goroutine outlives the call.
func (r *Relay) Proxy(w http.ResponseWriter, req *http.Request, gatewayURL, token string) error {
	header := http.Header{}
	if token != "" {
		header.Set(authTokenHeader, token)
	}

	gatewayConn, resp, err := r.dialer.DialContext(req.Context(), gatewayURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		// The client is still in plain HTTP at this point; close with a
		// distinguishing code instead of an HTTP error page.
		if rejErr := r.Reject(w, req, CloseGatewayDown, "gateway unavailable"); rejErr != nil {
			r.logger.Warn("failed to reject after dial failure", "error", rejErr)
		}
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer gatewayConn.Close()

	clientConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return fmt.Errorf("upgrading client connection: %w", err)
	}
	defer clientConn.Close()

	r.run(req.Context(), clientConn, gatewayConn)
	return nil
}

// run executes both pump loops. The first finisher cancels the group
// context; the watchdog closes both connections to unblock the other pump,
// and Wait joins it before returning.
func (r *Relay) run(ctx context.Context, clientConn, gatewayConn *websocket.Conn) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.pumpInbound(clientConn, gatewayConn)
	})
	g.Go(func() error {
		return r.pumpOutbound(gatewayConn, clientConn)
	})
	g.Go(func() error {
		<-ctx.Done()
		clientConn.Close()
		gatewayConn.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errIdleTimeout) && !isExpectedClose(err) {
		r.logger.Debug("relay session ended", "error", err)
	}
}

// pumpInbound forwards client frames to the gateway. The idle budget resets
// on every received frame; frames over the size bound are drained and
// dropped without ending the session.
func (r *Relay) pumpInbound(clientConn, gatewayConn *websocket.Conn) error {
	for {
		if err := clientConn.SetReadDeadline(time.Now().Add(r.idleTimeout)); err != nil {
			return err
		}

		msgType, reader, err := clientConn.NextReader()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.logger.Info("relay session idle timeout")
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout")
				clientConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return errIdleTimeout
			}
			return err
		}

		data, err := io.ReadAll(io.LimitReader(reader, r.maxMessageBytes+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > r.maxMessageBytes {
			// Drain the rest so the connection stays framed correctly
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return err
			}
			r.logger.Warn("dropping oversize inbound frame", "limit_bytes", r.maxMessageBytes)
			continue
		}

		if err := gatewayConn.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}

// pumpOutbound forwards every gateway frame to the client verbatim.
func (r *Relay) pumpOutbound(gatewayConn, clientConn *websocket.Conn) error {
	for {
		msgType, data, err := gatewayConn.ReadMessage()
		if err != nil {
			return err
		}
		if err := clientConn.WriteMessage(msgType, data); err != nil {
			return err
		}
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
