// ABOUTME: Control-plane server wiring store, auth, lifecycle manager, and relay
// ABOUTME: Serves over a TCP listener or a tailscale (tsnet) node

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/clawhost/internal/auth"
	"github.com/2389/clawhost/internal/config"
	"github.com/2389/clawhost/internal/gateway"
	"github.com/2389/clawhost/internal/gatewayenv"
	"github.com/2389/clawhost/internal/lock"
	"github.com/2389/clawhost/internal/ratelimit"
	"github.com/2389/clawhost/internal/relay"
	"github.com/2389/clawhost/internal/store"
	"github.com/2389/clawhost/internal/supervisor"
	"github.com/2389/clawhost/internal/watcher"
)

// Server orchestrates the control-plane components.
type Server struct {
	config  *config.Config
	store   store.Store
	authSvc *auth.Service
	lock    *lock.InstanceLock
	manager *gateway.Manager
	relay   *relay.Relay
	watch   *watcher.Watcher
	uiProxy *httputil.ReverseProxy

	authGate  *ratelimit.Gate
	startGate *ratelimit.Gate
	metrics   *metrics

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	stopWatcher context.CancelFunc
}

// initStore creates the store, honoring the CLAWHOST_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CLAWHOST_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	il := lock.New(st, logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("JWT bearer auth enabled")
	} else {
		logger.Info("JWT bearer auth disabled - no jwt_secret configured")
	}

	exchanger := auth.NewHTTPExchanger(cfg.Auth.ExchangeURL)
	authSvc := auth.NewService(st, exchanger, il, verifier, cfg.Auth.SessionDuration, logger)

	ctl, err := supervisor.New(cfg.Gateway.Program, logger)
	if err != nil {
		return nil, err
	}

	env := gatewayenv.New(cfg.Gateway.ConfigDir)
	cfgFile := gateway.NewConfigFile(cfg.Gateway.ConfigDir, cfg.Gateway.Port, cfg.Gateway.WorkspaceDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/", cfg.Gateway.Port)
	manager := gateway.NewManager(st, ctl, env, cfgFile, il, healthURL, cfg.Gateway.StartTimeout, logger)

	s := &Server{
		config:    cfg,
		store:     st,
		authSvc:   authSvc,
		lock:      il,
		manager:   manager,
		relay:     relay.New(cfg.Relay.MaxMessageBytes, cfg.Relay.IdleTimeout, logger),
		uiProxy:   newUIProxy(cfg.Gateway.Port),
		authGate:  ratelimit.New(cfg.RateLimit.Auth.MaxRequests, time.Duration(cfg.RateLimit.Auth.WindowSeconds)*time.Second),
		startGate: ratelimit.New(cfg.RateLimit.Start.MaxRequests, time.Duration(cfg.RateLimit.Start.WindowSeconds)*time.Second),
		metrics:   newMetrics(),
		logger:    logger.With("component", "server"),
	}

	if cfg.Watcher.Enabled {
		s.watch = watcher.New(cfg.Watcher.CredsPath, cfg.Watcher.Interval, ctl, logger)
	}

	logCORSPolicy(cfg.CORS.Origins, s.logger)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func identityOf(u *store.User) lock.Identity {
	return lock.Identity{UserID: u.ID, Email: u.Email, Name: u.Name}
}

// routes builds the full handler chain. Every route goes through CORS and
// CSRF; auth and rate gates are applied per route.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	requireAuth := auth.RequireAuth(s.authSvc)
	optionalAuth := auth.OptionalAuth(s.authSvc)

	handle := func(pattern, route string, h http.Handler) {
		mux.Handle(pattern, s.metrics.instrument(route, h))
	}

	handle("GET /api/{$}", "/api", http.HandlerFunc(s.handleRoot))
	handle("GET /api/auth/instance", "/api/auth/instance", http.HandlerFunc(s.handleInstance))
	handle("POST /api/auth/session", "/api/auth/session",
		s.rateGate("auth", s.authGate)(http.HandlerFunc(s.handleLogin)))
	handle("GET /api/auth/me", "/api/auth/me", requireAuth(http.HandlerFunc(s.handleMe)))
	handle("POST /api/auth/logout", "/api/auth/logout", requireAuth(http.HandlerFunc(s.handleLogout)))

	handle("POST /api/gateway/start", "/api/gateway/start",
		requireAuth(s.rateGate("start", s.startGate)(http.HandlerFunc(s.handleGatewayStart))))
	handle("POST /api/gateway/stop", "/api/gateway/stop", requireAuth(http.HandlerFunc(s.handleGatewayStop)))
	handle("GET /api/gateway/status", "/api/gateway/status", optionalAuth(http.HandlerFunc(s.handleGatewayStatus)))
	handle("GET /api/gateway/token", "/api/gateway/token", requireAuth(http.HandlerFunc(s.handleGatewayToken)))
	handle("GET /api/gateway/messaging/status", "/api/gateway/messaging/status",
		requireAuth(http.HandlerFunc(s.handleMessagingStatus)))
	mux.Handle("/api/gateway/ui/{path...}", requireAuth(http.HandlerFunc(s.handleUIProxy)))

	// Hijacked connections skip the instrumentation wrapper
	mux.HandleFunc("GET /api/gateway/ws", s.handleRelay)

	handle("POST /api/status", "/api/status", http.HandlerFunc(s.handleCreateStatusCheck))
	handle("GET /api/status", "/api/status", http.HandlerFunc(s.handleListStatusChecks))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.handler())
	}

	return s.cors(s.csrf(mux))
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.lock.IsLocked(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Run starts the server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	// Reconcile the gateway with persisted desired state before serving
	s.manager.Recover(ctx)

	if s.watch != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		s.stopWatcher = cancel
		go s.watch.Run(watchCtx)
	}

	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the original is already
// canceled by the time shutdown begins.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server, the watcher, and closes the store. The
// gateway itself is left to the supervisor: a control-plane restart must
// not take down a healthy gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	if s.stopWatcher != nil {
		s.stopWatcher()
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the listener based on configuration.
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "clawhost", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and returns its listener.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.setupTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (s *Server) setupTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
