// ABOUTME: Relay server lifecycle - listeners, websocket accept, shutdown
// ABOUTME: Serves /ws plus health endpoints over TCP or a tailscale node

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/parley-relay/internal/auth"
	"github.com/2389/parley-relay/internal/backend"
	"github.com/2389/parley-relay/internal/config"
	"github.com/2389/parley-relay/internal/conversation"
	"github.com/2389/parley-relay/internal/registry"
	"github.com/2389/parley-relay/internal/streaming"
)

// Server wires the relay's components together and owns their lifecycle.
type Server struct {
	config      *config.Config
	logger      *slog.Logger
	registry    *registry.Registry
	store       *conversation.Store
	broadcaster *conversation.Broadcaster
	aggregator  *streaming.Aggregator
	router      *Router
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// baseCtx bounds assistant calls and room subscriptions; cancelled on
	// shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// newVerifier selects the identity verifier from config. JWT mode is the
// production path; insecure mode trusts the client-supplied user id and must
// be selected explicitly.
func newVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	switch cfg.Auth.Mode {
	case "jwt":
		logger.Info("JWT authentication enabled")
		return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), nil
	case "insecure":
		logger.Warn("insecure auth mode - client-supplied identities are trusted")
		return auth.Insecure(), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// New creates a Server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := backend.NewHTTPClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout, logger)
	reg := registry.New(client, logger)
	store := conversation.NewStore(logger)
	broadcaster := conversation.NewBroadcaster(logger)
	aggregator := streaming.New(streaming.Config{
		MaxSessions:   cfg.Streaming.MaxSessions,
		IdleTimeout:   cfg.Streaming.IdleTimeout,
		SweepInterval: cfg.Streaming.SweepInterval,
		MaxAge:        cfg.Streaming.MaxAge,
	}, EvictionNotifier(broadcaster, logger), logger)

	baseCtx, cancelBase := context.WithCancel(context.Background())

	s := &Server{
		config:      cfg,
		logger:      logger.With("component", "relay"),
		registry:    reg,
		store:       store,
		broadcaster: broadcaster,
		aggregator:  aggregator,
		baseCtx:     baseCtx,
		cancelBase:  cancelBase,
	}

	s.router = NewRouter(RouterConfig{
		Registry:    reg,
		Store:       store,
		Broadcaster: broadcaster,
		Aggregator:  aggregator,
		Backend:     client,
		Verifier:    verifier,
		PageSize:    cfg.Conversations.PageSize,
		BaseContext: baseCtx,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Registry exposes the assistant catalog, used by the CLI health command.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// handleWS upgrades the connection and runs its read loop until disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}

	conn := newConn(sock, s.logger)
	s.router.HandleConn(r.Context(), conn)
	_ = sock.Close(websocket.StatusNormalClosure, "")
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the assistant catalog has been fetched.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	n := s.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no assistants in catalog"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d assistants)", n)
}

// Run starts the relay and blocks until the context is cancelled or the
// server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	go s.registry.Run(s.baseCtx, s.config.Registry.RefreshInterval, s.config.Registry.HealthInterval)

	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
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

// gracefulShutdown uses a fresh context since the run context is already
// cancelled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP surface, the assistant calls in flight, and every
// component's background work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.cancelBase()
	s.aggregator.Close()
	s.broadcaster.Close()

	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the serving listener: tailscale when enabled,
// plain TCP otherwise.
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
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "parley-relay", "tailscale"), nil
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

// setupTailscaleListener brings up the tsnet node and returns the HTTP
// listener per the funnel/https configuration.
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

	s.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname,
		"state_dir", stateDir,
		"ephemeral", tsCfg.Ephemeral)
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

// setupTailscaleTLSListener wraps the :443 listener with Tailscale's
// auto-provisioned certs.
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
	s.logger.Info("tailscale node ready",
		"hostname", hostname,
		"tailscale_ip", tsAddr,
		"dns_name", dnsName)
}
