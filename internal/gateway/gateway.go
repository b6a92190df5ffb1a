// ABOUTME: Gateway orchestrator that wires the chat services behind one HTTP server
// ABOUTME: Manages store, bus, presence, typing, websocket and health endpoint lifecycle

package gateway

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
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/readstate"
	"github.com/2389/coven-chat/internal/realtime"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/typing"
)

// Gateway orchestrates the coven-chat server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	bus         bus.Bus
	tracker     *presence.Tracker
	typing      *typing.Coordinator
	convs       *conversation.Service
	messages    *conversation.MessageGateway
	auth        *auth.Authenticator
	realtime    *realtime.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the store selected by database.driver. COVEN_DB_PATH
// overrides the sqlite path.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	}
}

func initBus(cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	if cfg.Bus.Backend == config.BackendNATS {
		b, err := bus.NewNATSBus(cfg.Bus.NATSURL, cfg.Bus.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return b, nil
	}
	return bus.NewLocalBus(logger), nil
}

func initRegistry(cfg *config.Config, logger *slog.Logger) (presence.Registry, error) {
	if cfg.Presence.Backend == config.BackendRedis {
		r, err := presence.NewRedisRegistry(cfg.Presence.RedisURL, cfg.Presence.RedisKey, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return r, nil
	}
	return presence.NewLocalRegistry(), nil
}

// New creates a gateway from configuration. The returned gateway owns every
// backend it opened; call Shutdown (or Run) to release them.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	b, err := initBus(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	registry, err := initRegistry(cfg, logger)
	if err != nil {
		_ = b.Close()
		_ = s.Close()
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		_ = registry.Close()
		_ = b.Close()
		_ = s.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	tracker := presence.NewTracker(registry, b, logger)
	typingCoord := typing.NewCoordinator(b, cfg.Typing.Timeout, logger)
	convs := conversation.New(s, logger)
	messages := conversation.NewMessageGateway(s, b, readstate.NewManager(s, logger), conversation.GatewayOptions{
		MaxContentLength: cfg.Messages.MaxContentLength,
		DefaultPageSize:  cfg.Messages.DefaultPageSize,
		MaxPageSize:      cfg.Messages.MaxPageSize,
		Typing:           typingCoord,
	}, logger)

	gw := &Gateway{
		config:   cfg,
		store:    s,
		bus:      b,
		tracker:  tracker,
		typing:   typingCoord,
		convs:    convs,
		messages: messages,
		auth:     auth.NewAuthenticator(verifier, convs, logger),
		logger:   logger.With("component", "gateway"),
	}

	gw.realtime = realtime.NewHandler(realtime.Deps{
		Conversations: convs,
		Messages:      messages,
		Presence:      tracker,
		Typing:        typingCoord,
		Bus:           b,
	}, realtime.Options{
		SendBuffer:    cfg.Realtime.SendBuffer,
		MaxFrameBytes: cfg.Realtime.MaxFrameBytes,
		WriteWait:     cfg.Realtime.WriteWait,
		PongWait:      cfg.Realtime.PongWait,
		PingPeriod:    cfg.Realtime.PingPeriod,
	}, logger)

	gw.httpServer = &http.Server{
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"database", cfg.Database.Driver,
		"bus", cfg.Bus.Backend,
		"presence", cfg.Presence.Backend,
	)
	return gw, nil
}

// routes builds the HTTP mux. Health endpoints are public; everything else
// requires a bearer token (or ?token= for the websocket handshake).
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	authMiddleware := auth.HTTPAuthMiddleware(g.auth)
	mux.Handle("GET /ws", authMiddleware(g.realtime))
	mux.Handle("POST /api/conversations", authMiddleware(http.HandlerFunc(g.handleCreateConversation)))
	mux.Handle("GET /api/conversations", authMiddleware(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("GET /api/conversations/{id}/messages", authMiddleware(http.HandlerFunc(g.handleGetMessages)))
	mux.Handle("POST /api/conversations/{id}/messages", authMiddleware(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("POST /api/conversations/{id}/read", authMiddleware(http.HandlerFunc(g.handleMarkAsRead)))
	mux.Handle("GET /api/presence", authMiddleware(http.HandlerFunc(g.handlePresence)))
	return mux
}

// Handler exposes the gateway's HTTP routes, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or the error that stopped the server.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "coven-chat", "tailscale"), nil
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

// setupTailscaleListener joins the tailnet with tsnet and listens for HTTP there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

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

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes live websockets so their
// presence and typing state is released, then closes the backends.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "websocket shutdown", g.realtime.Shutdown(ctx))

	g.typing.Close()
	errs = appendCloseError(errs, "presence close", g.tracker.Close(ctx))
	errs = appendCloseError(errs, "bus close", g.bus.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.realtime.ConnectionCount())
}
