// ABOUTME: Gateway orchestrator that wires the upstream client, tool registry,
// ABOUTME: and protocol server together and manages the HTTP listener lifecycle

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
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/cardbox/cardbox-gateway/internal/audit"
	"github.com/cardbox/cardbox-gateway/internal/auth"
	"github.com/cardbox/cardbox-gateway/internal/config"
	"github.com/cardbox/cardbox-gateway/internal/mcp"
	"github.com/cardbox/cardbox-gateway/internal/tools"
	"github.com/cardbox/cardbox-gateway/internal/upstream"
)

// Gateway orchestrates the cardbox-gateway server components. It owns the
// upstream credential chain, the protocol server, and the HTTP listener.
type Gateway struct {
	config      *config.Config
	credentials *auth.CredentialStore
	upstream    *upstream.Client
	registry    *tools.Registry
	mcpServer   *mcp.Server
	auditStore  *audit.Store
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	keys := auth.NewKeySetCache(cfg.Upstream.BaseURL, cfg.Upstream.JWKSTTL, logger)

	creds := auth.NewCredentialStore(cfg.Upstream.BaseURL, cfg.Upstream.Issuer, auth.Credentials{
		Username: cfg.Upstream.Credentials.Username,
		Password: cfg.Upstream.Credentials.Password,
		Role:     cfg.Upstream.Credentials.Role,
		APIKey:   cfg.Upstream.Credentials.APIKey,
	}, keys, logger)

	client := upstream.New(cfg.Upstream.BaseURL, creds, logger)

	registry := tools.NewRegistry()
	if err := tools.RegisterCardTools(registry, client); err != nil {
		return nil, fmt.Errorf("registering card tools: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		credentials: creds,
		upstream:    client,
		registry:    registry,
		logger:      logger.With("component", "gateway"),
	}

	var auditor mcp.Auditor
	if cfg.Audit.Enabled {
		store, err := audit.NewStore(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing audit store: %w", err)
		}
		gw.auditStore = store
		auditor = store
	}

	serverName := cfg.Server.Name
	if serverName == "" {
		serverName = "cardbox-gateway"
	}

	dispatcher := mcp.NewDispatcher(registry, serverName, cfg.Server.Version, logger)
	mcpServer, err := mcp.NewServer(mcp.Config{
		Handler:           dispatcher,
		Logger:            logger,
		AllowedHosts:      cfg.Server.AllowedHosts,
		ServerName:        serverName,
		ServerVersion:     cfg.Server.Version,
		ToolCount:         registry.Count(),
		KeepAliveInterval: cfg.Sessions.KeepAliveInterval,
		SessionTTL:        cfg.Sessions.TTL,
		Auditor:           auditor,
	})
	if err != nil {
		if gw.auditStore != nil {
			_ = gw.auditStore.Close()
		}
		return nil, fmt.Errorf("creating protocol server: %w", err)
	}
	gw.mcpServer = mcpServer

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mcpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	// Prime the upstream token so credential problems surface at startup,
	// not on the first tool call.
	if _, err := g.credentials.Token(ctx); err != nil {
		g.logger.Warn("upstream authentication not yet available", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.mcpServer.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if g.auditStore != nil {
		if err := g.auditStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit store close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
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
	return filepath.Join(homeDir, ".local", "share", "cardbox-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
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
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener from the configured cert pair.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with configured certs on :443", "cert_file", tsCfg.CertFile)
	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}
