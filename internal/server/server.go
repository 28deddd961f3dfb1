// Package server wires the proxy's components together and runs the HTTP
// listener: the consent-gated MCP endpoint, the OAuth callback, the
// administrative surface, and the health probes.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/txn2/mcp-consent-proxy/pkg/admin"
	"github.com/txn2/mcp-consent-proxy/pkg/audit"
	auditpg "github.com/txn2/mcp-consent-proxy/pkg/audit/postgres"
	"github.com/txn2/mcp-consent-proxy/pkg/authserver"
	"github.com/txn2/mcp-consent-proxy/pkg/authz"
	"github.com/txn2/mcp-consent-proxy/pkg/consent"
	"github.com/txn2/mcp-consent-proxy/pkg/database/migrate"
	"github.com/txn2/mcp-consent-proxy/pkg/grants"
	"github.com/txn2/mcp-consent-proxy/pkg/health"
	"github.com/txn2/mcp-consent-proxy/pkg/policy"
	"github.com/txn2/mcp-consent-proxy/pkg/proxy"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
	sessionpg "github.com/txn2/mcp-consent-proxy/pkg/session/postgres"
)

// Version is the proxy release version.
const Version = "1.0.0"

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	cleanupInterval   = time.Hour
)

// Server is the assembled proxy process.
type Server struct {
	cfg        *Config
	store      session.Store
	resolver   *authz.Resolver
	authClient *authserver.Client
	auditor    audit.Logger
	checker    *health.Checker
	httpServer *http.Server
	db         *sql.DB

	// startSweep defers sweep startup to Start so New stays side-effect
	// free for tests.
	startSweep func()
}

// New assembles a Server from configuration. It opens the database when
// the postgres backend is selected and runs pending migrations.
func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		checker: health.NewChecker(),
	}

	if cfg.Storage.Backend == BackendPostgres {
		db, err := sql.Open("postgres", cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		s.db = db
		s.checker.AddCheck("database", db.PingContext)

		pgStore := sessionpg.New(db, cfg.Session.MaxAge)
		s.store = pgStore
		s.startSweep = func() { pgStore.StartSweep(cfg.Session.SweepInterval) }
	} else {
		memStore := session.NewMemoryStore(cfg.Session.MaxAge)
		s.store = memStore
		s.startSweep = func() { memStore.StartSweep(cfg.Session.SweepInterval) }
	}

	grantClient := grants.NewClient(grants.ClientConfig{BaseURL: cfg.Grants.APIURL})
	s.resolver = authz.NewResolver(grantClient)

	s.authClient = authserver.NewClient(authserver.ClientConfig{
		BaseURL:  cfg.AuthServer.URL,
		ClientID: cfg.AuthServer.ClientID,
	})

	lookup := policy.NewLookup(append(policy.DefaultGroups(), cfg.Policy.Groups...))
	orchestrator := consent.NewOrchestrator(consent.Config{
		ClientID:      cfg.AuthServer.ClientID,
		RedirectURI:   cfg.AuthServer.RedirectURI,
		DownstreamURL: cfg.Downstream.URL,
		Transport:     cfg.Downstream.Transport,
	}, s.authClient, lookup)

	s.auditor = s.newAuditor()

	mcpProxy := proxy.New(cfg.Downstream.URL, s.store, s.resolver, orchestrator, s.auditor)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.routes(mcpProxy),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

func (s *Server) newAuditor() audit.Logger {
	if !s.cfg.Audit.Enabled {
		return nil
	}
	if s.db != nil {
		store := auditpg.New(s.db, auditpg.Config{RetentionDays: s.cfg.Audit.RetentionDays})
		store.StartCleanupRoutine(cleanupInterval)
		return store
	}
	return audit.NewSlogLogger(0)
}

func (s *Server) routes(mcpProxy *proxy.Proxy) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /mcp", mcpProxy)
	mux.HandleFunc("GET /callback", s.handleCallback)

	adminHandler := admin.NewHandler(s.store, s.resolver, s.auditor, admin.ConfigEcho{
		DownstreamURL: s.cfg.Downstream.URL,
		AuthServerURL: s.cfg.AuthServer.URL,
		GrantAPIURL:   s.cfg.Grants.APIURL,
	}, s.cfg.Server.Version, s.adminMiddleware())

	mux.Handle("GET /health", adminHandler)
	mux.Handle("GET /session", adminHandler)
	mux.Handle("GET /audit", adminHandler)
	mux.Handle("POST /revoke", adminHandler)
	mux.Handle("DELETE /revoke", adminHandler)

	mux.HandleFunc("GET /healthz", s.checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.checker.ReadinessHandler())

	return mux
}

func (s *Server) adminMiddleware() func(http.Handler) http.Handler {
	if s.cfg.Server.AdminAPIKey == "" {
		return nil
	}
	return admin.RequireAPIKey(&admin.APIKeyAuthenticator{Key: s.cfg.Server.AdminAPIKey})
}

// Start runs the HTTP listener until ctx is cancelled, then drains and
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.startSweep()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening",
			"name", s.cfg.Server.Name,
			"version", s.cfg.Server.Version,
			"address", s.cfg.Server.Address,
			"downstream", s.cfg.Downstream.URL)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.checker.SetReady()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.checker.SetDraining()
	slog.Info("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server: shutdown failed", "error", err)
	}

	return s.Close()
}

// Close releases the server's resources.
func (s *Server) Close() error {
	if s.auditor != nil {
		_ = s.auditor.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
