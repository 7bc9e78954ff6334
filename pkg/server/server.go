// Package server hosts the JSON/HTTP + WebSocket API for test runs,
// flows, and browser sessions.
package server

import (
	"context"
	stdliberrors "errors"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/testpilot/pkg/cloud"
	"github.com/odvcencio/testpilot/pkg/storage"
	"github.com/odvcencio/testpilot/pkg/telemetry"
)

// RunOrchestrator drives test run creation and execution.
type RunOrchestrator interface {
	CreateRun(ctx context.Context, principal, name, prompt, targetURL string) (*storage.TestRun, error)
	ExecuteRun(ctx context.Context, runID string) error
}

// CloudProxy exposes the browser automation cloud to the direct proxy
// endpoints.
type CloudProxy interface {
	CreateTask(ctx context.Context, task string) (*cloud.TaskResponse, error)
	GetTask(ctx context.Context, taskID string) (*cloud.TaskDetail, error)
	Watch(ctx context.Context, taskID string) <-chan cloud.WatchUpdate
	Available() bool
}

// Config controls the API server behavior.
type Config struct {
	BindAddress    string
	AllowedOrigins []string
	AuthToken      string
	RequireToken   bool
	PublicMetrics  bool
	Version        string
}

// Server hosts the HTTP API over a storage backend and orchestrator.
type Server struct {
	cfg         Config
	store       *storage.Store
	orch        RunOrchestrator
	cloudClient CloudProxy
	telemetry   *telemetry.Hub
	hub         *Hub
	logger      *log.Logger
	mutLimiter  *rateLimiter
	httpServer  *http.Server
}

// NewServer constructs a server bound to the provided store.
func NewServer(cfg Config, store *storage.Store, orch RunOrchestrator, cloudClient CloudProxy, telemetryHub *telemetry.Hub) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:4590"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}

	s := &Server{
		cfg:         cfg,
		store:       store,
		orch:        orch,
		cloudClient: cloudClient,
		telemetry:   telemetryHub,
		hub:         NewHub(),
		logger:      log.New(os.Stdout, "[server] ", log.LstdFlags),
		mutLimiter:  newRateLimiter(250 * time.Millisecond),
	}

	if store != nil {
		store.AddObserver(storage.ObserverFunc(s.onStorageEvent))
	}
	return s
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}

	// Wrap the router with an H2C handler so WebSocket upgrades survive
	// reverse proxies that strip HTTP/1.1 upgrade headers.
	h2s := &http2.Server{}
	h2cHandler := h2c.NewHandler(s.Handler(), h2s)

	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	if s.telemetry != nil {
		ch, cancel := s.telemetry.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-ch:
					if !ok {
						return
					}
					s.broadcastTelemetry(event)
				}
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Printf("serving API on %s", s.cfg.BindAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Handler builds the route tree without binding a listener.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Get("/ws/events", s.handleEvents)
	api := chi.NewRouter()
	api.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Delete("/{runID}", s.handleDeleteRun)
		r.Post("/{runID}/execute", s.handleExecuteRun)
		r.Get("/{runID}/stats", s.handleRunStats)
		r.Post("/{runID}/flows", s.handleCreateFlows)
		r.Get("/{runID}/flows", s.handleListFlows)
		r.Post("/{runID}/flows/approve", s.handleApproveFlows)
		r.Post("/{runID}/flows/reorder", s.handleReorderFlows)
	})
	api.Route("/flows", func(r chi.Router) {
		r.Patch("/{flowID}/status", s.handleUpdateFlowStatus)
		r.Delete("/{flowID}", s.handleDeleteFlow)
	})
	api.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/audit", s.handleSessionAudit)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Patch("/{sessionID}", s.handleUpdateSession)
		r.Delete("/{sessionID}", s.handleDeleteSession)
		r.Get("/{sessionID}/events", s.handleSessionEvents)
		r.Post("/{sessionID}/events", s.handleLogSessionEvent)
		r.Get("/{sessionID}/steps", s.handleSessionSteps)
	})
	api.Route("/browser-cloud", func(r chi.Router) {
		r.Post("/create-task", s.handleCloudCreateTask)
		r.Get("/task/{taskID}", s.handleCloudGetTask)
		r.Get("/task/{taskID}/stream", s.handleCloudTaskStream)
	})
	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Mount("/", api)
	})
	return router
}

func (s *Server) validateStartupConfig() error {
	if !isLoopbackBindAddress(s.cfg.BindAddress) {
		if !s.cfg.RequireToken || strings.TrimSpace(s.cfg.AuthToken) == "" {
			return errBindWithoutAuth(s.cfg.BindAddress)
		}
	}
	return nil
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil && s.store.DB() != nil {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, stdliberrors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// onStorageEvent mirrors storage mutations onto the WebSocket hub.
func (s *Server) onStorageEvent(event storage.Event) {
	s.hub.Broadcast(Event{
		Type:      string(event.Type),
		RunID:     event.RunID,
		EntityID:  event.EntityID,
		Payload:   event.Data,
		Timestamp: event.Timestamp,
	})
}

// broadcastTelemetry forwards orchestrator progress events to WS clients.
func (s *Server) broadcastTelemetry(event telemetry.Event) {
	s.hub.Broadcast(Event{
		Type:      string(event.Type),
		RunID:     event.RunID,
		SessionID: event.SessionID,
		Payload:   event.Data,
		Timestamp: event.Timestamp,
	})
}
