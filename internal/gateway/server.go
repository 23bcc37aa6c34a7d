package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dorkalev/forge-control/internal/autopilot"
	"github.com/dorkalev/forge-control/internal/journal"
	"github.com/dorkalev/forge-control/internal/logging"
	"github.com/dorkalev/forge-control/internal/worktree"
)

// Autopilot is the controller surface the gateway exposes.
type Autopilot interface {
	Start() error
	Stop(ctx context.Context) error
	Status(ctx context.Context) autopilot.Status
	TriggerPoll() error
	SetMaxParallel(n int) error
	SetPollInterval(seconds int) error
}

// Worktrees provisions and decommissions workspaces on request.
type Worktrees interface {
	Create(ctx context.Context, branch string) (*worktree.ProvisionResult, error)
	Cleanup(ctx context.Context, req worktree.CleanupRequest) (*worktree.CleanupOutcome, error)
}

// History reads and appends the activity journal.
type History interface {
	History(ctx context.Context, limit int) ([]journal.Event, error)
	RecordCleanup(ctx context.Context, e journal.CleanupEntry) error
}

// CleanupObserver is told about every cleanup outcome, including refusals.
type CleanupObserver interface {
	CleanupFinished(identifier string, out *worktree.CleanupOutcome)
}

// Server is the HTTP control surface for a running forge process. It serves
// the REST API, the /ws status stream, and /metrics. Server is safe for
// concurrent use.
type Server struct {
	config     *Config
	authConfig *AuthConfig
	autopilot  Autopilot
	worktrees  Worktrees
	history    History
	observer   CleanupObserver
	clients    *ClientRegistry
	metrics    *counters
	upgrader   websocket.Upgrader
	server     *http.Server
	log        *slog.Logger

	statusInterval time.Duration
	closing        chan struct{}
	closeOnce      sync.Once

	mu      sync.RWMutex
	running bool
}

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
	// Auth protects /api/v1/*. Nil leaves the API open.
	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// DefaultConfig binds to loopback on port 7433.
func DefaultConfig() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 7433,
		Auth: &AuthConfig{Type: AuthTypeLocal},
	}
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithAuthConfig overrides the authentication configuration from Config.
func WithAuthConfig(auth *AuthConfig) ServerOption {
	return func(s *Server) {
		s.authConfig = auth
	}
}

// WithWorktrees enables the /api/v1/worktrees endpoints.
func WithWorktrees(w Worktrees) ServerOption {
	return func(s *Server) {
		s.worktrees = w
	}
}

// WithHistory enables /api/v1/history and journals cleanup outcomes.
func WithHistory(h History) ServerOption {
	return func(s *Server) {
		s.history = h
	}
}

// WithCleanupObserver reports cleanup outcomes to o.
func WithCleanupObserver(o CleanupObserver) ServerOption {
	return func(s *Server) {
		s.observer = o
	}
}

// WithStatusInterval sets how often /ws pushes status.
func WithStatusInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.statusInterval = d
		}
	}
}

// NewServer creates a new gateway server with the given configuration.
// The server is not started until Start is called.
func NewServer(config *Config, ap Autopilot, opts ...ServerOption) *Server {
	s := &Server{
		config:         config,
		authConfig:     config.Auth,
		autopilot:      ap,
		clients:        NewClientRegistry(),
		metrics:        &counters{},
		log:            logging.WithComponent("gateway"),
		statusInterval: DefaultStatusInterval,
		closing:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Allow requests with no origin (same-origin, CLI tools, etc.)
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/autopilot", s.handleStatus)
	api.HandleFunc("POST /api/v1/autopilot/start", s.handleStart)
	api.HandleFunc("POST /api/v1/autopilot/stop", s.handleStop)
	api.HandleFunc("POST /api/v1/autopilot/poll", s.handlePoll)
	api.HandleFunc("PUT /api/v1/autopilot/max-parallel", s.handleSetMaxParallel)
	api.HandleFunc("PUT /api/v1/autopilot/poll-interval", s.handleSetPollInterval)
	api.HandleFunc("POST /api/v1/worktrees", s.handleCreateWorktree)
	api.HandleFunc("POST /api/v1/worktrees/cleanup", s.handleCleanupWorktree)
	api.HandleFunc("GET /api/v1/history", s.handleHistory)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws", s.handleStatusWebSocket)

	if s.authConfig != nil {
		mux.Handle("/api/v1/", NewAuthenticator(s.authConfig).Middleware(api))
	} else {
		// No auth configured - allow unrestricted access (development mode)
		mux.Handle("/api/v1/", api)
	}
	return mux
}

// Start starts the gateway server and blocks until the context is cancelled
// or an error occurs. Returns an error if the server fails to start or is
// already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 30-second timeout.
// Status streams are closed first.
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	s.clients.CloseAll()
	return s.server.Shutdown(ctx)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
