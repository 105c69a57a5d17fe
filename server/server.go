// Package server is the HTTP/WebSocket boundary of the fleet: REST
// endpoints for configuration and worker control, and a status
// WebSocket that streams fleet snapshots to dashboards.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/ratelimit"
	"github.com/mindhive/annotad/store"
	"github.com/mindhive/annotad/supervisor"
	"github.com/mindhive/annotad/watchdog"
)

// DefaultAddr is where the façade listens unless configured otherwise.
const DefaultAddr = ":8766"

// snapshotInterval paces status pushes to WebSocket clients.
const snapshotInterval = 2 * time.Second

// Options wires a Server.
type Options struct {
	Store   *store.Store
	Manager *supervisor.Manager
	Dog     *watchdog.Watchdog
	Limiter *ratelimit.Limiter
	// Settings returns the live configuration; ApplySettings persists
	// and activates a replacement (PUT /api/config).
	Settings      func() *config.Settings
	ApplySettings func(*config.Settings) error
	Addr          string
	Logger        *zap.SugaredLogger
}

// Server serves the fleet API.
type Server struct {
	store         *store.Store
	manager       *supervisor.Manager
	dog           *watchdog.Watchdog
	limiter       *ratelimit.Limiter
	settings      func() *config.Settings
	applySettings func(*config.Settings) error
	logger        *zap.SugaredLogger

	mux  *http.ServeMux
	http *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[*client]bool
}

// New builds a Server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Manager == nil || opts.Settings == nil {
		return nil, errors.New("server requires store, manager and settings")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:         opts.Store,
		manager:       opts.Manager,
		dog:           opts.Dog,
		limiter:       opts.Limiter,
		settings:      opts.Settings,
		applySettings: opts.ApplySettings,
		logger:        opts.Logger,
		mux:           http.NewServeMux(),
		ctx:           ctx,
		cancel:        cancel,
		clients:       make(map[*client]bool),
	}
	s.http = &http.Server{Addr: opts.Addr, Handler: s.mux}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handlePutConfig)

	s.mux.HandleFunc("GET /api/workers", s.handleAllWorkers)
	s.mux.HandleFunc("GET /api/workers/{annotator}/{domain}", s.handleWorkerStatus)
	s.mux.HandleFunc("POST /api/workers/{annotator}/{domain}/{action}", s.handleWorkerAction)
	s.mux.HandleFunc("POST /api/workers/start-all", s.handleStartAll)
	s.mux.HandleFunc("POST /api/workers/stop-all", s.handleStopAll)

	s.mux.HandleFunc("GET /api/overview", s.handleOverview)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/ratelimits", s.handleRateLimits)

	s.mux.HandleFunc("POST /api/reset", s.handleFactoryReset)

	s.mux.HandleFunc("GET /api/blacklist", s.handleBlacklist)
	s.mux.HandleFunc("POST /api/blacklist/{annotator}/{domain}", s.handleBlacklistAdd)
	s.mux.HandleFunc("DELETE /api/blacklist/{annotator}/{domain}", s.handleBlacklistRemove)
	s.mux.HandleFunc("DELETE /api/blacklist", s.handleBlacklistReset)

	s.mux.HandleFunc("/ws/status", s.handleStatusWS)
}

// Handler exposes the route table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens in the background until Shutdown.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting connections, closes WebSocket clients, and
// waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	return errors.Wrap(err, "http shutdown")
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
