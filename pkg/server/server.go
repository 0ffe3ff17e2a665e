package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aeolun/chatcast/pkg/database"
	"github.com/aeolun/chatcast/pkg/i18n"
	"github.com/gorilla/websocket"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
)

// shutdownGrace bounds how long Stop waits for HTTP handlers and open
// connections to finish.
const shutdownGrace = 5 * time.Second

// Server is the chat broadcast server: one HTTP listener carrying the
// WebSocket endpoint and the REST API.
type Server struct {
	config ServerConfig

	db      *database.DB // nil when persistence is disabled
	history HistoryStore
	catalog *i18n.Catalog

	registry    *Registry
	broadcaster *Broadcaster
	controller  *Controller
	metrics     *Metrics
	upgrader    websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server
	startTime  time.Time
	shutdown   chan struct{}
	wg         sync.WaitGroup

	// connWG tracks serveConn goroutines; stopping refuses new ones.
	connMu   sync.Mutex
	connWG   sync.WaitGroup
	stopping bool
	stopOnce sync.Once
	stopErr  error
}

// NewServer validates config, opens the database (unless DatabasePath is
// empty) and wires the broadcast core.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	catalog, err := i18n.Load(config.DefaultLocale)
	if err != nil {
		return nil, fmt.Errorf("failed to load locales: %w", err)
	}

	s := &Server{
		config:    config,
		catalog:   catalog,
		registry:  NewRegistry(),
		metrics:   NewMetrics(),
		upgrader:  newUpgrader(config.AllowedOrigins),
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
	s.broadcaster = NewBroadcaster(s.registry, s.metrics)

	// Leave store nil rather than a typed-nil *database.DB.
	var store MessageStore
	if config.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db
		s.history = db
		store = db
	}

	s.controller = NewController(
		s.registry,
		s.broadcaster,
		store,
		catalog.Localizer(catalog.Default()),
		s.metrics,
		ControllerConfig{
			StoreTimeout:         config.StoreTimeout,
			RelayClientUserCount: config.RelayClientUserCount,
		},
	)

	return s, nil
}

// EnableDebugLogging sends debug output to stderr
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Start binds the HTTP listener and begins serving. Port 0 picks a free port;
// Addr reports it.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s (WebSocket path %s)", listener.Addr(), s.config.WSPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	if s.db != nil && s.config.MessageRetention > 0 {
		s.wg.Add(1)
		go s.retentionCleanupLoop()
	}

	return nil
}

// Addr returns the bound listener address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Registry exposes the live connection registry
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.stopping {
		return false
	}
	s.connWG.Add(1)
	return true
}

// Stop gracefully stops the server: it stops accepting, closes every live
// connection with "going away", waits for their disconnects to be processed
// and then flushes and closes the database. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Server) stop() error {
	close(s.shutdown)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
		cancel()
	}

	s.connMu.Lock()
	s.stopping = true
	s.connMu.Unlock()

	for _, conn := range s.registry.Snapshot() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	waitTimeout(&s.connWG, shutdownGrace)
	s.wg.Wait()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errorLog.Printf("Timed out waiting for connections to close")
	}
}

// retentionCleanupLoop periodically deletes messages older than the
// configured retention
func (s *Server) retentionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	s.cleanupExpiredMessages()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupExpiredMessages()
		}
	}
}

func (s *Server) cleanupExpiredMessages() {
	count, err := s.db.CleanupExpiredMessages(s.config.MessageRetention)
	if err != nil {
		errorLog.Printf("Error cleaning up expired messages: %v", err)
		return
	}
	if count > 0 {
		log.Printf("Cleaned up %d expired messages", count)
	}
}
