// Package server exposes the relay over HTTP: the /ws WebSocket endpoint, the static client and
// the room-code entry route.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zot/room-relay/internal/chunk"
	"github.com/zot/room-relay/internal/config"
	"github.com/zot/room-relay/internal/maintenance"
	"github.com/zot/room-relay/internal/pidfile"
	"github.com/zot/room-relay/internal/protocol"
	"github.com/zot/room-relay/internal/room"
	"github.com/zot/room-relay/internal/transfer"
)

// RoomCodePattern is the route pattern of a shareable room link.
const RoomCodePattern = "[A-Fa-f0-9]{6}"

// invalidRoomText is the body of the 404 for any other path.
const invalidRoomText = "Invalid room code format"

// Server manages the HTTP server and WebSocket connections
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
	config     *config.Config
	port       int
	fileSystem http.FileSystem
	upgrader   websocket.Upgrader
	tracker    *pidfile.Tracker

	rooms   *room.Registry
	chunks  *chunk.Store
	handler *protocol.Handler
	sweeper *maintenance.Sweeper

	mu          sync.RWMutex
	connections map[string]*WSConnection
}

// New wires the relay components from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(ctx)

	rooms := room.NewRegistry(cfg.Room.GracePeriod.Duration, cfg.Room.CodeAttempts)
	chunks := chunk.NewStore(cfg.Maintenance.ChunkTTL.Duration)
	transfers := transfer.NewCoordinator(rooms, chunks, transfer.Options{
		ChunkSize:        cfg.Transfer.ChunkSize,
		MaxFileSize:      cfg.Transfer.MaxFileSize,
		CompletedFileTTL: cfg.Transfer.CompletedFileTTL.Duration,
	})

	s := &Server{
		ctx:         ctx,
		cancel:      cancel,
		config:      cfg,
		port:        cfg.Server.Port,
		fileSystem:  http.Dir(cfg.Files.Root),
		rooms:       rooms,
		chunks:      chunks,
		handler:     protocol.NewHandler(rooms, transfers),
		connections: make(map[string]*WSConnection),
		sweeper: maintenance.NewSweeper(chunks, rooms, maintenance.Options{
			ChunkSweepInterval: cfg.Maintenance.ChunkSweepInterval.Duration,
			RoomSweepInterval:  cfg.Maintenance.RoomSweepInterval.Duration,
			EmptyRoomMaxAge:    cfg.Maintenance.EmptyRoomMaxAge.Duration,
		}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler.SetSender(s)
	return s
}

// SetTracker registers the process in t on Start and removes it on Stop.
func (s *Server) SetTracker(t *pidfile.Tracker) {
	s.tracker = t
}

// Rooms exposes the room registry.
func (s *Server) Rooms() *room.Registry {
	return s.rooms
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.headers)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/", s.serveIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{code:"+RoomCodePattern+"}", s.serveIndex).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/").Handler(s.staticHandler())
	return r
}

// Start listens on the configured port, trying up to portRange consecutive ports, and starts
// the maintenance sweeps. Port 0 picks any free port.
func (s *Server) Start() error {
	startPort := s.config.Server.Port
	attempts := s.config.Server.PortRange
	if startPort == 0 || attempts < 1 {
		attempts = 1
	}

	var listener net.Listener
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", startPort+attempt))
		if err == nil {
			break
		}
	}
	if listener == nil {
		return fmt.Errorf("failed to find available port starting from %d: %w", startPort, err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.Server.Timeouts.Read.Duration,
		WriteTimeout:      s.config.Server.Timeouts.Write.Duration,
		IdleTimeout:       s.config.Server.Timeouts.Idle.Duration,
		ReadHeaderTimeout: s.config.Server.Timeouts.ReadHeader.Duration,
		MaxHeaderBytes:    s.config.Server.MaxHeaderBytes,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("HTTP server error")
			s.cancel()
		}
	}()

	s.sweeper.Start(s.ctx)

	if s.tracker != nil {
		if err := s.tracker.Register(); err != nil {
			logrus.WithError(err).Warn("Failed to register process")
		}
	}

	logrus.WithFields(logrus.Fields{
		"port":  s.port,
		"files": s.config.Files.Root,
	}).Infof("Server started on http://localhost:%d", s.port)
	return nil
}

// Stop closes every connection, shuts the HTTP server down and stops background work.
func (s *Server) Stop() error {
	s.cancel()

	// Close connections without holding the lock: Close calls back into unregister.
	s.mu.Lock()
	connsToClose := make([]*WSConnection, 0, len(s.connections))
	for _, conn := range s.connections {
		connsToClose = append(connsToClose, conn)
	}
	s.mu.Unlock()
	for _, conn := range connsToClose {
		conn.Close()
	}

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.Timeouts.Shutdown.Duration)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(ctx)
	}

	s.sweeper.Wait()
	s.rooms.Close()
	s.chunks.Close()

	// Unregister last so ps keeps showing the process until it is really gone.
	if s.tracker != nil {
		if err := s.tracker.Unregister(); err != nil {
			logrus.WithError(err).Warn("Failed to unregister process")
		}
	}
	logrus.Info("Server stopped")
	return shutdownErr
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Done returns a channel that is closed when the server context is cancelled
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Send implements protocol.Sender. It never blocks: a full send queue drops the message.
func (s *Server) Send(connID string, msg *protocol.Message) error {
	s.mu.RLock()
	conn, ok := s.connections[connID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connID)
	}
	return conn.SendMessage(msg)
}

// ConnectionCount returns the number of open WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *Server) register(conn *WSConnection) {
	s.mu.Lock()
	s.connections[conn.id] = conn
	count := len(s.connections)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"conn_id":     conn.id,
		"connections": count,
	}).Debug("New WebSocket connection established")
}

func (s *Server) unregister(conn *WSConnection) {
	s.mu.Lock()
	delete(s.connections, conn.id)
	count := len(s.connections)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"conn_id":     conn.id,
		"connections": count,
	}).Debug("WebSocket connection closed")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if !s.config.WebSocket.CheckOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.WebSocket.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// headers applies the configured cache, security and CORS headers.
func (s *Server) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := s.config.HTTP
		if h.CacheControl != "" {
			w.Header().Set("Cache-Control", h.CacheControl)
			if strings.Contains(h.CacheControl, "no-cache") {
				w.Header().Set("Pragma", "no-cache")
				w.Header().Set("Expires", "0")
			}
		}
		if h.Security.XContentTypeOptions != "" {
			w.Header().Set("X-Content-Type-Options", h.Security.XContentTypeOptions)
		}
		if h.Security.XFrameOptions != "" {
			w.Header().Set("X-Frame-Options", h.Security.XFrameOptions)
		}
		if h.Security.ContentSecurityPolicy != "" {
			w.Header().Set("Content-Security-Policy", h.Security.ContentSecurityPolicy)
		}
		if h.CORS.Enabled {
			if h.CORS.AllowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", h.CORS.AllowOrigin)
			}
			if len(h.CORS.AllowMethods) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(h.CORS.AllowMethods, ", "))
			}
			if len(h.CORS.AllowHeaders) > 0 {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(h.CORS.AllowHeaders, ", "))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// serveIndex serves the client entry page. The URL is preserved so the client can read the
// room code from it.
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	indexPath := "/" + s.config.Files.IndexFile
	f, err := s.fileSystem.Open(indexPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Failed to stat "+s.config.Files.IndexFile, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, s.config.Files.IndexFile, info.ModTime(), f)
}

// staticHandler serves existing files from the files root. Anything else is a malformed room link.
func (s *Server) staticHandler() http.Handler {
	fileServer := http.FileServer(s.fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := s.fileSystem.Open(path.Clean(r.URL.Path))
		if err == nil {
			info, statErr := f.Stat()
			f.Close()
			if statErr == nil && !info.IsDir() {
				fileServer.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, invalidRoomText, http.StatusNotFound)
	})
}

// handleWebSocket upgrades the request and starts the connection pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	wsConn := NewWSConnection(conn, s)
	s.register(wsConn)
	wsConn.Start()
}
