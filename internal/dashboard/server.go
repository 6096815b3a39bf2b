// Package dashboard serves the live pipeline view: a JSON snapshot API and
// a websocket stream that mirrors the progress bus to connected clients.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storybrush/storybrush/internal/progress"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Server exposes the dashboard HTTP and websocket endpoints. The server is
// stateless across disconnects: every new socket receives a fresh
// initial-state snapshot.
type Server struct {
	tracker *progress.Tracker
	logger  *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	connections atomic.Int64
	start       time.Time
	addr        string
}

// NewServer creates a dashboard over the tracker's bus.
func NewServer(tracker *progress.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tracker: tracker,
		logger:  logger.With("component", "dashboard"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard binds to an operator-chosen interface; cross
			// origin pages are expected when it is opened from a file URL.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Start opens the listener and serves until Stop. Returns once the listener
// is accepting, so callers can print the bound address immediately.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard failed to listen on %s: %w", addr, err)
	}
	s.start = time.Now()
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("/", s.handleSocket)

	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server stopped", "error", err)
		}
	}()

	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the server's bound address, or "" before Start.
func (s *Server) Addr() string { return s.addr }

// Stop closes every socket with a going-away frame and shuts the listener
// down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "pipeline stopped")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.connections.Load(),
		"uptime":      time.Since(s.start).Round(time.Second).String(),
	})
}

// wireEvent is the socket frame shape. Timestamp carries the bus event's
// wall-clock time; clients align on the type/data/timestamp names.
type wireEvent struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.connections.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.connections.Add(-1)
		conn.Close()
	}()

	// Reader goroutine: the dashboard never expects client messages, but
	// reading is required to process close frames and detect dead peers.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev wireEvent) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(ev)
	}

	if err := send(wireEvent{
		Type:      string(progress.EventInitialState),
		Data:      s.tracker.Snapshot(),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return
	}

	events, cancel := s.tracker.Bus().Subscribe()
	defer cancel()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
				return
			}
			if err := send(wireEvent{Type: string(ev.Type), Data: ev.Data, Timestamp: ev.Timestamp}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}
