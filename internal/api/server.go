package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zde37/koorde/internal/chord"
	"github.com/zde37/koorde/internal/transport"
	"github.com/zde37/koorde/pkg"
)

// Ring is the overlay the server exposes.
type Ring interface {
	// Snapshots returns every live node's routing state, ordered by key.
	Snapshots() []chord.Snapshot
	// Node returns the node at addr, or nil.
	Node(addr transport.Address) *chord.Node
	// MessageStats sums the per-kind message counters of every node.
	MessageStats() map[string]uint64
}

// RingResponse is the body of GET /api/ring.
type RingResponse struct {
	Count int              `json:"count"`
	Nodes []chord.Snapshot `json:"nodes"`
}

// Server serves ring snapshots over HTTP and membership events over a
// WebSocket.
type Server struct {
	ring       Ring
	wsHub      *WebSocketHub
	httpServer *http.Server
	listener   net.Listener
	logger     *pkg.Logger
}

// NewServer creates a server for ring. Its hub can be handed to
// chord.NewBroadcastListener before the server starts.
func NewServer(ring Ring, logger *pkg.Logger) (*Server, error) {
	if ring == nil {
		return nil, fmt.Errorf("ring cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Server{
		ring:   ring,
		wsHub:  NewWebSocketHub(logger),
		logger: logger.Component("http_api"),
	}, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ring", s.ringHandler)
	mux.HandleFunc("GET /api/nodes/{addr}", s.nodeHandler)
	mux.HandleFunc("GET /api/stats", s.statsHandler)
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	mux.HandleFunc("GET /health", s.healthHandler)
	return corsMiddleware(mux)
}

// Start listens on port and serves in the background. Port 0 picks a
// free port; see Addr.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s.listener = ln

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the hub and the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) ringHandler(w http.ResponseWriter, _ *http.Request) {
	nodes := s.ring.Snapshots()
	writeJSON(w, http.StatusOK, RingResponse{Count: len(nodes), Nodes: nodes})
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	addr := transport.Address(r.PathValue("addr"))
	node := s.ring.Node(addr)
	if node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no node at %s", addr)})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		chord.Snapshot
		Stats chord.Stats `json:"stats"`
	}{node.Snapshot(), node.Stats()})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": s.ring.MessageStats(),
		"clients":  s.wsHub.Clients(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
