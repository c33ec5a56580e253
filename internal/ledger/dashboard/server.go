// Package dashboard serves the ledger's sync state to a UI: a WebSocket feed
// of status transitions and sync cycles, and a small REST API for the
// listings and actions the CLI offers.
package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	gosync "sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/bookkeeper/ledgersync/internal/ledger"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeTransition carries one events.Transition
	MessageTypeTransition MessageType = "transition"

	// MessageTypeSyncComplete indicates a reconciliation cycle finished
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStats carries updated per-status counts
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsData contains per-status transaction counts
type StatsData struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// SyncCompleteData summarizes one reconciliation cycle
type SyncCompleteData struct {
	Sent      int           `json:"sent"`
	Acked     int           `json:"acked"`
	Conflicts int           `json:"conflicts"`
	Retrying  int           `json:"retrying"`
	Failed    int           `json:"failed"`
	Pulled    int           `json:"pulled"`
	Applied   int           `json:"applied"`
	Resolved  int           `json:"resolved"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Host to bind (default: 127.0.0.1)
	Host string

	// Logger for server activity
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Port:   8080,
		Host:   "127.0.0.1",
		Logger: zerolog.Nop(),
	}
}

// Server manages WebSocket connections and the REST API
type Server struct {
	ledger   *ledger.Ledger
	addr     string
	listener net.Listener
	server   *http.Server
	router   *mux.Router

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu gosync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	logger zerolog.Logger
}

// NewServer creates a dashboard server for l.
func NewServer(l *ledger.Ledger, config Config) *Server {
	if config.Host == "" {
		config.Host = DefaultConfig().Host
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		ledger:    l,
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger.With().Str("component", "dashboard").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	api.HandleFunc("/conflicts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/failed", s.handleFailed).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the HTTP server and the broadcast loop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("dashboard listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("dashboard server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping dashboard")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// Broadcast queues a message for every connected client. It never blocks;
// when the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn().Str("type", string(msg.Type)).Msg("broadcast queue full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so one slow client cannot stall the rest.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug().Err(err).Msg("failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug().Int("clients", clientCount).Msg("client connected")

	// Greet with a current snapshot so the UI needs no separate fetch.
	if stats, err := s.snapshot(r.Context()); err == nil {
		if data, err := json.Marshal(stats); err == nil {
			welcome, _ := json.Marshal(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, welcome)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices disconnects. Client
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug().Int("clients", clientCount).Msg("client disconnected")
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) snapshot(ctx context.Context) (StatsData, error) {
	counts, err := s.ledger.Counts(ctx)
	if err != nil {
		return StatsData{}, err
	}
	stats := StatsData{ByStatus: make(map[string]int, len(counts))}
	for status, n := range counts {
		stats.ByStatus[string(status)] = n
		stats.Total += n
	}
	return stats, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>ledgersync</title>
</head>
<body>
    <h1>ledgersync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/api/status">/api/status</a>, health: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
