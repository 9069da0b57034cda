// Package gateway bridges the chat view to the conversation core over
// WebSocket. It upgrades HTTP connections, binds each one to an
// authenticated session, and routes view intents (select peer, send
// message, refresh) into the directory, syncer, and composer. No business
// logic lives here; the gateway only moves frames.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/dm-app/internal/metrics"
)

// ServerConfig holds tunable parameters for the gateway.
type ServerConfig struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	WriteTimeout time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8080",
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the WebSocket gateway. Each accepted connection gets its own
// read goroutine; the working set of users is small and always online, so
// goroutine-per-connection is plenty.
type Server struct {
	config ServerConfig
	deps   Deps

	mu      sync.Mutex
	clients map[string]*client

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a gateway server with the given configuration and
// collaborators.
func NewServer(config ServerConfig, deps Deps) *Server {
	return &Server{
		config:  config,
		deps:    deps,
		clients: make(map[string]*client),
	}
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("[gateway] listening on %s", s.config.ListenAddr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// Stop shuts the HTTP listener down and closes every active connection.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	go s.serveConn(conn)
}

// serveConn runs the connection's read loop until the peer goes away.
func (s *Server) serveConn(conn net.Conn) {
	id := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	send := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if s.config.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		return wsutil.WriteServerMessage(conn, ws.OpText, data)
	}

	c := newClient(ctx, id, &s.deps, send)

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	metrics.ConnectionsTotal.Inc()
	log.Printf("[gateway] client %s connected from %s", id, conn.RemoteAddr())

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		metrics.ConnectionsTotal.Dec()

		c.close()
		conn.Close()
		log.Printf("[gateway] client %s disconnected", id)
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("[gateway] client %s read: %v", id, err)
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		c.handle(data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	connections := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": connections,
		"uptime_sec":  int(time.Since(s.startedAt).Seconds()),
	})
}
