// Package gateway exposes the kernel's event bus and health status over HTTP
// for external consumers. Consumers only ever read: the websocket endpoint
// streams envelopes as they are committed, and never accepts writes.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"routekern/internal/telemetry"
	"routekern/internal/version"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientBuffer   = 64
	maxMessageSize = 512
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime"`
}

// Gateway serves /healthz and the /events websocket stream.
type Gateway struct {
	addr     string
	bus      *telemetry.Bus
	upgrader websocket.Upgrader
	server   *http.Server
	started  time.Time
}

// New creates a gateway bound to addr, streaming from bus.
func New(addr string, bus *telemetry.Bus) *Gateway {
	g := &Gateway{
		addr: addr,
		bus:  bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/events", g.handleEvents)
	g.server = &http.Server{Addr: addr, Handler: mux}
	return g
}

// Start begins serving on the configured address. It blocks until the
// listener fails or Shutdown is called.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	g.started = time.Now()
	log.Printf("[Gateway] Listening on %s", ln.Addr())

	err = g.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	log.Printf("[Gateway] Shutting down")
	return g.server.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.server.Handler }

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := "unknown"
	if !g.started.IsZero() {
		uptime = time.Since(g.started).Round(time.Second).String()
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version.Info(),
		Uptime:    uptime,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[Gateway] Failed to encode health response: %v", err)
	}
}

// handleEvents upgrades to a websocket and streams bus envelopes to the
// client. Slow clients lose events rather than stalling the bus.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Websocket upgrade failed: %v", err)
		return
	}

	events, cancel := g.bus.Subscribe(clientBuffer)
	defer cancel()

	remote := conn.RemoteAddr().String()
	log.Printf("[Gateway] Event subscriber connected: %s", remote)

	// Reader goroutine: the endpoint is read-only, so incoming frames are
	// discarded, but reading is required to process close and pong frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("[Gateway] Event subscriber %s write failed: %v", remote, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			log.Printf("[Gateway] Event subscriber disconnected: %s", remote)
			return
		}
	}
}
