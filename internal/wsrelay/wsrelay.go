// Package wsrelay serves the Event Bus over WebSocket to view clients.
// The connection shape (per-client buffered channel, drop-when-full
// rather than block, JSON-framed messages) mirrors the teacher's
// homeassistant.WSClient read loop, run here in the server direction:
// one goroutine per connection pumps Bus events out as JSON frames.
package wsrelay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell-ai/inkwell/internal/events"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The view is served from the same origin as this process in the
	// packaged desktop/mobile build; a permissive check keeps local
	// dev servers on a different port working.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay upgrades HTTP connections to WebSocket and fans out every Event
// Bus publication to all connected clients.
type Relay struct {
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan events.Event]struct{}
}

// New returns a Relay bound to bus. Call ServeHTTP from an http.Handler
// registration to accept connections.
func New(bus *events.Bus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bus:     bus,
		logger:  logger.With("component", "wsrelay"),
		clients: make(map[chan events.Event]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and streams
// Event Bus publications to it until the client disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := make(chan events.Event, clientBuffer)
	r.register(client)
	defer r.unregister(client)

	// A client doesn't send anything meaningful to us; a dedicated
	// reader drains and discards so gorilla's control-frame handling
	// (pong, close) still runs, and detects disconnection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case evt, ok := <-client:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				r.logger.Debug("websocket write failed, dropping client", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) register(client chan events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client] = struct{}{}
}

func (r *Relay) unregister(client chan events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, client)
	close(client)
}

// Start subscribes to the bus and fans out every published event to
// all currently-registered clients, dropping for any client whose
// buffer is full rather than blocking the bus. Runs until sub closes;
// callers typically never close it, relying on process shutdown.
func (r *Relay) Start() {
	sub := r.bus.Subscribe(256)
	go func() {
		for evt := range sub {
			r.broadcast(evt)
		}
	}()
}

func (r *Relay) broadcast(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for client := range r.clients {
		select {
		case client <- evt:
		default:
			r.logger.Warn("client buffer full, dropping event", "kind", evt.Kind)
		}
	}
}
