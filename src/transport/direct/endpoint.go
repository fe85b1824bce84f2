// Package direct implements the LAN WebSocket transport: DirectEndpoint
// (spec §4.6). Grounded on the teacher's websocket.Server (deleted
// src/websocket/server.go in Eggwite-Tether, kept as in-workspace
// reference during transformation): a gorilla/websocket.Upgrader, a
// writeMu per connection serializing writes, and a heartbeat watcher
// goroutine counting missed beats before dropping the connection. Here
// the per-connection subscription/queue bookkeeping the teacher kept in
// its own Server is delegated entirely to ClientSyncCoordinator; this
// package only owns the socket.
package direct

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vesselrelay/src/logging"
	"vesselrelay/src/middleware"
	clientsync "vesselrelay/src/sync"
	"vesselrelay/src/utils"
	"vesselrelay/src/version"
)

const (
	heartbeatInterval = 30 * time.Second
	maxMissedPings    = 2
)

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	lastPong time.Time
	misses   int
}

// Endpoint accepts LAN WebSocket connections and bridges them to
// ClientSyncCoordinator.
type Endpoint struct {
	coordinator     *clientsync.ClientSyncCoordinator
	upgrader        websocket.Upgrader
	maxPayloadBytes int64

	mu    sync.Mutex
	conns map[string]*conn
}

func NewEndpoint(coordinator *clientsync.ClientSyncCoordinator, maxPayloadBytes int64) *Endpoint {
	return &Endpoint{
		coordinator: coordinator,
		upgrader: websocket.Upgrader{
			// LAN is the trust boundary (spec §4.6); no origin check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxPayloadBytes: maxPayloadBytes,
		conns:           map[string]*conn{},
	}
}

// Router builds the chi router serving the WebSocket upgrade and a
// health probe, with the shared middleware stack applied.
func (e *Endpoint) Router(behindProxy bool) http.Handler {
	r := chi.NewRouter()
	middleware.Setup(r, behindProxy)
	r.Get("/ws", e.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Version})
	})
	return r
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("direct endpoint: upgrade failed")
		return
	}
	ws.SetReadLimit(e.maxPayloadBytes)

	clientID := uuid.NewString()
	c := &conn{ws: ws, lastPong: time.Now()}
	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.misses = 0
		c.mu.Unlock()
		return nil
	})

	e.mu.Lock()
	e.conns[clientID] = c
	e.mu.Unlock()

	e.coordinator.HandleClientConnection(clientID, "direct", nil, func(id string, msg clientsync.OutboundMessage) error {
		return e.send(c, msg)
	})

	go e.watchHeartbeat(clientID, c)
	e.readLoop(clientID, c)
}

func (e *Endpoint) send(c *conn, msg clientsync.OutboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (e *Endpoint) watchHeartbeat(clientID string, c *conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		e.mu.Lock()
		_, live := e.conns[clientID]
		e.mu.Unlock()
		if !live {
			return
		}

		c.mu.Lock()
		c.misses++
		misses := c.misses
		c.mu.Unlock()

		if misses > maxMissedPings {
			logging.Log.WithField("client", clientID).Warn("direct endpoint: heartbeat timeout")
			e.cleanup(clientID, c)
			return
		}

		c.writeMu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			e.cleanup(clientID, c)
			return
		}
	}
}

func (e *Endpoint) readLoop(clientID string, c *conn) {
	defer e.cleanup(clientID, c)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := clientsync.ParseClientMessage(raw)
		if err != nil {
			continue
		}
		e.coordinator.HandleClientMessage(clientID, msg, func(out clientsync.OutboundMessage) {
			_ = e.send(c, out)
		})
	}
}

func (e *Endpoint) cleanup(clientID string, c *conn) {
	e.mu.Lock()
	_, ok := e.conns[clientID]
	delete(e.conns, clientID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.coordinator.HandleClientDisconnection(clientID)
	_ = c.ws.Close()
}
