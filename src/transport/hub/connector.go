// Package hub implements HubConnector, the single outbound persistent
// WebSocket that carries this boat's telemetry to the shore relay and
// ferries commands back down to remote browsers (spec §4.7). Grounded
// on the teacher's websocket.Server for the connection/writeMu/heartbeat
// idiom (deleted src/websocket/server.go, Eggwite-Tether) and on the
// reconnect-with-backoff watcher in the NATS subscriber example
// (other_examples groblegark-gasboat controller/internal/subscriber/nats.go)
// for the state machine and cenkalti/backoff usage.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"vesselrelay/src/concurrency"
	"vesselrelay/src/identity"
	"vesselrelay/src/logging"
	"vesselrelay/src/relayerr"
	clientsync "vesselrelay/src/sync"
	"vesselrelay/src/utils"
)

// State is HubConnector's connection lifecycle (spec §4.7).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakeSent
	StateAuthenticated
	StateLive
	StateClosing
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}

const (
	bufferCapacity   = 100
	handshakeTimeout = 5 * time.Second
	subscriberID     = "hub"
)

// allowlistWhenIdle names the dataTypes still forwarded upstream even
// when the hub reports zero remote clients (spec §4.7).
var allowlistWhenIdle = map[string]bool{"anchor": true}

// outboundFrame is the wire envelope sent to the hub. Handshake and
// heartbeat frames set Type directly; state fan-out frames reuse
// clientsync.OutboundMessage's shape via Data/Version.
type outboundFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connector is the hub-facing transport: it owns one upstream socket,
// tracks the shore's reported remote client count, and registers itself
// with ClientSyncCoordinator as both a transport and an aggregate
// subscriber named "hub" standing in for every remote browser (spec
// §4.7's own routing of individual remote clientIds is carried in each
// inbound/outbound frame's clientId field, not modeled as one
// Subscriber per browser; see DESIGN.md).
type Connector struct {
	url            string
	credential     *identity.Credential
	coordinator    *clientsync.ClientSyncCoordinator
	reconnectBase  time.Duration
	maxAttempts    int
	connectTimeout time.Duration
	pingInterval   time.Duration
	insecureLegacy bool

	latency utils.LatencyRing

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	writeMu       sync.Mutex
	clientCount   int
	buffer        []outboundFrame
	unregisterTp  func()
	unregisterCSC func()
	pingSentAt    time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	readyCh  chan struct{}
}

func NewConnector(url string, credential *identity.Credential, coordinator *clientsync.ClientSyncCoordinator, reconnectBase time.Duration, maxAttempts int, connectTimeout, pingInterval time.Duration, insecureLegacy bool) *Connector {
	return &Connector{
		url:            url,
		credential:     credential,
		coordinator:    coordinator,
		reconnectBase:  reconnectBase,
		maxAttempts:    maxAttempts,
		connectTimeout: connectTimeout,
		pingInterval:   pingInterval,
		insecureLegacy: insecureLegacy,
		state:          StateDisconnected,
		stopCh:         make(chan struct{}),
		readyCh:        make(chan struct{}),
	}
}

func (c *Connector) Name() string { return "hub-connector" }

func (c *Connector) Ready() <-chan struct{} { return c.readyCh }

// Start registers the connector with the coordinator and launches the
// reconnect loop in the background. It returns once the loop has been
// launched, not once a connection is established: the hub may be
// unreachable for long stretches without blocking the rest of startup.
func (c *Connector) Start(ctx context.Context) error {
	if c.url == "" {
		close(c.readyCh)
		logging.Log.Info("hub connector: no HUB_URL configured, staying disabled")
		return nil
	}

	c.unregisterTp = c.coordinator.RegisterTransport("hub", clientsync.TransportHandle{
		Send:       c.sendToSubscriber,
		ShouldSend: c.shouldSend,
	})
	c.coordinator.HandleClientConnection(subscriberID, "hub", []string{"*"}, c.sendToSubscriber)
	c.unregisterCSC = func() { c.coordinator.HandleClientDisconnection(subscriberID) }

	concurrency.GoSafe(func() { c.runLoop(ctx) })
	close(c.readyCh)
	return nil
}

func (c *Connector) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.setState(StateClosing)

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	if c.unregisterTp != nil {
		c.unregisterTp()
	}
	if c.unregisterCSC != nil {
		c.unregisterCSC()
	}
	return nil
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		logging.Log.WithFields(map[string]any{"from": prev.String(), "to": s.String()}).Info("hub connector: state transition")
	}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LatencyP99 reports the 99th-percentile round-trip over the last 100
// pings, for health reporting.
func (c *Connector) LatencyP99() time.Duration {
	return c.latency.P99()
}

// recordPong completes a ping/pong round trip: it records the measured
// latency and feeds the orchestrator's LinkQuality (spec §4.7: "latency
// computed from pong round-trip; feeds LinkQuality").
func (c *Connector) recordPong() {
	c.mu.Lock()
	sentAt := c.pingSentAt
	c.mu.Unlock()
	if sentAt.IsZero() {
		return
	}
	c.latency.Record(time.Since(sentAt))
	c.coordinator.SetLinkQuality(clientsync.ClassifyLinkQuality(c.latency.P99()))
}

func (c *Connector) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientCount
}

// runLoop repeatedly connects, runs until the socket drops, and retries
// with a fixed-base capped backoff until maxAttempts is exhausted.
func (c *Connector) runLoop(ctx context.Context) {
	policy := backoff.WithMaxRetries(&backoff.ConstantBackOff{Interval: c.reconnectBase}, uint64(c.maxAttempts))

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateConnecting)
		err := c.connectOnce(ctx)
		if err == nil {
			policy.Reset()
			c.setState(StateDisconnected)
			continue
		}

		c.setState(StateErrored)
		logging.Log.WithError(err).Warn("hub connector: connection attempt failed")
		c.setState(StateDisconnected)

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			logging.Log.Error("hub connector: giving up after exhausting reconnect attempts")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// connectOnce dials, performs the identity handshake, then blocks
// servicing reads/writes until the connection ends. A nil return means
// a clean shutdown was requested, not necessarily that the hub accepted
// every frame.
func (c *Connector) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("hub connector: dial: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	if err := c.handshake(ws); err != nil {
		return err
	}
	c.setState(StateAuthenticated)
	c.flushBuffer()
	c.setState(StateLive)

	stopPing := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	concurrency.GoSafe(func() {
		defer wg.Done()
		c.pingLoop(ws, stopPing)
	})

	err = c.readLoop(ws)
	close(stopPing)
	wg.Wait()

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()

	select {
	case <-c.stopCh:
		return nil
	default:
	}
	return err
}

func (c *Connector) handshake(ws *websocket.Conn) error {
	c.setState(StateHandshakeSent)

	pubPEM, err := c.credential.PublicKeyPEM()
	if err != nil {
		return fmt.Errorf("hub connector: handshake: %w", err)
	}
	if err := c.writeFrame(ws, outboundFrame{Type: "register-key", Data: map[string]any{
		"boatId":    c.credential.BoatID,
		"publicKey": pubPEM,
	}, Timestamp: time.Now()}); err != nil {
		return err
	}

	now := time.Now()
	sig, err := c.credential.Sign(now.UnixMilli())
	if err != nil {
		return fmt.Errorf("hub connector: handshake: %w", err)
	}
	if err := c.writeFrame(ws, outboundFrame{Type: "identity", Data: map[string]any{
		"boatId":         c.credential.BoatID,
		"timestampMs":    now.UnixMilli(),
		"signature":      sig,
		"insecureLegacy": c.insecureLegacy,
	}, Timestamp: now}); err != nil {
		return err
	}

	if err := c.writeFrame(ws, outboundFrame{Type: "register", Timestamp: time.Now()}); err != nil {
		return err
	}

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("hub connector: handshake: no ack: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	var ack struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &ack); err == nil && ack.Type == "rejected" {
		return fmt.Errorf("hub connector: handshake rejected: %s", ack.Reason)
	}
	return nil
}

func (c *Connector) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			start := time.Now()
			c.mu.Lock()
			c.pingSentAt = start
			c.mu.Unlock()
			if err := c.writeFrame(ws, outboundFrame{Type: "ping", Timestamp: start}); err != nil {
				return
			}
		}
	}
}

func (c *Connector) readLoop(ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("hub connector: read: %w", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleInbound(ws, msg)
	}
}

func (c *Connector) handleInbound(ws *websocket.Conn, msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "pong":
		c.recordPong()
		return
	case "client-connected":
		c.mu.Lock()
		c.clientCount++
		c.mu.Unlock()
		return
	case "client-disconnected":
		c.mu.Lock()
		if c.clientCount > 0 {
			c.clientCount--
		}
		c.mu.Unlock()
		return
	case "client-count":
		if n, ok := msg["count"].(float64); ok {
			c.mu.Lock()
			c.clientCount = int(n)
			c.mu.Unlock()
		}
		return
	}

	clientID, _ := msg["clientId"].(string)
	c.coordinator.HandleClientMessage(subscriberID, msg, func(out clientsync.OutboundMessage) {
		_ = c.writeFrame(ws, outboundFrame{
			Type:      out.Type,
			Data:      wrapWithClient(out.Data, clientID),
			Version:   out.Version,
			Timestamp: out.Timestamp,
		})
	})
}

func wrapWithClient(data any, clientID string) any {
	if clientID == "" {
		return data
	}
	return map[string]any{"clientId": clientID, "payload": data}
}

// sendToSubscriber is the TransportSend the aggregate "hub" Subscriber
// drains into: it writes directly if live, otherwise buffers.
func (c *Connector) sendToSubscriber(_ string, msg clientsync.OutboundMessage) error {
	c.mu.Lock()
	ws := c.ws
	live := c.state == StateLive || c.state == StateAuthenticated
	c.mu.Unlock()

	frame := outboundFrame{Type: msg.Type, Data: msg.Data, Version: msg.Version, Timestamp: msg.Timestamp}
	if !live || ws == nil {
		c.bufferFrame(frame)
		return nil
	}
	if err := c.writeFrame(ws, frame); err != nil {
		c.bufferFrame(frame)
		return &relayerr.TransportError{Transport: "hub", Err: err}
	}
	return nil
}

// shouldSend implements the zero-remote-clients allow-list (spec §4.7).
func (c *Connector) shouldSend(_ string, dataType string) bool {
	c.mu.Lock()
	count := c.clientCount
	c.mu.Unlock()
	if count > 0 {
		return true
	}
	return allowlistWhenIdle[dataType]
}

func (c *Connector) bufferFrame(frame outboundFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) >= bufferCapacity {
		c.buffer = c.buffer[1:]
	}
	c.buffer = append(c.buffer, frame)
}

// flushBuffer drains buffered frames in FIFO order on the Authenticated
// transition, before declaring the connection Live.
func (c *Connector) flushBuffer() {
	c.mu.Lock()
	ws := c.ws
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	for _, frame := range pending {
		if err := c.writeFrame(ws, frame); err != nil {
			c.bufferFrame(frame)
			return
		}
	}
}

func (c *Connector) writeFrame(ws *websocket.Conn, frame outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(frame)
}
