package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"vesselrelay/src/logging"
	"vesselrelay/src/state"
	"vesselrelay/src/statemanager"
)

// TransportHandle is what a transport registers with the coordinator:
// Send delivers a message to one client; ShouldSend lets a transport
// veto delivery of a state patch per (subscriber, dataType) (spec §4.4).
type TransportHandle struct {
	Send TransportSend
	// ShouldSend lets a transport veto delivery of a specific dataType to
	// a subscriber, e.g. HubConnector's zero-remote-clients allow-list
	// (spec §4.7): only identity/register/ping/anchor pass when no
	// remote browser is connected.
	ShouldSend func(subscriberID, dataType string) bool
}

// ClientSyncCoordinator is the single point of contact between
// transports and the core (spec §4.4).
type ClientSyncCoordinator struct {
	store        *state.StateStore
	manager      *statemanager.StateManager
	orchestrator *SyncOrchestrator

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	stopChans   map[string]chan struct{}
	transports  map[string]TransportHandle

	storeEvents    <-chan state.Event
	unsubscribeOne func()
}

func New(store *state.StateStore, manager *statemanager.StateManager, baseIntervals map[string]time.Duration, defaultBase time.Duration) *ClientSyncCoordinator {
	c := &ClientSyncCoordinator{
		store:       store,
		manager:     manager,
		subscribers: map[string]*Subscriber{},
		stopChans:   map[string]chan struct{}{},
		transports:  map[string]TransportHandle{},
	}
	c.orchestrator = NewSyncOrchestrator(baseIntervals, defaultBase, c.deliver)
	c.storeEvents, c.unsubscribeOne = store.Subscribe(256)
	go c.pump()
	return c
}

// RegisterTransport attaches a transport's send/shouldSend pair, returning
// an unregister handle (spec §4.4).
func (c *ClientSyncCoordinator) RegisterTransport(name string, handle TransportHandle) func() {
	c.mu.Lock()
	c.transports[name] = handle
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.transports, name)
		c.mu.Unlock()
	}
}

// HandleClientConnection creates a Subscriber, sends it the current
// snapshot, and starts draining its outgoing queue.
func (c *ClientSyncCoordinator) HandleClientConnection(clientID, transport string, subscriptions []string, send TransportSend) {
	subs := map[string]bool{}
	for _, g := range subscriptions {
		subs[g] = true
	}
	if len(subs) == 0 {
		subs["*"] = true
	}

	sub := newSubscriber(clientID, transport, subs, send, c.terminateSubscriber)

	stop := make(chan struct{})
	c.mu.Lock()
	c.subscribers[clientID] = sub
	c.stopChans[clientID] = stop
	c.mu.Unlock()

	sub.run(stop)

	doc, version := c.store.Snapshot()
	sub.Enqueue(OutboundMessage{
		Type:       "state:full-update",
		Data:       doc,
		Version:    version,
		Timestamp:  time.Now(),
		IsSnapshot: true,
	})
}

// HandleClientDisconnection destroys the Subscriber.
func (c *ClientSyncCoordinator) HandleClientDisconnection(clientID string) {
	c.mu.Lock()
	stop, ok := c.stopChans[clientID]
	delete(c.subscribers, clientID)
	delete(c.stopChans, clientID)
	c.mu.Unlock()
	if ok {
		close(stop)
	}
	c.orchestrator.Forget(clientID)
}

func (c *ClientSyncCoordinator) terminateSubscriber(clientID string, _ error) {
	c.HandleClientDisconnection(clientID)
}

// ClientCount returns the number of currently connected subscribers.
func (c *ClientSyncCoordinator) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// SetLinkQuality forwards a freshly measured link-quality sample to the
// orchestrator (spec §4.7: HubConnector's ping/pong round trip feeds
// LinkQuality).
func (c *ClientSyncCoordinator) SetLinkQuality(q LinkQuality) {
	c.orchestrator.SetLinkQuality(q)
}

// SetProfile forwards a vessel-mode profile change to the orchestrator.
func (c *ClientSyncCoordinator) SetProfile(p Profile) {
	c.orchestrator.SetProfile(p)
}

// pump reads every StateStore event and fans accepted patches out to
// matching subscribers via SyncOrchestrator.
func (c *ClientSyncCoordinator) pump() {
	for ev := range c.storeEvents {
		if ev.Kind != state.EventPatch {
			continue
		}
		byGroup := map[string][]state.Op{}
		for _, op := range ev.Patch {
			byGroup[groupOf(op.Path)] = append(byGroup[groupOf(op.Path)], op)
			c.observeProfile(op)
		}

		c.mu.Lock()
		subs := make([]*Subscriber, 0, len(c.subscribers))
		for _, s := range c.subscribers {
			subs = append(subs, s)
		}
		c.mu.Unlock()

		for dataType, ops := range byGroup {
			for _, sub := range subs {
				if !sub.Subscriptions["*"] && !sub.Subscriptions[dataType] {
					continue
				}
				c.orchestrator.Publish(sub.ID, dataType, ops)
			}
		}
	}
}

// deliver is the SyncOrchestrator SendFunc: it enqueues a state:patch
// message on the named subscriber's queue.
func (c *ClientSyncCoordinator) deliver(subscriberID, dataType string, ops []state.Op) {
	c.mu.Lock()
	sub, ok := c.subscribers[subscriberID]
	if !ok {
		c.mu.Unlock()
		return
	}
	handle, hasTransport := c.transports[sub.Transport]
	c.mu.Unlock()
	if hasTransport && handle.ShouldSend != nil && !handle.ShouldSend(subscriberID, dataType) {
		return
	}
	sub.Enqueue(OutboundMessage{
		Type:      "state:patch",
		Data:      ops,
		Timestamp: time.Now(),
	})
}

// observeProfile reacts to writes at /vessel/profile, the StateStore-
// observed field spec §3 names as Profile's mutation path, switching the
// orchestrator's active profile by name.
func (c *ClientSyncCoordinator) observeProfile(op state.Op) {
	if op.Path != "/vessel/profile" {
		return
	}
	name, ok := op.Value.(string)
	if !ok {
		return
	}
	if p, ok := DefaultProfiles[name]; ok {
		c.orchestrator.SetProfile(p)
	}
}

func groupOf(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// HandleClientMessage routes an inbound message of a known kind to the
// appropriate command handler, returning whether it was consumed (spec
// §4.4). respond delivers a direct reply to the originating client.
func (c *ClientSyncCoordinator) HandleClientMessage(clientID string, message map[string]any, respond func(OutboundMessage)) bool {
	msgType, _ := message["type"].(string)

	c.mu.Lock()
	sub := c.subscribers[clientID]
	c.mu.Unlock()
	if sub != nil {
		sub.TouchActivity()
	}

	switch {
	case msgType == "ping":
		respond(OutboundMessage{Type: "pong", Timestamp: time.Now()})
		return true

	case msgType == "get-full-state":
		doc, version := c.store.Snapshot()
		respond(OutboundMessage{Type: "state:full-update", Data: doc, Version: version, Timestamp: time.Now(), IsSnapshot: true})
		return true

	case msgType == "subscription":
		if sub == nil {
			return true
		}
		groups, _ := message["data"].([]any)
		updated := map[string]bool{}
		for _, g := range groups {
			if name, ok := g.(string); ok {
				updated[name] = true
			}
		}
		if len(updated) == 0 {
			updated["*"] = true
		}
		c.mu.Lock()
		sub.Subscriptions = updated
		c.mu.Unlock()
		return true

	case msgType == "anchor:update":
		data, _ := message["data"].(map[string]any)
		result := c.manager.HandleAnchorUpdate(data)
		respond(OutboundMessage{Type: "anchor:update:ack", Data: ackPayload(result), Timestamp: time.Now()})
		return true

	case msgType == "alert:update":
		data, _ := message["data"].(map[string]any)
		result := c.manager.HandleAlertUpdate(data)
		respond(OutboundMessage{Type: "alert:update:ack", Data: ackPayload(result), Timestamp: time.Now()})
		return true

	case strings.HasPrefix(msgType, "bluetooth:"):
		action := strings.TrimPrefix(msgType, "bluetooth:")
		data, _ := message["data"].(map[string]any)
		result := c.manager.HandleBluetoothCommand(action, data)
		respond(OutboundMessage{Type: "bluetooth:response", Data: ackPayload(result), Timestamp: time.Now()})
		return true

	case msgType == "" && message["serviceName"] == "state":
		action, _ := message["action"].(string)
		if strings.HasPrefix(action, "bluetooth:") {
			data, _ := message["data"].(map[string]any)
			result := c.manager.HandleBluetoothCommand(strings.TrimPrefix(action, "bluetooth:"), data)
			respond(OutboundMessage{Type: "bluetooth:response", Data: ackPayload(result), Timestamp: time.Now()})
			return true
		}
		return false

	default:
		return false
	}
}

func ackPayload(r statemanager.CommandResult) map[string]any {
	return map[string]any{"success": r.Success, "detail": r.Detail}
}

// ParseClientMessage decodes a raw inbound JSON frame into the generic
// map shape HandleClientMessage expects.
func ParseClientMessage(raw []byte) (map[string]any, error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("sync: decode client message: %w", err)
	}
	return msg, nil
}

// Shutdown stops the coordinator's internal store subscription. Callers
// should already have disconnected every Subscriber.
func (c *ClientSyncCoordinator) Shutdown() {
	c.unsubscribeOne()
	logging.Log.Info("client sync coordinator shut down")
}
