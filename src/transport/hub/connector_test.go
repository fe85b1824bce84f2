package hub

import (
	"testing"
	"time"

	"vesselrelay/src/state"
	"vesselrelay/src/statemanager"
	clientsync "vesselrelay/src/sync"
)

func TestShouldSend_AllowlistWhenNoRemoteClients(t *testing.T) {
	c := &Connector{}

	c.clientCount = 0
	if c.shouldSend("hub", "navigation") {
		t.Fatalf("expected navigation to be suppressed with zero remote clients")
	}
	if !c.shouldSend("hub", "anchor") {
		t.Fatalf("expected anchor to bypass the zero-clients allow-list")
	}

	c.clientCount = 1
	if !c.shouldSend("hub", "navigation") {
		t.Fatalf("expected navigation to forward once a remote client is present")
	}
}

func TestBufferFrame_EvictsOldestOnOverflow(t *testing.T) {
	c := &Connector{}
	for i := 0; i < bufferCapacity+5; i++ {
		c.bufferFrame(outboundFrame{Type: "state:patch", Version: uint64(i)})
	}

	if len(c.buffer) != bufferCapacity {
		t.Fatalf("expected buffer capped at %d, got %d", bufferCapacity, len(c.buffer))
	}
	if c.buffer[0].Version != 5 {
		t.Fatalf("expected the oldest 5 frames evicted, buffer head has version %d", c.buffer[0].Version)
	}
	if c.buffer[len(c.buffer)-1].Version != uint64(bufferCapacity+4) {
		t.Fatalf("expected the newest frame retained, got version %d", c.buffer[len(c.buffer)-1].Version)
	}
}

func TestRecordPong_MeasuresRoundTripAndFeedsLinkQuality(t *testing.T) {
	store := state.NewStateStore()
	mgr := statemanager.New(store)
	coordinator := clientsync.New(store, mgr, map[string]time.Duration{"navigation": time.Hour}, time.Hour)
	defer coordinator.Shutdown()

	c := &Connector{coordinator: coordinator}
	c.pingSentAt = time.Now().Add(-50 * time.Millisecond)

	c.recordPong()

	if got := c.LatencyP99(); got <= 0 {
		t.Fatalf("expected a recorded round-trip latency, got %v", got)
	}
}
