package sync

import (
	"sync"
	"testing"
	"time"

	"vesselrelay/src/state"
	"vesselrelay/src/statemanager"
)

func TestClientSyncCoordinator_LateSubscriberSeesSnapshotThenOnlyNewPatches(t *testing.T) {
	store := state.NewStateStore()
	mgr := statemanager.New(store)
	c := New(store, mgr, map[string]time.Duration{"navigation": 0}, 0)
	defer c.Shutdown()

	if _, _, err := store.ApplyPatch(state.Patch{{Op: "add", Path: "/navigation/speed", Value: 1.0}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.ApplyPatch(state.Patch{{Op: "replace", Path: "/navigation/speed", Value: 2.0}}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var received []OutboundMessage
	done := make(chan struct{}, 8)
	c.HandleClientConnection("client-1", "test", nil, func(id string, msg OutboundMessage) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	waitForMessages(t, done, 1)
	mu.Lock()
	if len(received) != 1 || !received[0].IsSnapshot {
		t.Fatalf("expected exactly one snapshot message first, got %+v", received)
	}
	mu.Unlock()

	if _, _, err := store.ApplyPatch(state.Patch{{Op: "replace", Path: "/navigation/speed", Value: 3.0}}); err != nil {
		t.Fatal(err)
	}

	waitForMessages(t, done, 2)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[1].IsSnapshot || received[1].Type != "state:patch" {
		t.Fatalf("expected the subscriber to then observe exactly the third patch, got %+v", received)
	}
}

func TestClientSyncCoordinator_ObservesProfileField(t *testing.T) {
	store := state.NewStateStore()
	mgr := statemanager.New(store)
	c := New(store, mgr, map[string]time.Duration{"navigation": time.Hour}, time.Hour)
	defer c.Shutdown()

	if _, _, err := store.ApplyPatch(state.Patch{{Op: "add", Path: "/vessel/profile", Value: "HIGH_SPEED"}}); err != nil {
		t.Fatal(err)
	}

	// Give the async pump a moment to observe and apply the patch.
	deadline := time.Now().Add(time.Second)
	for {
		c.orchestrator.mu.Lock()
		name := c.orchestrator.profile.Name
		c.orchestrator.mu.Unlock()
		if name == "HIGH_SPEED" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected orchestrator profile to become HIGH_SPEED, got %s", name)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForMessages(t *testing.T, done chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}
