package statemanager

import (
	"context"
	"testing"
	"time"

	"vesselrelay/src/events"
	"vesselrelay/src/state"
)

type fakeProducer struct {
	name string
	ch   chan events.Event
}

func newFakeProducer(name string) *fakeProducer {
	return &fakeProducer{name: name, ch: make(chan events.Event, 8)}
}

func (f *fakeProducer) Name() string                  { return f.name }
func (f *fakeProducer) Start(ctx context.Context) error { return nil }
func (f *fakeProducer) Stop(ctx context.Context) error  { close(f.ch); return nil }
func (f *fakeProducer) Ready() <-chan struct{}          { ready := make(chan struct{}); close(ready); return ready }
func (f *fakeProducer) Events() <-chan events.Event     { return f.ch }

func TestListenToService_BootstrapPositionUpdate(t *testing.T) {
	store := state.NewStateStore()
	mgr := New(store)
	p := newFakeProducer("position")
	mgr.ListenToService(p)

	p.ch <- events.Event{Topic: events.TopicPositionUpdate, Payload: events.PositionUpdate{
		Lat: 40.7128, Lon: -74.0060, Source: "gps", Timestamp: time.Now(),
	}}

	waitForVersion(t, store, 1)

	doc, version := store.Snapshot()
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	lat, ok := state.Get(doc, "/navigation/position/lat")
	if !ok || lat.Scalar != 40.7128 {
		t.Fatalf("expected position to be set, got %+v", lat)
	}
}

func TestAnchorDragRule_RaisesAndResolves(t *testing.T) {
	store := state.NewStateStore()
	mgr := New(store)

	if _, _, err := store.ApplyPatch(state.Patch{
		{Op: "add", Path: "/anchor/deployed", Value: true},
		{Op: "add", Path: "/anchor/location", Value: map[string]any{"lat": 40.7128, "lon": -74.0060}},
		{Op: "add", Path: "/anchor/criticalRange", Value: 100.0},
		{Op: "add", Path: "/alerts/active", Value: []any{}},
		{Op: "add", Path: "/alerts/resolved", Value: []any{}},
	}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := store.ApplyPatch(state.Patch{
		{Op: "add", Path: "/navigation/position", Value: map[string]any{"lat": 40.7140, "lon": -74.0060}},
	}); err != nil {
		t.Fatal(err)
	}
	mgr.runRules()

	doc, _ := store.Snapshot()
	active, _ := state.Get(doc, "/alerts/active")
	if len(active.Array) != 1 {
		t.Fatalf("expected 1 active alert after dragging, got %d", len(active.Array))
	}
	if alertTrigger(active.Array[0]) != "anchor_dragging" {
		t.Fatalf("expected anchor_dragging alert, got %+v", active.Array[0])
	}

	if _, _, err := store.ApplyPatch(state.Patch{
		{Op: "replace", Path: "/navigation/position", Value: map[string]any{"lat": 40.7128, "lon": -74.0060}},
	}); err != nil {
		t.Fatal(err)
	}
	mgr.runRules()

	doc, _ = store.Snapshot()
	active, _ = state.Get(doc, "/alerts/active")
	resolved, _ := state.Get(doc, "/alerts/resolved")
	if len(active.Array) != 0 {
		t.Fatalf("expected the alert to clear from active, got %d", len(active.Array))
	}
	if len(resolved.Array) != 1 {
		t.Fatalf("expected the alert to migrate to resolved, got %d", len(resolved.Array))
	}

	// A second drag/resolve cycle must not collide with the first
	// occurrence's now-permanently-resident resolved entry.
	if _, _, err := store.ApplyPatch(state.Patch{
		{Op: "replace", Path: "/navigation/position", Value: map[string]any{"lat": 40.7140, "lon": -74.0060}},
	}); err != nil {
		t.Fatal(err)
	}
	mgr.runRules()

	doc, _ = store.Snapshot()
	active, _ = state.Get(doc, "/alerts/active")
	if len(active.Array) != 1 {
		t.Fatalf("expected 1 active alert after a second drag, got %d", len(active.Array))
	}

	if _, _, err := store.ApplyPatch(state.Patch{
		{Op: "replace", Path: "/navigation/position", Value: map[string]any{"lat": 40.7128, "lon": -74.0060}},
	}); err != nil {
		t.Fatal(err)
	}
	mgr.runRules()

	doc, _ = store.Snapshot()
	active, _ = state.Get(doc, "/alerts/active")
	resolved, _ = state.Get(doc, "/alerts/resolved")
	if len(active.Array) != 0 {
		t.Fatalf("expected the second alert to clear from active, got %d", len(active.Array))
	}
	if len(resolved.Array) != 2 {
		t.Fatalf("expected two distinct resolved occurrences, got %d", len(resolved.Array))
	}
}

func TestHandleAnchorUpdate_NullsLocationWhenUndeployed(t *testing.T) {
	store := state.NewStateStore()
	mgr := New(store)

	res := mgr.HandleAnchorUpdate(map[string]any{"deployed": true, "location": map[string]any{"lat": 1.0, "lon": 2.0}})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	res = mgr.HandleAnchorUpdate(map[string]any{"deployed": false})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	doc, _ := store.Snapshot()
	loc, ok := state.Get(doc, "/anchor/location")
	if !ok || loc.Kind != state.KindNull {
		t.Fatalf("expected anchor.location to be nulled, got %+v", loc)
	}
}

func waitForVersion(t *testing.T, store *state.StateStore, want uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, v := store.Snapshot(); v >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for version %d", want)
}
