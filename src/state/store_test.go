package state

import (
	"encoding/json"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
)

func TestApplyPatch_AddAutoCreatesIntermediateObjects(t *testing.T) {
	s := NewStateStore()

	emitted, version, err := s.ApplyPatch(Patch{
		{Op: "add", Path: "/navigation/position/lat", Value: 59.91},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected 1 emitted op, got %d", len(emitted))
	}

	doc, _ := s.Snapshot()
	got, ok := Get(doc, "/navigation/position/lat")
	if !ok || got.Scalar != 59.91 {
		t.Fatalf("expected lat to be set, got %+v ok=%v", got, ok)
	}
}

func TestApplyPatch_ReplaceAgainstMissingParentFails(t *testing.T) {
	s := NewStateStore()

	_, _, err := s.ApplyPatch(Patch{
		{Op: "replace", Path: "/navigation/position/lat", Value: 1.0},
	})
	if err == nil {
		t.Fatal("expected an error for replace against a missing parent")
	}
}

func TestApplyPatch_NoOpReplaceIsDropped(t *testing.T) {
	s := NewStateStore()
	if _, _, err := s.ApplyPatch(Patch{{Op: "add", Path: "/vessel/name", Value: "Wanderer"}}); err != nil {
		t.Fatal(err)
	}

	emitted, version, err := s.ApplyPatch(Patch{{Op: "replace", Path: "/vessel/name", Value: "Wanderer"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 0 {
		t.Fatalf("expected the no-op replace to be dropped, got %+v", emitted)
	}
	if version != 1 {
		t.Fatalf("expected version to stay at 1 for a dropped no-op, got %d", version)
	}
}

func TestApplyPatch_NegativeArrayIndexRejected(t *testing.T) {
	s := NewStateStore()
	if _, _, err := s.ApplyPatch(Patch{{Op: "add", Path: "/alerts/active", Value: []any{}}}); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.ApplyPatch(Patch{{Op: "add", Path: "/alerts/active/-1", Value: "x"}})
	if err == nil {
		t.Fatal("expected negative array index to be rejected")
	}
}

func TestApplyPatch_MeasurementMonotonicityEnforced(t *testing.T) {
	s := NewStateStore()
	t0 := time.Now()

	if _, _, err := s.ApplyPatch(Patch{{
		Op: "add", Path: "/environment/depth",
		Value: Measurement{Value: 12.4, Units: "m", Timestamp: t0, Source: "nmea0183"},
	}}); err != nil {
		t.Fatal(err)
	}

	_, _, err := s.ApplyPatch(Patch{{
		Op: "replace", Path: "/environment/depth",
		Value: Measurement{Value: 12.1, Units: "m", Timestamp: t0.Add(-time.Second), Source: "nmea0183"},
	}})
	if err == nil {
		t.Fatal("expected an older timestamp from the same source to be rejected")
	}

	if _, _, err := s.ApplyPatch(Patch{{
		Op: "replace", Path: "/environment/depth",
		Value: Measurement{Value: 12.6, Units: "m", Timestamp: t0.Add(time.Second), Source: "nmea0183"},
	}}); err != nil {
		t.Fatalf("a newer timestamp should be accepted: %v", err)
	}

	tied := t0.Add(time.Second)
	if _, _, err := s.ApplyPatch(Patch{{
		Op: "replace", Path: "/environment/depth",
		Value: Measurement{Value: 12.7, Units: "m", Timestamp: tied, Source: "nmea0183"},
	}}); err != nil {
		t.Fatalf("a tied timestamp from the same source should be accepted: %v", err)
	}
}

func TestApplyPatch_AlertsMustStayDisjoint(t *testing.T) {
	s := NewStateStore()
	if _, _, err := s.ApplyPatch(Patch{
		{Op: "add", Path: "/alerts/active", Value: []any{map[string]any{"id": "anchor-drag"}}},
		{Op: "add", Path: "/alerts/resolved", Value: []any{map[string]any{"id": "anchor-drag"}}},
	}); err == nil {
		t.Fatal("expected an error when the same alert id is both active and resolved")
	}
}

func TestApplyPatch_BluetoothSelectionMustExist(t *testing.T) {
	s := NewStateStore()
	_, _, err := s.ApplyPatch(Patch{
		{Op: "add", Path: "/bluetooth/devices/device-1", Value: map[string]any{"id": "device-1"}},
		{Op: "add", Path: "/bluetooth/selectedDeviceId", Value: "missing-device"},
	})
	if err == nil {
		t.Fatal("expected an error selecting a bluetooth device that doesn't exist")
	}
}

// TestApplyPatch_BluetoothSelectionAcceptsExistingDevice is the happy
// path for the check above: devices live at /bluetooth/devices/<id> (a
// map keyed by device id per spec §3), not inside an array, so
// selecting a device that is actually present must succeed.
func TestApplyPatch_BluetoothSelectionAcceptsExistingDevice(t *testing.T) {
	s := NewStateStore()
	_, _, err := s.ApplyPatch(Patch{
		{Op: "add", Path: "/bluetooth/devices/device-1", Value: map[string]any{"id": "device-1"}},
		{Op: "add", Path: "/bluetooth/selectedDeviceId", Value: "device-1"},
	})
	if err != nil {
		t.Fatalf("expected selecting an existing device to succeed, got %v", err)
	}
}

func TestApplyPatch_AnchorLocationMustBeNullWhenUndeployed(t *testing.T) {
	s := NewStateStore()
	_, _, err := s.ApplyPatch(Patch{
		{Op: "add", Path: "/anchor/deployed", Value: false},
		{Op: "add", Path: "/anchor/location", Value: map[string]any{"lat": 1.0, "lon": 2.0}},
	})
	if err == nil {
		t.Fatal("expected an error when anchor.location is non-null while undeployed")
	}
}

func TestSubscribe_DeliversFullUpdateBeforeAnyLaterPatch(t *testing.T) {
	s := NewStateStore()
	if _, _, err := s.ApplyPatch(Patch{{Op: "add", Path: "/vessel/name", Value: "Wanderer"}}); err != nil {
		t.Fatal(err)
	}

	events, unsubscribe := s.Subscribe(8)
	defer unsubscribe()

	if _, _, err := s.ApplyPatch(Patch{{Op: "replace", Path: "/vessel/name", Value: "Drifter"}}); err != nil {
		t.Fatal(err)
	}

	first := <-events
	if first.Kind != EventFullUpdate {
		t.Fatalf("expected the first delivered event to be a full update, got %v", first.Kind)
	}
	name, ok := Get(first.Document, "/vessel/name")
	if !ok || name.Scalar != "Wanderer" {
		t.Fatalf("expected the full update to reflect state at subscribe time, got %+v", name)
	}

	second := <-events
	if second.Kind != EventPatch || second.Version <= first.Version {
		t.Fatalf("expected a subsequent patch event with a greater version, got %+v", second)
	}
}

// TestApplyPatch_RoundTripsThroughRFC6902Library checks that once a
// parent exists (so the store's relaxed add-vs-replace semantics
// coincide with strict RFC 6902), the emitted patch, replayed through a
// standard JSON Patch library against the prior snapshot, reproduces the
// store's own new snapshot byte-for-byte.
func TestApplyPatch_RoundTripsThroughRFC6902Library(t *testing.T) {
	s := NewStateStore()
	if _, _, err := s.ApplyPatch(Patch{{Op: "add", Path: "/navigation", Value: map[string]any{"heading": 10.0}}}); err != nil {
		t.Fatal(err)
	}

	before, _ := s.Snapshot()
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		t.Fatal(err)
	}

	emitted, _, err := s.ApplyPatch(Patch{{Op: "replace", Path: "/navigation/heading", Value: 42.0}})
	if err != nil {
		t.Fatal(err)
	}

	libraryPatchJSON, err := json.Marshal(emitted)
	if err != nil {
		t.Fatal(err)
	}
	libPatch, err := jsonpatch.DecodePatch(libraryPatchJSON)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := libPatch.Apply(beforeJSON)
	if err != nil {
		t.Fatal(err)
	}

	after, _ := s.Snapshot()
	afterJSON, err := json.Marshal(after)
	if err != nil {
		t.Fatal(err)
	}

	var want, got any
	if err := json.Unmarshal(afterJSON, &want); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(replayed, &got); err != nil {
		t.Fatal(err)
	}
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Fatalf("round trip mismatch:\nwant %s\ngot  %s", wantJSON, gotJSON)
	}
}
