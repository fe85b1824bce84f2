// Package statemanager is the pure mediator between producers and the
// canonical store: it translates domain events into patches, applies
// command messages forwarded by ClientSyncCoordinator, and runs the
// rule engine after every accepted patch. Grounded on the teacher's
// event-handling shape in src/bot/launch.go (Eggwite-Tether), which
// wires a handful of named event handlers onto one client at startup;
// here that becomes listenToService(producer) wiring one goroutine per
// producer onto one shared StateStore.
package statemanager

import (
	"time"

	"vesselrelay/src/concurrency"
	"vesselrelay/src/events"
	"vesselrelay/src/logging"
	"vesselrelay/src/state"
)

// CommandResult is returned by every command handler.
type CommandResult struct {
	Success bool
	Detail  string
}

// StateManager owns no primary state; it keeps only derived rule state
// (the alert/anchor rule registry runs against the store's own
// document, not a private copy).
type StateManager struct {
	store     *state.StateStore
	rules     []Rule
	bluetooth BluetoothController
}

// New wires the default rule set (anchor drag detection) onto store.
func New(store *state.StateStore) *StateManager {
	m := &StateManager{store: store}
	m.rules = []Rule{anchorDragRule}
	return m
}

// ListenToService attaches event handlers to a producer and translates
// its domain events into patches for the lifetime of the producer's
// event channel. Spec §4.3's listenToService(producer).
func (m *StateManager) ListenToService(p events.Producer) {
	concurrency.GoSafe(func() {
		for ev := range p.Events() {
			patch, ok := translate(ev)
			if !ok {
				continue
			}
			if _, _, err := m.store.ApplyPatch(patch); err != nil {
				logging.Log.WithFields(map[string]any{
					"producer": p.Name(),
					"topic":    ev.Topic,
					"error":    err,
				}).Warn("patch rejected")
				continue
			}
			m.runRules()
		}
	})
}

// runRules applies the rule engine against the current snapshot, bounded
// to a single additional pass to avoid feedback loops (spec §4.3).
func (m *StateManager) runRules() {
	doc, _ := m.store.Snapshot()
	var produced state.Patch
	for _, r := range m.rules {
		produced = append(produced, r.Fn(doc, nil)...)
	}
	if len(produced) == 0 {
		return
	}
	if _, _, err := m.store.ApplyPatch(produced); err != nil {
		logging.Log.WithError(err).Warn("rule-engine patch rejected")
	}
}

// translate converts a domain event into the patch StateStore should
// apply. Unknown topics are ignored (ok=false).
func translate(ev events.Event) (state.Patch, bool) {
	switch payload := ev.Payload.(type) {
	case events.PositionUpdate:
		return state.Patch{{
			Op:   "add",
			Path: "/navigation/position",
			Value: map[string]any{
				"lat":    payload.Lat,
				"lon":    payload.Lon,
				"source": payload.Source,
			},
		}}, true

	case events.WeatherUpdate:
		return state.Patch{{
			Op:    "add",
			Path:  "/environment/weather",
			Value: payload.Forecast,
		}}, true

	case events.TideUpdate:
		return state.Patch{{
			Op:    "add",
			Path:  "/environment/tides",
			Value: payload.Data,
		}}, true

	case events.DeviceDiscovered:
		return state.Patch{{
			Op:   "add",
			Path: "/bluetooth/devices/" + payload.DeviceID,
			Value: map[string]any{
				"id":             payload.DeviceID,
				"name":           payload.Name,
				"manufacturerId": float64(payload.ManufacturerID),
				"selected":       false,
				"sensorData":     map[string]any{},
			},
		}}, true

	case events.DeviceUpdated:
		var patch state.Patch
		for k, v := range payload.Fields {
			patch = append(patch, state.Op{
				Op:    "add",
				Path:  "/bluetooth/devices/" + payload.DeviceID + "/" + k,
				Value: v,
			})
		}
		return patch, len(patch) > 0

	case events.DeviceData:
		return state.Patch{{
			Op:    "add",
			Path:  "/bluetooth/devices/" + payload.DeviceID + "/sensorData/" + payload.Field,
			Value: payload.Reading,
		}}, true

	case events.SystemUpdate:
		return state.Patch{{
			Op:    "add",
			Path:  "/vessel/systems/" + payload.Path,
			Value: payload.Reading,
		}}, true

	case events.PlaybackPatch:
		return payload.Patch, len(payload.Patch) > 0

	case events.ErrorEvent:
		logging.Log.WithError(payload.Err).Warn("producer reported an error")
		return nil, false

	default:
		return nil, false
	}
}

// nowMillis is a small indirection kept so rule/handler code never calls
// time.Now() directly more than once per decision point.
func nowMillis() int64 { return time.Now().UnixMilli() }
