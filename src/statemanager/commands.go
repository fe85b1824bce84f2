package statemanager

import (
	"fmt"

	"vesselrelay/src/state"
)

// BluetoothController is the narrow control surface a Bluetooth producer
// exposes so the "scan" command can reach the radio without StateManager
// depending on the producers package directly.
type BluetoothController interface {
	SetScanning(enabled bool) error
}

// SetBluetoothController wires the live Bluetooth producer in. Safe to
// call once during bootstrap; nil until then (scan commands issued before
// wiring only record /bluetooth/scanning and do not reach the radio).
func (m *StateManager) SetBluetoothController(c BluetoothController) {
	m.bluetooth = c
}

// HandleAnchorUpdate applies an operator-issued change to the anchor
// fields. Per spec §3 invariant (iv), setting deployed=false without an
// explicit location nulls the location out so the invariant always
// holds after the command lands.
func (m *StateManager) HandleAnchorUpdate(data map[string]any) CommandResult {
	if len(data) == 0 {
		return CommandResult{Success: false, Detail: "anchor:update requires at least one field"}
	}

	patch := make(state.Patch, 0, len(data)+1)
	for k, v := range data {
		patch = append(patch, state.Op{Op: "add", Path: "/anchor/" + k, Value: v})
	}
	if deployed, ok := data["deployed"].(bool); ok && !deployed {
		if _, hasLocation := data["location"]; !hasLocation {
			patch = append(patch, state.Op{Op: "add", Path: "/anchor/location", Value: nil})
		}
	}

	if _, _, err := m.store.ApplyPatch(patch); err != nil {
		return CommandResult{Success: false, Detail: err.Error()}
	}
	m.runRules()
	return CommandResult{Success: true, Detail: "anchor updated"}
}

// HandleAlertUpdate raises or resolves an alert by id. data["action"] ∈
// {"raise", "resolve"}; "raise" is the default when omitted.
func (m *StateManager) HandleAlertUpdate(data map[string]any) CommandResult {
	id, _ := data["id"].(string)
	if id == "" {
		return CommandResult{Success: false, Detail: "alert:update requires an id"}
	}
	action, _ := data["action"].(string)

	doc, _ := m.store.Snapshot()

	if action == "resolve" {
		idx := findAlertIndex(doc, "/alerts/active", id)
		if idx == -1 {
			return CommandResult{Success: false, Detail: "alert not active: " + id}
		}
		patch := state.Patch{
			{Op: "remove", Path: fmt.Sprintf("/alerts/active/%d", idx)},
			{Op: "add", Path: "/alerts/resolved/-", Value: map[string]any{
				"id":         id,
				"resolvedAt": nowMillis(),
			}},
		}
		if _, _, err := m.store.ApplyPatch(patch); err != nil {
			return CommandResult{Success: false, Detail: err.Error()}
		}
		m.runRules()
		return CommandResult{Success: true, Detail: "alert resolved"}
	}

	if findAlertIndex(doc, "/alerts/active", id) != -1 {
		return CommandResult{Success: false, Detail: "alert already active: " + id}
	}
	payload := map[string]any{"id": id}
	for k, v := range data {
		if k == "action" {
			continue
		}
		payload[k] = v
	}
	if _, _, err := m.store.ApplyPatch(state.Patch{{Op: "add", Path: "/alerts/active/-", Value: payload}}); err != nil {
		return CommandResult{Success: false, Detail: err.Error()}
	}
	m.runRules()
	return CommandResult{Success: true, Detail: "alert raised"}
}

// HandleBluetoothCommand dispatches one of the bluetooth:<action>
// command kinds from spec §6.
func (m *StateManager) HandleBluetoothCommand(action string, data map[string]any) CommandResult {
	switch action {
	case "toggle":
		enabled, _ := data["enabled"].(bool)
		return m.applySimple("/bluetooth/enabled", enabled, "bluetooth toggled")

	case "scan":
		start, _ := data["start"].(bool)
		if m.bluetooth != nil {
			if err := m.bluetooth.SetScanning(start); err != nil {
				return CommandResult{Success: false, Detail: err.Error()}
			}
		}
		return m.applySimple("/bluetooth/scanning", start, "scan state updated")

	case "select-device":
		id, _ := data["deviceId"].(string)
		if id == "" {
			return CommandResult{Success: false, Detail: "select-device requires deviceId"}
		}
		return m.applySimple("/bluetooth/selectedDeviceId", id, "device selected")

	case "deselect-device":
		return m.applySimple("/bluetooth/selectedDeviceId", nil, "device deselected")

	case "rename-device":
		id, _ := data["deviceId"].(string)
		name, _ := data["name"].(string)
		if id == "" || name == "" {
			return CommandResult{Success: false, Detail: "rename-device requires deviceId and name"}
		}
		return m.applySimple("/bluetooth/devices/"+id+"/name", name, "device renamed")

	default:
		return CommandResult{Success: false, Detail: "unknown bluetooth action: " + action}
	}
}

func (m *StateManager) applySimple(path string, value any, okDetail string) CommandResult {
	if _, _, err := m.store.ApplyPatch(state.Patch{{Op: "add", Path: path, Value: value}}); err != nil {
		return CommandResult{Success: false, Detail: err.Error()}
	}
	m.runRules()
	return CommandResult{Success: true, Detail: okDetail}
}

// Snapshot exposes the store's current document and version, used by
// ClientSyncCoordinator to serve get-full-state requests.
func (m *StateManager) Snapshot() (*state.Node, uint64) {
	return m.store.Snapshot()
}

func findAlertIndex(doc *state.Node, arrayPath, id string) int {
	arr, ok := state.Get(doc, arrayPath)
	if !ok || arr.Kind != state.KindArray {
		return -1
	}
	for i, n := range arr.Array {
		if n.Kind != state.KindObject {
			continue
		}
		idNode, ok := n.Object["id"]
		if !ok || idNode.Kind != state.KindScalar {
			continue
		}
		if got, ok := idNode.Scalar.(string); ok && got == id {
			return i
		}
	}
	return -1
}
