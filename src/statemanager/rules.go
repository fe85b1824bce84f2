package statemanager

import (
	"fmt"

	"vesselrelay/src/state"
)

const anchorDragResolveFactor = 0.9

// Rule is one entry in the rule engine registry: a pure function from
// (current state, last patch) to additional patches, applied
// synchronously after every accepted patch (spec §4.3).
type Rule struct {
	Name string
	Fn   func(doc *state.Node, lastPatch state.Patch) state.Patch
}

var anchorDragRule = Rule{
	Name: "anchor-drag-detection",
	Fn:   anchorDragFn,
}

// anchorDragFn raises alerts.active["anchor_dragging"] once the vessel's
// position exceeds anchor.criticalRange from the recorded drop location,
// and migrates it to alerts.resolved once the distance falls back below
// 0.9 × criticalRange (spec §8 scenario 3).
func anchorDragFn(doc *state.Node, _ state.Patch) state.Patch {
	deployedNode, ok := state.Get(doc, "/anchor/deployed")
	if !ok {
		return nil
	}
	deployed, _ := deployedNode.Scalar.(bool)

	active, _ := state.Get(doc, "/alerts/active")
	existingIdx := -1
	if active != nil && active.Kind == state.KindArray {
		for i, n := range active.Array {
			if alertTrigger(n) == "anchor_dragging" {
				existingIdx = i
				break
			}
		}
	}

	if !deployed {
		return nil
	}

	location, ok := state.Get(doc, "/anchor/location")
	if !ok || location.Kind != state.KindObject {
		return nil
	}
	criticalRangeNode, ok := state.Get(doc, "/anchor/criticalRange")
	if !ok {
		return nil
	}
	criticalRange, ok := criticalRangeNode.Scalar.(float64)
	if !ok {
		return nil
	}
	position, ok := state.Get(doc, "/navigation/position")
	if !ok {
		return nil
	}

	anchorLat, okA := fieldFloat(location, "lat")
	anchorLon, okB := fieldFloat(location, "lon")
	posLat, okC := fieldFloat(position, "lat")
	posLon, okD := fieldFloat(position, "lon")
	if !okA || !okB || !okC || !okD {
		return nil
	}

	distance := haversineMeters(anchorLat, anchorLon, posLat, posLon)

	switch {
	case distance > criticalRange && existingIdx == -1:
		// id is unique per occurrence; "resolved" is an append-only log, so
		// reusing a fixed id across drag/resolve cycles would eventually put
		// the same id in both active and resolved and trip
		// checkAlertsDisjoint on the next drag (spec §3 invariant ii). Two
		// occurrences raised within the same millisecond get a numeric
		// suffix so the id never matches a resolved entry.
		raisedAt := nowMillis()
		id := fmt.Sprintf("anchor_dragging-%d", raisedAt)
		for n := 1; findAlertIndex(doc, "/alerts/resolved", id) != -1; n++ {
			id = fmt.Sprintf("anchor_dragging-%d-%d", raisedAt, n)
		}
		return state.Patch{{
			Op:   "add",
			Path: "/alerts/active/-",
			Value: map[string]any{
				"id":             id,
				"trigger":        "anchor_dragging",
				"level":          "warning",
				"distanceMeters": distance,
				"raisedAt":       raisedAt,
			},
		}}
	case distance < criticalRange*anchorDragResolveFactor && existingIdx != -1:
		occurrenceID := alertOccurrenceID(active.Array[existingIdx])
		return state.Patch{
			{Op: "remove", Path: fmt.Sprintf("/alerts/active/%d", existingIdx)},
			{Op: "add", Path: "/alerts/resolved/-", Value: map[string]any{
				"id":         occurrenceID,
				"trigger":    "anchor_dragging",
				"level":      "warning",
				"resolvedAt": nowMillis(),
			}},
		}
	}
	return nil
}

func alertOccurrenceID(n *state.Node) string {
	if n.Kind != state.KindObject {
		return "anchor_dragging"
	}
	idNode, ok := n.Object["id"]
	if !ok || idNode.Kind != state.KindScalar {
		return "anchor_dragging"
	}
	id, ok := idNode.Scalar.(string)
	if !ok || id == "" {
		return "anchor_dragging"
	}
	return id
}

func alertTrigger(n *state.Node) string {
	if n.Kind != state.KindObject {
		return ""
	}
	t, ok := n.Object["trigger"]
	if !ok || t.Kind != state.KindScalar {
		return ""
	}
	s, _ := t.Scalar.(string)
	return s
}

func fieldFloat(n *state.Node, key string) (float64, bool) {
	if n == nil || n.Kind != state.KindObject {
		return 0, false
	}
	f, ok := n.Object[key]
	if !ok || f.Kind != state.KindScalar {
		return 0, false
	}
	v, ok := f.Scalar.(float64)
	return v, ok
}
