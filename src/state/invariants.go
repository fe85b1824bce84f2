package state

import "fmt"

// checkStructuralInvariants validates the parts of spec §3/§4.1 that can
// be checked from the document alone, after a patch has been applied to
// the working copy but before it is committed. Any violation rejects the
// whole patch.
func checkStructuralInvariants(doc *Node) error {
	if err := checkAlertsDisjoint(doc); err != nil {
		return err
	}
	if err := checkBluetoothSelection(doc); err != nil {
		return err
	}
	if err := checkAnchorNullability(doc); err != nil {
		return err
	}
	return nil
}

func checkAlertsDisjoint(doc *Node) error {
	active, ok := Get(doc, "/alerts/active")
	if !ok || active.Kind != KindArray {
		return nil
	}
	resolved, ok := Get(doc, "/alerts/resolved")
	if !ok || resolved.Kind != KindArray {
		return nil
	}
	ids := map[string]bool{}
	for _, n := range active.Array {
		id, ok := alertID(n)
		if !ok {
			continue
		}
		ids[id] = true
	}
	for _, n := range resolved.Array {
		id, ok := alertID(n)
		if !ok {
			continue
		}
		if ids[id] {
			return fmt.Errorf("alert %q is present in both active and resolved", id)
		}
	}
	return nil
}

func alertID(n *Node) (string, bool) {
	if n.Kind != KindObject {
		return "", false
	}
	idNode, ok := n.Object["id"]
	if !ok || idNode.Kind != KindScalar {
		return "", false
	}
	id, ok := idNode.Scalar.(string)
	return id, ok
}

func checkBluetoothSelection(doc *Node) error {
	selected, ok := Get(doc, "/bluetooth/selectedDeviceId")
	if !ok || selected.Kind != KindScalar {
		return nil
	}
	selectedID, ok := selected.Scalar.(string)
	if !ok || selectedID == "" {
		return nil
	}
	devices, ok := Get(doc, "/bluetooth/devices")
	if !ok || devices.Kind != KindObject {
		return fmt.Errorf("bluetooth device %q selected but no device list exists", selectedID)
	}
	if _, ok := devices.Object[selectedID]; ok {
		return nil
	}
	return fmt.Errorf("bluetooth device %q selected but not present in device list", selectedID)
}

func checkAnchorNullability(doc *Node) error {
	deployed, ok := Get(doc, "/anchor/deployed")
	if !ok || deployed.Kind != KindScalar {
		return nil
	}
	isDeployed, _ := deployed.Scalar.(bool)
	if isDeployed {
		return nil
	}
	location, ok := Get(doc, "/anchor/location")
	if !ok {
		return nil
	}
	if location.Kind != KindNull {
		return fmt.Errorf("anchor is not deployed but anchor.location is not null")
	}
	return nil
}
