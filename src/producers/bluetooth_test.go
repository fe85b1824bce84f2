package producers

import (
	"testing"
	"time"

	"vesselrelay/src/events"
	"vesselrelay/src/state"
)

func TestBluetooth_DiscoversThenUpdates(t *testing.T) {
	registry := NewParserRegistry()
	registry.Register(0x004C, func(f Frame) (ParsedFrame, error) {
		temp := float64(f.Payload[0])
		return ParsedFrame{
			Fields: map[string]any{"battery": f.Payload[1]},
			Readings: map[string]state.Measurement{
				"temperature": {Value: temp, Units: "C", Timestamp: time.Now(), Source: "ble"},
			},
		}, nil
	})
	b := NewBluetooth(registry)

	b.HandleFrame(Frame{DeviceID: "dev-1", Name: "Sensor", ManufacturerID: 0x004C, Payload: []byte{20, 90}})

	discovered := <-b.Events()
	if discovered.Topic != events.TopicDeviceDiscovered {
		t.Fatalf("expected device:discovered first, got %v", discovered.Topic)
	}

	data := <-b.Events()
	if data.Topic != events.TopicDeviceData {
		t.Fatalf("expected device:data, got %v", data.Topic)
	}

	b.HandleFrame(Frame{DeviceID: "dev-1", Name: "Sensor", ManufacturerID: 0x004C, Payload: []byte{20, 80}})
	updated := <-b.Events()
	if updated.Topic != events.TopicDeviceUpdated {
		t.Fatalf("expected device:updated on a field change, got %v", updated.Topic)
	}
}

func TestBluetooth_ScanStopIsDebounced(t *testing.T) {
	b := NewBluetooth(NewParserRegistry())
	if err := b.SetScanning(true); err != nil {
		t.Fatal(err)
	}
	if ev := <-b.Events(); ev.Topic != events.TopicScanStart {
		t.Fatalf("expected scanStart, got %v", ev.Topic)
	}

	if err := b.SetScanning(false); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-b.Events():
		t.Fatalf("expected scanStop to be debounced, got immediate %v", ev.Topic)
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case ev := <-b.Events():
		if ev.Topic != events.TopicScanStop {
			t.Fatalf("expected scanStop, got %v", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debounced scanStop")
	}
}
