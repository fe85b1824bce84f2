package producers

import (
	"context"
	"sync"
	"time"

	"vesselrelay/src/events"
	"vesselrelay/src/state"
)

const bluetoothScanStopDebounce = 500 * time.Millisecond

// Frame is one parsed advertisement received from the radio. The radio
// driver itself is a process-exclusive hardware adapter out of scope
// (spec §1); Bluetooth only owns translating frames it is handed into
// domain events.
type Frame struct {
	DeviceID       string
	Name           string
	ManufacturerID uint16
	Payload        []byte
}

// ParsedFrame is what a vendor-specific Parser extracts from a Frame.
type ParsedFrame struct {
	Fields     map[string]any
	Readings   map[string]state.Measurement
}

// Parser decodes the manufacturer-specific payload of a Frame.
type Parser func(frame Frame) (ParsedFrame, error)

// ParserRegistry dispatches a Frame to the Parser registered for its
// manufacturer id, so adding support for a new sensor vendor never
// touches Bluetooth itself (spec §4.2).
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[uint16]Parser
}

func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{parsers: map[uint16]Parser{}}
}

func (r *ParserRegistry) Register(manufacturerID uint16, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[manufacturerID] = p
}

func (r *ParserRegistry) Lookup(manufacturerID uint16) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[manufacturerID]
	return p, ok
}

// Bluetooth tracks discovered devices and emits device:discovered,
// device:updated and device:data as advertisement frames are handed to
// it via HandleFrame (spec §4.2).
type Bluetooth struct {
	*base
	registry *ParserRegistry

	mu    sync.Mutex
	known map[string]map[string]any // deviceId -> last known fields

	scanMu        sync.Mutex
	scanning      bool
	scanStopTimer *time.Timer
}

func NewBluetooth(registry *ParserRegistry) *Bluetooth {
	return &Bluetooth{
		base:     newBase("bluetooth", 32),
		registry: registry,
		known:    map[string]map[string]any{},
	}
}

func (b *Bluetooth) Start(ctx context.Context) error {
	b.markReady()
	return nil
}

func (b *Bluetooth) Stop(ctx context.Context) error {
	b.requestStop()
	b.scanMu.Lock()
	if b.scanStopTimer != nil {
		b.scanStopTimer.Stop()
	}
	b.scanMu.Unlock()
	return nil
}

// SetScanning implements statemanager.BluetoothController. Starting is
// immediate; stopping is debounced by 500ms so a rapid stop/start from
// a flaky client doesn't visibly flap scanStop/scanStart.
func (b *Bluetooth) SetScanning(enabled bool) error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	if b.scanStopTimer != nil {
		b.scanStopTimer.Stop()
		b.scanStopTimer = nil
	}

	if enabled {
		b.scanning = true
		b.emit(events.Event{Topic: events.TopicScanStart, Payload: nil})
		return nil
	}

	b.scanStopTimer = time.AfterFunc(bluetoothScanStopDebounce, func() {
		b.scanMu.Lock()
		b.scanning = false
		b.scanMu.Unlock()
		b.emit(events.Event{Topic: events.TopicScanStop, Payload: nil})
	})
	return nil
}

// HandleFrame decodes frame via the registered parser (if any) and
// emits discovered/updated/data events as appropriate.
func (b *Bluetooth) HandleFrame(frame Frame) {
	parser, ok := b.registry.Lookup(frame.ManufacturerID)
	if !ok {
		return
	}
	parsed, err := parser(frame)
	if err != nil {
		b.emit(events.Event{Topic: events.TopicError, Payload: events.ErrorEvent{Err: err}})
		return
	}

	b.mu.Lock()
	prior, seen := b.known[frame.DeviceID]
	b.known[frame.DeviceID] = parsed.Fields
	b.mu.Unlock()

	if !seen {
		b.emit(events.Event{Topic: events.TopicDeviceDiscovered, Payload: events.DeviceDiscovered{
			DeviceID:       frame.DeviceID,
			Name:           frame.Name,
			ManufacturerID: frame.ManufacturerID,
		}})
	} else if !fieldsEqual(prior, parsed.Fields) {
		b.emit(events.Event{Topic: events.TopicDeviceUpdated, Payload: events.DeviceUpdated{
			DeviceID: frame.DeviceID,
			Fields:   parsed.Fields,
		}})
	}

	for field, reading := range parsed.Readings {
		b.emit(events.Event{Topic: events.TopicDeviceData, Payload: events.DeviceData{
			DeviceID: frame.DeviceID,
			Field:    field,
			Reading:  reading,
		}})
	}
}

func fieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
