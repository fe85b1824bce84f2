package producers

import (
	"context"
	"time"

	"vesselrelay/src/events"
	"vesselrelay/src/state"
)

// Modbus exposes vessel.systems readings (tanks, batteries, engines) as
// system:update events. The Modbus transport and register map are a
// process-exclusive hardware adapter out of scope for this core (spec
// §1); Modbus here is only the translation boundary an adapter pushes
// decoded readings through via Ingest, the same shape Bluetooth uses
// for HandleFrame.
type Modbus struct {
	*base
}

func NewModbus() *Modbus {
	return &Modbus{base: newBase("modbus", 32)}
}

func (m *Modbus) Start(ctx context.Context) error {
	m.markReady()
	return nil
}

func (m *Modbus) Stop(ctx context.Context) error {
	m.requestStop()
	return nil
}

// Ingest records one decoded register reading. path is relative to
// vessel.systems, e.g. "tanks/fresh-water/level" or "batteries/house/voltage".
func (m *Modbus) Ingest(path string, value float64, units string, source string) {
	m.emit(events.Event{Topic: events.TopicSystemUpdate, Payload: events.SystemUpdate{
		Path: path,
		Reading: state.Measurement{
			Value:     value,
			Units:     units,
			Timestamp: time.Now(),
			Source:    source,
		},
	}})
}
