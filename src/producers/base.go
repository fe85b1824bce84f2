// Package producers implements the internal sources that feed the
// canonical store: Position, Weather, Tidal, Bluetooth, Modbus, and
// Playback. Each satisfies events.Producer, generalizing the source's
// "extend ScheduledService"/"extend ContinuousService" prototype chain
// into one small interface plus a scheduler (spec §9), grounded on the
// teacher's launch.go goroutine-per-concern shape (Eggwite-Tether
// src/bot/launch.go) generalized from "one bot" to "one producer per
// lifecycle".
package producers

import (
	"sync"

	"vesselrelay/src/events"
)

// base is embedded by every producer; it supplies the Name/Ready/Events
// plumbing so each producer only implements Start/Stop and its own
// domain logic.
type base struct {
	name      string
	readyCh   chan struct{}
	readyOnce sync.Once
	eventsCh  chan events.Event
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func newBase(name string, buffer int) *base {
	return &base{
		name:     name,
		readyCh:  make(chan struct{}),
		eventsCh: make(chan events.Event, buffer),
		stopCh:   make(chan struct{}),
	}
}

func (b *base) Name() string                { return b.name }
func (b *base) Ready() <-chan struct{}      { return b.readyCh }
func (b *base) Events() <-chan events.Event { return b.eventsCh }

func (b *base) markReady() { b.readyOnce.Do(func() { close(b.readyCh) }) }

// emit is non-blocking: a producer never stalls on a slow StateManager
// consumer. An event dropped here is not re-sent: Position, Weather,
// Tidal and Modbus carry a fresh value on their next change, tick or
// reading, but a dropped device:discovered or playback patch is lost.
func (b *base) emit(ev events.Event) {
	select {
	case b.eventsCh <- ev:
	default:
	}
}

func (b *base) requestStop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}
