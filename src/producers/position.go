package producers

import (
	"context"
	"math"
	"sync"
	"time"

	"vesselrelay/src/concurrency"
	"vesselrelay/src/events"
)

// sourcePriority ranks position sources gps > ais > state-default, per
// spec §4.2.
var sourcePriority = map[string]int{
	"gps":           2,
	"ais":           1,
	"state-default": 0,
}

const positionEpsilonDeg = 1e-6
const positionLivenessInterval = 10 * time.Second

type positionReading struct {
	lat, lon float64
	at       time.Time
}

// Position aggregates readings from multiple sources ranked by
// priority, emitting position:update when the winning source's value
// changes by more than an epsilon, or every 10s for liveness even if
// unchanged (spec §4.2).
type Position struct {
	*base

	mu       sync.Mutex
	ttl      time.Duration
	readings map[string]positionReading

	lastWinner    string
	lastLat       float64
	lastLon       float64
	lastEmittedAt time.Time
	hasEmitted    bool

	changes chan struct{}
}

// NewPosition creates a Position producer whose readings expire after
// ttl if not refreshed.
func NewPosition(ttl time.Duration) *Position {
	return &Position{
		base:     newBase("position", 16),
		ttl:      ttl,
		readings: map[string]positionReading{},
		changes:  make(chan struct{}, 1),
	}
}

// Changes signals (non-blocking, latest-wins) whenever the winning
// position changes, for Weather/Tidal's post-move-fetch debounce.
func (p *Position) Changes() <-chan struct{} { return p.changes }

// CurrentPosition implements the PositionProvider contract Weather/
// Tidal fetchers depend on.
func (p *Position) CurrentPosition() (lat, lon float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasEmitted {
		return 0, 0, false
	}
	return p.lastLat, p.lastLon, true
}

// Ingest records a reading from source (e.g. "gps", "ais") and
// re-evaluates which source currently wins.
func (p *Position) Ingest(source string, lat, lon float64, at time.Time) {
	p.mu.Lock()
	p.readings[source] = positionReading{lat: lat, lon: lon, at: at}
	p.mu.Unlock()
	p.evaluate(false)
}

func (p *Position) Start(ctx context.Context) error {
	p.markReady()
	concurrency.GoSafe(func() { p.livenessLoop(ctx) })
	return nil
}

func (p *Position) Stop(ctx context.Context) error {
	p.requestStop()
	return nil
}

func (p *Position) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(positionLivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluate(true)
		}
	}
}

func (p *Position) evaluate(forceLiveness bool) {
	now := time.Now()

	p.mu.Lock()
	var winner string
	var reading positionReading
	bestPriority := -1
	for source, r := range p.readings {
		if now.Sub(r.at) > p.ttl {
			continue
		}
		pr, known := sourcePriority[source]
		if !known {
			pr = 0
		}
		if pr > bestPriority {
			bestPriority = pr
			winner = source
			reading = r
		}
	}
	if winner == "" {
		p.mu.Unlock()
		return
	}

	changed := !p.hasEmitted ||
		winner != p.lastWinner ||
		math.Abs(reading.lat-p.lastLat) > positionEpsilonDeg ||
		math.Abs(reading.lon-p.lastLon) > positionEpsilonDeg
	liveness := forceLiveness && now.Sub(p.lastEmittedAt) >= positionLivenessInterval

	if !changed && !liveness {
		p.mu.Unlock()
		return
	}

	p.lastWinner = winner
	p.lastLat = reading.lat
	p.lastLon = reading.lon
	p.lastEmittedAt = now
	p.hasEmitted = true
	p.mu.Unlock()

	p.emit(events.Event{Topic: events.TopicPositionUpdate, Payload: events.PositionUpdate{
		Lat: reading.lat, Lon: reading.lon, Source: winner, Timestamp: reading.at,
	}})

	if changed {
		select {
		case p.changes <- struct{}{}:
		default:
		}
	}
}
