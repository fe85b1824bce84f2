package producers

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"vesselrelay/src/concurrency"
	"vesselrelay/src/events"
	"vesselrelay/src/state"
)

// RecordedPatch is one entry of a recorded telemetry session: a patch
// and the offset, from session start, at which it was originally
// observed.
type RecordedPatch struct {
	Offset time.Duration `json:"offsetMs"`
	Patch  state.Patch   `json:"patch"`
}

// Playback replays a recorded sequence of patches at a configurable
// speed, looping at EOF (spec §4.2). The SQLite-backed recorded store
// used in production is out of scope (spec §1); this reads the same
// shape from an in-memory slice, loaded from JSON on disk when one is
// configured.
type Playback struct {
	*base
	entries []RecordedPatch
	speed   float64
}

// NewPlayback creates a Playback producer over entries, sorted by
// Offset ascending. speed is a multiplier: 2.0 replays twice as fast as
// recorded, 0.5 half as fast.
func NewPlayback(entries []RecordedPatch, speed float64) *Playback {
	if speed <= 0 {
		speed = 1
	}
	return &Playback{base: newBase("playback", 8), entries: entries, speed: speed}
}

// LoadPlaybackJSON reads a recorded session from a JSON file containing
// an array of RecordedPatch.
func LoadPlaybackJSON(path string) ([]RecordedPatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []RecordedPatch
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	// offsetMs is stored in milliseconds; json decodes it into the
	// Duration as a raw count, so scale it up here.
	for i := range entries {
		entries[i].Offset *= time.Millisecond
	}
	return entries, nil
}

func (p *Playback) Start(ctx context.Context) error {
	p.markReady()
	if len(p.entries) == 0 {
		return nil
	}
	concurrency.GoSafe(func() { p.run(ctx) })
	return nil
}

func (p *Playback) Stop(ctx context.Context) error {
	p.requestStop()
	return nil
}

func (p *Playback) run(ctx context.Context) {
	for {
		last := time.Duration(0)
		for _, entry := range p.entries {
			wait := time.Duration(float64(entry.Offset-last) / p.speed)
			last = entry.Offset
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-p.stopCh:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			p.emit(events.Event{Topic: events.TopicPlaybackPatch, Payload: events.PlaybackPatch{Patch: entry.Patch}})
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
	}
}
