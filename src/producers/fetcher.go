package producers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vesselrelay/src/concurrency"
	"vesselrelay/src/events"
	"vesselrelay/src/relayerr"
)

// PositionProvider is the dependency Weather/Tidal fetchers need from
// Position: the current best-known fix, if any.
type PositionProvider interface {
	CurrentPosition() (lat, lon float64, ok bool)
	Changes() <-chan struct{}
}

// FetchFunc performs one external HTTPS fetch for the given position.
type FetchFunc func(ctx context.Context, lat, lon float64) (map[string]any, error)

// WrapFunc builds the domain event to emit from a successful fetch.
type WrapFunc func(data map[string]any, at time.Time) events.Event

// fetcher is the Scheduled lifecycle shared by Weather and Tidal: fetch
// on a fixed interval, debounced by 1s after the position changes, with
// exponential backoff (base 1s, factor 2, 3 attempts total) per spec
// §4.2. Grounded on the retry-policy-as-object shape in
// steveyegge-beads/internal/storage/dolt/store.go, which wraps a mutating
// operation in backoff.Retry(..., backoff.WithContext(bo, ctx)).
type fetcher struct {
	*base
	interval time.Duration
	position PositionProvider
	fetch    FetchFunc
	wrap     WrapFunc
}

func newFetcher(name string, buffer int, interval time.Duration, position PositionProvider, fetch FetchFunc, wrap WrapFunc) *fetcher {
	return &fetcher{
		base:     newBase(name, buffer),
		interval: interval,
		position: position,
		fetch:    fetch,
		wrap:     wrap,
	}
}

func (f *fetcher) Start(ctx context.Context) error {
	f.markReady()
	concurrency.GoSafe(func() { f.run(ctx) })
	return nil
}

func (f *fetcher) Stop(ctx context.Context) error {
	f.requestStop()
	return nil
}

func (f *fetcher) run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var nextAllowed time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-f.position.Changes():
			if earliest := time.Now().Add(time.Second); earliest.After(nextAllowed) {
				nextAllowed = earliest
			}
		case <-ticker.C:
			if time.Now().Before(nextAllowed) {
				continue
			}
			lat, lon, ok := f.position.CurrentPosition()
			if !ok {
				continue
			}
			f.attempt(ctx, lat, lon)
		}
	}
}

func (f *fetcher) attempt(ctx context.Context, lat, lon float64) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx)

	var result map[string]any
	op := func() error {
		r, err := f.fetch(ctx, lat, lon)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	if err := backoff.Retry(op, bounded); err != nil {
		f.emit(events.Event{Topic: events.TopicError, Payload: events.ErrorEvent{
			Err: &relayerr.ExternalFetchError{Source: f.Name(), Err: err},
		}})
		return
	}
	f.emit(f.wrap(result, time.Now()))
}
