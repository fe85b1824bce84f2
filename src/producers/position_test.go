package producers

import (
	"context"
	"testing"
	"time"

	"vesselrelay/src/events"
)

func TestPosition_HighestPriorityFreshSourceWins(t *testing.T) {
	p := NewPosition(5 * time.Second)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	p.Ingest("ais", 1.0, 1.0, time.Now())
	recvEvent(t, p) // ais is the only fresh source at this point
	p.Ingest("gps", 2.0, 2.0, time.Now())

	ev := recvEvent(t, p)
	got := ev.Payload.(events.PositionUpdate)
	if got.Source != "gps" || got.Lat != 2.0 {
		t.Fatalf("expected gps to win over ais, got %+v", got)
	}
}

func TestPosition_SubEpsilonChangeDoesNotEmit(t *testing.T) {
	p := NewPosition(5 * time.Second)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	p.Ingest("gps", 10.0, 10.0, time.Now())
	recvEvent(t, p)

	p.Ingest("gps", 10.0+1e-9, 10.0, time.Now())
	select {
	case ev := <-p.Events():
		t.Fatalf("did not expect an emission for a sub-epsilon change, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPosition_StaleReadingFallsThrough(t *testing.T) {
	p := NewPosition(10 * time.Millisecond)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	p.Ingest("gps", 5.0, 5.0, time.Now())
	recvEvent(t, p)

	time.Sleep(20 * time.Millisecond)
	p.Ingest("ais", 6.0, 6.0, time.Now())

	ev := recvEvent(t, p)
	got := ev.Payload.(events.PositionUpdate)
	if got.Source != "ais" {
		t.Fatalf("expected ais to win once gps went stale, got %+v", got)
	}
}

func recvEvent(t *testing.T, p *Position) events.Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return events.Event{}
	}
}
