package servicemanager

import (
	"context"
	"testing"
	"time"
)

type fakeService struct {
	name     string
	ready    chan struct{}
	started  *[]string
	stopped  *[]string
	startErr error
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.started = append(*f.started, f.name)
	close(f.ready)
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	*f.stopped = append(*f.stopped, f.name)
	return nil
}

func (f *fakeService) Ready() <-chan struct{} { return f.ready }

func newFake(name string, started, stopped *[]string) *fakeService {
	return &fakeService{name: name, ready: make(chan struct{}), started: started, stopped: stopped}
}

func TestStartAll_RespectsDependencyOrder(t *testing.T) {
	var started, stopped []string
	m := New()

	store := newFake("store", &started, &stopped)
	manager := newFake("manager", &started, &stopped)
	direct := newFake("direct", &started, &stopped)

	m.Register("store", store, CategoryCore)
	m.Register("manager", manager, CategoryCore, "store")
	m.Register("direct", direct, CategoryTransport, "manager")

	if err := m.StartAll(context.Background(), time.Second); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if len(started) != 3 || started[0] != "store" || started[1] != "manager" || started[2] != "direct" {
		t.Fatalf("expected start order [store manager direct], got %v", started)
	}
}

func TestStartAll_DetectsDependencyCycle(t *testing.T) {
	var started, stopped []string
	m := New()

	a := newFake("a", &started, &stopped)
	b := newFake("b", &started, &stopped)
	m.Register("a", a, CategoryCore, "b")
	m.Register("b", b, CategoryCore, "a")

	if err := m.StartAll(context.Background(), time.Second); err == nil {
		t.Fatalf("expected a dependency cycle error")
	}
}

func TestShutdown_StopsTransportBeforeProducerBeforeCore(t *testing.T) {
	var started, stopped []string
	m := New()

	core := newFake("core", &started, &stopped)
	producer := newFake("producer", &started, &stopped)
	transport := newFake("transport", &started, &stopped)

	m.Register("core", core, CategoryCore)
	m.Register("producer", producer, CategoryProducer)
	m.Register("transport", transport, CategoryTransport)

	drained := false
	m.Shutdown(time.Second, func() { drained = true })

	if len(stopped) != 3 || stopped[0] != "transport" || stopped[1] != "producer" || stopped[2] != "core" {
		t.Fatalf("expected shutdown order [transport producer core], got %v", stopped)
	}
	if !drained {
		t.Fatalf("expected the drain hook to run between producer and core shutdown")
	}
}
