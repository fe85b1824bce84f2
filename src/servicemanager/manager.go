// Package servicemanager starts and stops the relay's long-lived
// components in dependency order, and runs the ordered shutdown cascade
// (spec §5): stop accepting connections, close transports, stop
// producers, drain the state store, release resources. Grounded on the
// teacher's bot lifecycle (start Discord session, wait for ready, defer
// close) generalized from one fixed sequence into a small dependency
// graph, since this system has several independently-owned components
// instead of one.
package servicemanager

import (
	"context"
	"fmt"
	"time"

	"vesselrelay/src/logging"
)

// Service is the minimal lifecycle every managed component satisfies.
// events.Producer and hub.Connector both already implement this shape.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() <-chan struct{}
}

// Category orders the shutdown cascade (spec §5); Start order instead
// follows each entry's explicit dependsOn list.
type Category int

const (
	CategoryTransport Category = iota
	CategoryProducer
	CategoryCore
)

type entry struct {
	name      string
	svc       Service
	category  Category
	dependsOn []string
}

// Manager owns the registered services and their start/stop ordering.
type Manager struct {
	entries []entry
	byName  map[string]*entry
}

func New() *Manager {
	return &Manager{byName: map[string]*entry{}}
}

// Register adds a service under name, in category, depending on the
// named already-registered services (which must reach Ready before this
// one starts).
func (m *Manager) Register(name string, svc Service, category Category, dependsOn ...string) {
	e := entry{name: name, svc: svc, category: category, dependsOn: dependsOn}
	m.entries = append(m.entries, e)
	m.byName[name] = &m.entries[len(m.entries)-1]
}

// StartAll starts every registered service in dependency order, waiting
// up to readyTimeout after each Start for that service's Ready signal
// before starting anything that depends on it.
func (m *Manager) StartAll(ctx context.Context, readyTimeout time.Duration) error {
	order, err := m.topoSort()
	if err != nil {
		return err
	}

	started := map[string]Service{}
	for _, name := range order {
		e := m.byName[name]
		for _, dep := range e.dependsOn {
			depSvc, ok := started[dep]
			if !ok {
				return fmt.Errorf("servicemanager: %s depends on unregistered or unstarted service %s", name, dep)
			}
			if err := waitForServiceReady(depSvc, dep, readyTimeout); err != nil {
				return err
			}
		}

		logging.Log.WithField("service", name).Info("starting service")
		if err := e.svc.Start(ctx); err != nil {
			return fmt.Errorf("servicemanager: start %s: %w", name, err)
		}
		started[name] = e.svc
	}

	for _, name := range order {
		if err := waitForServiceReady(started[name], name, readyTimeout); err != nil {
			return err
		}
	}
	return nil
}

func waitForServiceReady(svc Service, name string, timeout time.Duration) error {
	select {
	case <-svc.Ready():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("servicemanager: %s did not become ready within %s", name, timeout)
	}
}

// Shutdown runs the ordered cascade: transports, then producers (with
// drain invoked once every producer has stopped), then core services.
// Every category gets an equal share of totalBudget, measured from when
// that category begins, so a slow Stop cannot shorten a later category's
// share. Services within one category share that category's deadline.
func (m *Manager) Shutdown(totalBudget time.Duration, drain func()) {
	categories := []Category{CategoryTransport, CategoryProducer, CategoryCore}
	perCategory := totalBudget / time.Duration(len(categories))

	for _, cat := range categories {
		deadline := time.Now().Add(perCategory)
		for i := len(m.entries) - 1; i >= 0; i-- {
			e := m.entries[i]
			if e.category != cat {
				continue
			}
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			if err := e.svc.Stop(ctx); err != nil {
				logging.Log.WithField("service", e.name).WithError(err).Warn("service stop reported an error")
			}
			cancel()
		}
		if cat == CategoryProducer && drain != nil {
			drain()
		}
	}
}

func (m *Manager) topoSort() ([]string, error) {
	visited := map[string]int{} // 0 unvisited, 1 in-progress, 2 done
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("servicemanager: dependency cycle detected at %s", name)
		}
		visited[name] = 1
		e, ok := m.byName[name]
		if !ok {
			return fmt.Errorf("servicemanager: unknown dependency %s", name)
		}
		for _, dep := range e.dependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, name)
		return nil
	}

	for _, e := range m.entries {
		if err := visit(e.name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
