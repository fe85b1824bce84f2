package state

import (
	"sync"
	"sync/atomic"
	"time"

	"vesselrelay/src/relayerr"
)

// EventKind distinguishes a synthetic full snapshot from an incremental
// patch delivered to a subscriber.
type EventKind int

const (
	EventFullUpdate EventKind = iota
	EventPatch
)

// Event is what StateStore delivers to subscribers: either the whole
// document (once, on subscribe) or the minimal emitted patch.
type Event struct {
	Kind     EventKind
	Document *Node // set when Kind == EventFullUpdate
	Patch    Patch // set when Kind == EventPatch
	Version  uint64
	At       time.Time
}

type timestampKey struct {
	path   string
	source string
}

// StateStore owns the single canonical document. Mutation is serialized
// through applyPatch (one logical writer at a time); reads go through
// Snapshot, which loads an atomic pointer and never blocks on a writer.
// This generalizes the teacher's presenceStore mutex-guarded map
// (src/store/presence.go in Eggwite-Tether) to a structured document
// with an atomic-swap read path instead of a read lock.
type StateStore struct {
	writeMu sync.Mutex
	root    atomic.Pointer[Node]
	version uint64

	lastMeasurement map[timestampKey]time.Time

	subMu     sync.Mutex
	listeners map[int]chan Event
	nextID    int
}

// NewStateStore creates a store seeded with an empty document.
func NewStateStore() *StateStore {
	s := &StateStore{
		lastMeasurement: map[timestampKey]time.Time{},
		listeners:       map[int]chan Event{},
	}
	s.root.Store(NewObject())
	return s
}

// Snapshot returns the current document and its version. The returned
// node is never mutated in place by the store and is safe to read
// concurrently with in-flight writes.
func (s *StateStore) Snapshot() (*Node, uint64) {
	return s.root.Load(), atomic.LoadUint64(&s.version)
}

// ApplyPatch validates and applies patch against the current document.
// On success it returns the minimal emitted patch (no-op operations
// dropped) and the new version. On rejection the document is left
// completely unchanged.
func (s *StateStore) ApplyPatch(patch Patch) (Patch, uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	before := s.root.Load()
	working := before.Clone()

	emitted := make(Patch, 0, len(patch))
	for _, op := range patch {
		prior, hadPrior := Get(working, op.Path)
		if op.Op == "replace" && hadPrior && prior.Equal(NodeFromValue(op.Value)) {
			continue // no-op: dropped from the emitted patch
		}
		if err := applyOp(working, op); err != nil {
			if _, ok := err.(*pathNotFoundError); ok {
				return nil, 0, &relayerr.PathNotFound{Path: op.Path}
			}
			return nil, 0, &relayerr.PatchRejected{Reason: err.Error()}
		}
		emitted = append(emitted, op)
	}

	if err := checkStructuralInvariants(working); err != nil {
		return nil, 0, &relayerr.PatchRejected{Reason: err.Error()}
	}
	if err := s.checkMeasurementMonotonicity(emitted); err != nil {
		return nil, 0, &relayerr.PatchRejected{Reason: err.Error()}
	}

	if len(emitted) == 0 {
		v := atomic.LoadUint64(&s.version)
		return emitted, v, nil
	}

	s.commitMeasurementTimestamps(emitted)
	newVersion := atomic.AddUint64(&s.version, 1)
	s.root.Store(working)
	s.broadcast(Event{Kind: EventPatch, Patch: emitted, Version: newVersion, At: time.Now()})

	return emitted, newVersion, nil
}

// checkMeasurementMonotonicity rejects a patch that would set a
// measurement's timestamp before the last timestamp recorded for the
// same (path, source) pair (spec §4.1's monotonicity invariant). Ties
// are allowed: two readings from the same source can legitimately share
// a low-resolution timestamp. Only checked, not committed, here;
// commitMeasurementTimestamps runs after the whole patch is known to be
// acceptable.
func (s *StateStore) checkMeasurementMonotonicity(patch Patch) error {
	for _, op := range patch {
		m, ok := op.Value.(Measurement)
		if !ok {
			continue
		}
		key := timestampKey{path: op.Path, source: m.Source}
		if last, seen := s.lastMeasurement[key]; seen && m.Timestamp.Before(last) {
			return &relayerr.PatchRejected{Reason: "measurement timestamp at " + op.Path + " is before the last recorded timestamp for source " + m.Source}
		}
	}
	return nil
}

func (s *StateStore) commitMeasurementTimestamps(patch Patch) {
	for _, op := range patch {
		m, ok := op.Value.(Measurement)
		if !ok {
			continue
		}
		key := timestampKey{path: op.Path, source: m.Source}
		s.lastMeasurement[key] = m.Timestamp
	}
}

// Subscribe registers listener and synchronously delivers a full-update
// event before returning, guaranteeing the subscriber sees the document
// in the exact state it was in at registration before observing any
// patch with a strictly greater version (spec §4.2's ordering
// guarantee). The channel is buffered; callers own draining it and must
// call the returned unsubscribe function exactly once.
func (s *StateStore) Subscribe(buffer int) (<-chan Event, func()) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, version := s.Snapshot()

	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch
	s.subMu.Unlock()

	ch <- Event{Kind: EventFullUpdate, Document: doc, Version: version, At: time.Now()}

	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// broadcast fans an event out to every subscriber's buffered channel.
// A full channel means a slow or stalled subscriber; the event is
// dropped for that subscriber rather than blocking every other one.
// The dropped event is not redelivered and no gap notice is sent.
func (s *StateStore) broadcast(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
