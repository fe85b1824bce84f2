package sync

import (
	"sync"
	"sync/atomic"
	"time"

	"vesselrelay/src/concurrency"
	"vesselrelay/src/logging"
)

const defaultQueueCapacity = 100

// OutboundMessage is one frame queued for delivery to a Subscriber.
type OutboundMessage struct {
	Type       string
	Data       any
	Version    uint64
	Timestamp  time.Time
	IsSnapshot bool
}

// TransportSend delivers one message to a connected client. A non-nil
// error terminates the subscriber.
type TransportSend func(clientID string, msg OutboundMessage) error

// Subscriber is spec §3's Subscriber record plus the bounded outgoing
// queue described in §4.4. Grounded on the drop-oldest backpressure
// pattern in the IoT hub's per-client Send channel (other_examples
// omniapi-iot-platform websocket-hub.go), adapted from a channel to an
// explicit deque so the "oldest non-snapshot" eviction rule (a snapshot
// must never be silently dropped) can be expressed precisely.
type Subscriber struct {
	ID            string
	Transport     string
	ConnectedAt   time.Time
	Subscriptions map[string]bool

	lastActivity atomic.Int64 // unix millis
	backpressure atomic.Uint64

	mu       sync.Mutex
	queue    []OutboundMessage
	notify   chan struct{}
	capacity int

	send   TransportSend
	onFail func(subscriberID string, err error)
}

func newSubscriber(id, transport string, subscriptions map[string]bool, send TransportSend, onFail func(string, error)) *Subscriber {
	s := &Subscriber{
		ID:            id,
		Transport:     transport,
		ConnectedAt:   time.Now(),
		Subscriptions: subscriptions,
		notify:        make(chan struct{}, 1),
		capacity:      defaultQueueCapacity,
		send:          send,
		onFail:        onFail,
	}
	s.lastActivity.Store(time.Now().UnixMilli())
	return s
}

// TouchActivity records client liveness (ping, any inbound message).
func (s *Subscriber) TouchActivity() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

func (s *Subscriber) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

func (s *Subscriber) Backpressure() uint64 { return s.backpressure.Load() }

// Enqueue appends msg to the outgoing queue. On overflow, the oldest
// non-snapshot message is dropped (FIFO eviction) and the backpressure
// counter is incremented (spec §4.4). A snapshot is never itself
// dropped by this path since Subscribers only ever have one in flight,
// sent before anything else can queue behind it.
func (s *Subscriber) Enqueue(msg OutboundMessage) {
	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		evicted := false
		for i, m := range s.queue {
			if !m.IsSnapshot {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if evicted {
			s.backpressure.Add(1)
		}
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run drains the queue in FIFO order until stopped, delivering each
// message via send. Runs for the Subscriber's whole connected lifetime.
func (s *Subscriber) run(stop <-chan struct{}) {
	concurrency.GoSafe(func() {
		for {
			select {
			case <-stop:
				return
			case <-s.notify:
			}
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				msg := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()

				if err := s.send(s.ID, msg); err != nil {
					logging.Log.WithFields(map[string]any{
						"subscriber": s.ID,
						"transport":  s.Transport,
						"error":      err,
					}).Warn("transport send failed, terminating subscriber")
					s.onFail(s.ID, err)
					return
				}
			}
		}
	})
}
