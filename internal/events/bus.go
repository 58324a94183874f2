package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"papertrader/pkg/clock"
)

const (
	defaultBuffer  = 256
	defaultTimeout = 50 * time.Millisecond
)

// Bus is the typed pub/sub hub every core component communicates through.
// Each subscriber owns a bounded channel; a publish into a full channel blocks
// up to the configured timeout and is then dropped and counted. Events are
// never lost without being counted.
type Bus struct {
	clock   clock.Clock
	timeout time.Duration

	mu   sync.RWMutex
	subs []*subscriber
	seq  uint64

	cmu       sync.Mutex
	published map[Kind]uint64
	dropped   map[Kind]uint64
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{} // empty means all kinds

	mu     sync.Mutex
	closed bool
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// send enqueues with a bounded wait. It reports false only on a drop; a
// closed subscriber is not a drop. The mutex keeps the send from racing an
// unsubscribe's close.
func (s *subscriber) send(ev Event, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-t.C:
		return false
	}
}

// NewBus creates a bus with the given publish timeout for saturated
// subscriber queues. A non-positive timeout uses the default.
func NewBus(clk clock.Clock, timeout time.Duration) *Bus {
	if clk == nil {
		clk = clock.Real{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Bus{
		clock:     clk,
		timeout:   timeout,
		published: make(map[Kind]uint64),
		dropped:   make(map[Kind]uint64),
	}
}

// Subscribe registers a listener for the given kinds (all kinds when empty)
// and returns the delivery channel plus an unsubscribe function. Delivery
// starts from now; there is no history replay.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{
		ch:    make(chan Event, buffer),
		kinds: make(map[Kind]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			sub.mu.Lock()
			sub.closed = true
			close(sub.ch)
			sub.mu.Unlock()
		})
	}
	return sub.ch, unsub
}

// Publish stamps the event with a monotonic sequence number and timestamp and
// enqueues it to every matching subscriber. It returns once every enqueue has
// either succeeded or timed out; it never waits for consumption.
func (b *Bus) Publish(kind Kind, payload any) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{
		ID:      uuid.NewString(),
		Seq:     b.seq,
		Kind:    kind,
		At:      b.clock.Now(),
		Payload: payload,
	}
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.count(b.published, kind)

	for _, sub := range subs {
		if !sub.wants(kind) {
			continue
		}
		// Queue full: bounded wait, then drop and count.
		if !sub.send(ev, b.timeout) {
			b.count(b.dropped, kind)
		}
	}
	return ev
}

func (b *Bus) count(m map[Kind]uint64, kind Kind) {
	b.cmu.Lock()
	m[kind]++
	b.cmu.Unlock()
}

// Counters is a snapshot of per-kind publish and drop totals.
type Counters struct {
	Published map[Kind]uint64 `json:"published"`
	Dropped   map[Kind]uint64 `json:"dropped"`
}

// Counters returns a copy of the current counter state.
func (b *Bus) Counters() Counters {
	b.cmu.Lock()
	defer b.cmu.Unlock()
	out := Counters{
		Published: make(map[Kind]uint64, len(b.published)),
		Dropped:   make(map[Kind]uint64, len(b.dropped)),
	}
	for k, v := range b.published {
		out.Published[k] = v
	}
	for k, v := range b.dropped {
		out.Dropped[k] = v
	}
	return out
}

// ResetCounters zeroes all counters. Intended for test isolation only;
// sequence numbers are not reset.
func (b *Bus) ResetCounters() {
	b.cmu.Lock()
	defer b.cmu.Unlock()
	b.published = make(map[Kind]uint64)
	b.dropped = make(map[Kind]uint64)
}
