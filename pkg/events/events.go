package events

import (
	"sync"
	"time"
)

type Kind string

const (
	ShardSelected         = Kind("shard_selected")
	PoolResized           = Kind("pool_resized")
	BatchFlushed          = Kind("batch_flushed")
	HotspotDetected       = Kind("hotspot_detected")
	OperationFailed       = Kind("operation_failed")
	ShardUnhealthy        = Kind("shard_unhealthy")
	ShardRecovered        = Kind("shard_recovered")
	CircuitOpen           = Kind("circuit_open")
	CircuitClosed         = Kind("circuit_closed")
	PoolPersistentFailure = Kind("pool_persistent_failure")
)

// Event is a structured operational event. Only the fields relevant to
// the kind are set.
type Event struct {
	Kind        Kind
	Time        time.Time
	Shard       string
	Host        string
	Collection  string
	Priority    string
	OperationID string
	Size        int
	From        int
	To          int
	Score       float64
	Err         error
}

type Sink interface {
	Emit(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Emit is a nil-safe shortcut for components with an optional sink.
func Emit(s Sink, e Event) {
	if s == nil {
		return
	}
	s.Emit(e)
}

type subscription struct {
	kinds map[Kind]struct{}
	fn    func(Event)
}

// Bus fans events out to sinks and subscribers. Delivery is synchronous,
// subscribers must not block.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
	subs  map[int]subscription
	next  int
	now   func() time.Time
}

var _ Sink = &Bus{}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		sinks: sinks,
		subs:  map[int]subscription{},
		now:   time.Now,
	}
}

func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	sinks := b.sinks
	fns := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.kinds) != 0 {
			if _, ok := s.kinds[e.Kind]; !ok {
				continue
			}
		}
		fns = append(fns, s.fn)
	}
	b.mu.RUnlock()

	for _, s := range sinks {
		s.Emit(e)
	}
	for _, fn := range fns {
		fn(e)
	}
}

// Subscribe registers fn for the given kinds, or for every kind when none
// is given. The returned function removes the subscription.
func (b *Bus) Subscribe(fn func(Event), kinds ...Kind) func() {
	s := subscription{
		kinds: make(map[Kind]struct{}, len(kinds)),
		fn:    fn,
	}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Recorder keeps every event it receives. Used by tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ret := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(kinds) == 0 {
			ret = append(ret, e)
			continue
		}
		for _, k := range kinds {
			if e.Kind == k {
				ret = append(ret, e)
				break
			}
		}
	}
	return ret
}
