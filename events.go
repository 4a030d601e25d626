package cywlink

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/soypat/cywlink/whd"
)

// DefaultSubscriptionLen is the queue length used when Subscribe is called
// with a non-positive capacity.
const DefaultSubscriptionLen = 8

// Event is an asynchronous firmware event.
type Event struct {
	Type     whd.AsyncEventType
	Status   whd.EStatus
	Reason   uint32
	Flags    uint16
	AuthType uint32
	Addr     [6]byte
	Iface    uint8
	// Data is event specific data. It is shared by all subscribers and must not be modified.
	Data []byte
}

func eventFromPacket(pkt *whd.EventPacket, data []byte) Event {
	msg := &pkt.Message
	return Event{
		Type:     msg.EventType,
		Status:   msg.Status,
		Reason:   msg.Reason,
		Flags:    msg.Flags,
		AuthType: msg.AuthType,
		Addr:     msg.Addr,
		Iface:    msg.IfIdx,
		Data:     slices.Clone(data),
	}
}

// EventFilter selects the events a Subscription receives. A nil filter
// selects all events.
type EventFilter func(whd.AsyncEventType) bool

// EventTypes returns a filter matching any of types.
func EventTypes(types ...whd.AsyncEventType) EventFilter {
	return func(t whd.AsyncEventType) bool {
		return slices.Contains(types, t)
	}
}

// LinkEvents matches the events that drive the link state.
var LinkEvents = EventTypes(
	whd.EvSET_SSID, whd.EvJOIN, whd.EvAUTH, whd.EvDEAUTH, whd.EvDEAUTH_IND,
	whd.EvDISASSOC, whd.EvDISASSOC_IND, whd.EvLINK, whd.EvPSK_SUP, whd.EvESCAN_RESULT,
)

// dropQueue is a bounded queue that discards its oldest entry when full.
type dropQueue[T any] struct {
	c       chan T
	dropped atomic.Uint64
}

func newDropQueue[T any](capacity int) *dropQueue[T] {
	return &dropQueue[T]{c: make(chan T, capacity)}
}

// push never blocks.
func (q *dropQueue[T]) push(v T) {
	for {
		select {
		case q.c <- v:
			return
		default:
		}
		select {
		case <-q.c:
			q.dropped.Add(1)
		default:
		}
	}
}

// fanout delivers values to a dynamic set of queues. Pushes hold the read
// lock so a queue is never closed while a value is in flight.
type fanout[T any] struct {
	mu   sync.RWMutex
	subs map[*dropQueue[T]]func(T) bool
}

func (f *fanout[T]) add(capacity int, match func(T) bool) *dropQueue[T] {
	if capacity <= 0 {
		capacity = DefaultSubscriptionLen
	}
	q := newDropQueue[T](capacity)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[*dropQueue[T]]func(T) bool)
	}
	f.subs[q] = match
	f.mu.Unlock()
	return q
}

func (f *fanout[T]) publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for q, match := range f.subs {
		if match == nil || match(v) {
			q.push(v)
		}
	}
}

func (f *fanout[T]) remove(q *dropQueue[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[q]; ok {
		delete(f.subs, q)
		close(q.c)
	}
}

// closeAll closes every queue. New queues may be added afterwards.
func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for q := range f.subs {
		close(q.c)
	}
	clear(f.subs)
}

type eventBus = fanout[Event]

// Subscription receives firmware events published after its creation.
type Subscription struct {
	q   *dropQueue[Event]
	bus *eventBus
}

// Subscribe registers a subscription with room for capacity queued events.
// When full the oldest event is dropped. The subscription is closed by Close
// or when the Runner stops; it is returned closed if the Runner already has.
func (d *Device) Subscribe(filter EventFilter, capacity int) *Subscription {
	var match func(Event) bool
	if filter != nil {
		match = func(ev Event) bool { return filter(ev.Type) }
	}
	if capacity <= 0 {
		capacity = d.cfg.EventQueueLen
	}
	sub := &Subscription{q: d.events.add(capacity, match), bus: &d.events}
	if d.sess.Load().isDead() {
		sub.Close()
	}
	return sub
}

// C returns the event channel. It is closed with the subscription.
func (s *Subscription) C() <-chan Event { return s.q.c }

// Next blocks for the next event.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.q.c:
		if !ok {
			return Event{}, ErrSubscriptionClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.q.dropped.Load() }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s.q) }
