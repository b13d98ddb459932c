package events

import (
	"sync"

	"cylo/core/types"
)

const broadcastHistoryLimit = 2048

// EventCarrier is implemented by events that can render themselves into the
// wire-level attribute representation consumed by RPC subscribers.
type EventCarrier interface {
	Event
	Event() *types.Event
}

// Broadcast couples a monotonically increasing sequence number with the
// rendered event payload so subscribers can resume from a cursor.
type Broadcast struct {
	Sequence uint64
	Event    *types.Event
}

// Broadcaster fans emitted events out to an arbitrary number of subscribers.
// Slow subscribers never block emission: deliveries to a full channel are
// dropped and the subscriber is expected to resynchronise from the backlog.
type Broadcaster struct {
	mu      sync.Mutex
	seq     uint64
	nextSub uint64
	subs    map[uint64]chan Broadcast
	history []Broadcast
}

// NewBroadcaster returns an empty broadcaster ready for subscriptions.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Broadcast)}
}

// Emit implements the Emitter interface. Events that do not carry a rendered
// payload are silently ignored.
func (b *Broadcaster) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	carrier, ok := evt.(EventCarrier)
	if !ok {
		return
	}
	rendered := carrier.Event()
	if rendered == nil {
		return
	}

	b.mu.Lock()
	b.seq++
	broadcast := Broadcast{Sequence: b.seq, Event: rendered}
	b.history = append(b.history, broadcast)
	if len(b.history) > broadcastHistoryLimit {
		excess := len(b.history) - broadcastHistoryLimit
		trimmed := make([]Broadcast, broadcastHistoryLimit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	subscribers := make([]chan Broadcast, 0, len(b.subs))
	for _, ch := range b.subs {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its delivery channel, any
// backlog recorded after the supplied cursor, and a cancel function that must
// be invoked once the subscriber goes away.
func (b *Broadcaster) Subscribe(cursor uint64) (<-chan Broadcast, []Broadcast, func()) {
	ch := make(chan Broadcast, 64)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	var backlog []Broadcast
	for _, entry := range b.history {
		if entry.Sequence > cursor {
			backlog = append(backlog, entry)
		}
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, backlog, cancel
}
