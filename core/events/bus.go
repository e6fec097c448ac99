package events

import (
	"context"
	"sync"

	"statechannels/observability"
)

const (
	defaultHistoryLimit     = 1024
	defaultSubscriberBuffer = 64
)

// Delivery is an event stamped with its position in the bus.
type Delivery struct {
	Sequence uint64 `json:"sequence"`
	Event    Event  `json:"event"`
}

// Bus fans events out to any number of subscribers. Slow subscribers lose
// events rather than block the emitter; the recent history lets a client
// resume from the last sequence it saw.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan Delivery
	history []Delivery
	limit   int
	buffer  int
	metrics eventCounter
}

type eventCounter interface {
	RecordEmitted(kind string)
	RecordDropped(kind string)
}

// NewBus returns a bus keeping historyLimit past events. Non-positive
// values select the defaults.
func NewBus(historyLimit, subscriberBuffer int) *Bus {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberBuffer
	}
	return &Bus{
		subs:    make(map[uint64]chan Delivery),
		limit:   historyLimit,
		buffer:  subscriberBuffer,
		metrics: observability.Events(),
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.seq++
	delivery := Delivery{Sequence: b.seq, Event: e}
	b.history = append(b.history, delivery)
	if len(b.history) > b.limit {
		excess := len(b.history) - b.limit
		trimmed := make([]Delivery, b.limit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	// Sends happen under the lock so cancel never closes a channel mid-send.
	b.metrics.RecordEmitted(string(e.Type))
	for _, ch := range b.subs {
		select {
		case ch <- delivery:
		default:
			b.metrics.RecordDropped(string(e.Type))
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber. The returned backlog holds the retained
// events after since; the channel carries everything emitted afterwards and
// is closed by cancel or when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, since uint64) (<-chan Delivery, func(), []Delivery) {
	updates := make(chan Delivery, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Delivery, 0, len(b.history))
	for _, entry := range b.history {
		if entry.Sequence > since {
			backlog = append(backlog, entry)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-stop:
			}
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
