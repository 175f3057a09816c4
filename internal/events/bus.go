// Package events is the in-process event feed for task and agent state
// changes. Callback subscribers are invoked synchronously on publish, so
// every event reaches every registered callback at least once. Channel
// subscribers get a buffered stream; a slow channel drops events instead
// of blocking publishers.
package events

import (
	"sync"
	"time"

	"github.com/ankittk/crew/pkg/models"
)

// Handler receives each published event.
type Handler func(models.Event)

// Bus fans events out to callback and channel subscribers.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	chans    map[chan models.Event]struct{}
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		chans:    make(map[chan models.Event]struct{}),
	}
}

// Subscribe registers a callback and returns its subscription id.
func (b *Bus) Subscribe(fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	return id
}

// Unsubscribe removes the callback registered under id.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// SubscribeChan returns a buffered event stream and a cancel func that
// unregisters and closes it.
func (b *Bus) SubscribeChan() (<-chan models.Event, func()) {
	ch := make(chan models.Event, models.DefaultEventChannelBuffer)
	b.mu.Lock()
	b.chans[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.chans[ch]; ok {
			delete(b.chans, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers. Callbacks run inline on the
// publisher's goroutine; publishers must tolerate that.
func (b *Bus) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.handlers {
		fn(ev)
	}
	for ch := range b.chans {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is too slow; prevents global backpressure.
		}
	}
}
