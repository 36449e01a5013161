// Package notify fans driver events out to websocket clients, the snapshot
// store and NATS.
package notify

import (
	"sync"
	"time"

	"dana/pump/driver"
)

type subscriber struct {
	ch chan driver.Event
}

// Bus is a driver.EventSink delivering every event to all subscribers.
// Subscribers with a full buffer miss the event; Publish never blocks the
// I/O loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	size int
}

func NewBus(buffer int) *Bus {
	return &Bus{subs: make(map[*subscriber]struct{}), size: buffer}
}

// Subscribe registers a receiver. The returned function unsubscribes and
// closes the channel.
func (b *Bus) Subscribe() (<-chan driver.Event, func()) {
	s := &subscriber{ch: make(chan driver.Event, b.size)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *Bus) Publish(e driver.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
