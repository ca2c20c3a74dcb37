// Package events carries host notifications (sleep, wake, permission and
// device changes) to the session controller.
package events

import (
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	SystemSleep        Kind = "system_sleep"
	SystemWake         Kind = "system_wake"
	PermissionLost     Kind = "permission_lost"
	DeviceDisconnected Kind = "device_disconnected"
	DeviceConnected    Kind = "device_connected"
)

// Event is one notification. Subject names the permission or device, for
// example "microphone" or a wearable name.
type Event struct {
	Kind    Kind
	Subject string
	At      time.Time
}

func New(kind Kind, subject string) Event {
	return Event{Kind: kind, Subject: subject, At: time.Now()}
}

// Bus fans events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event_dropped", slog.String("kind", string(ev.Kind)))
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
