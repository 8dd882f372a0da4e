// Package events fans runner notifications out to API streams and the
// command line. Slow subscribers drop events instead of blocking the
// publisher.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Type names an event.
type Type string

const (
	TypeRunStarted    Type = "run_started"
	TypeRunFinished   Type = "run_finished"
	TypeCountsChanged Type = "counts_changed"
	TypeItemChanged   Type = "item_changed"
	TypeLaunchFailed  Type = "launch_failed"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Event is one notification.
type Event struct {
	ID   string    `json:"id"`
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Publisher is implemented by Bus.
type Publisher interface {
	Publish(typ Type, data any)
}

// Bus delivers every published event to every subscriber.
type Bus struct {
	log    logrus.FieldLogger
	buffer int

	mu   sync.RWMutex
	subs map[string]chan Event
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(log logrus.FieldLogger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	return &Bus{
		log:    log.WithField("component", "events"),
		buffer: buffer,
		subs:   make(map[string]chan Event, 4),
	}
}

// Subscribe registers a new subscriber. The returned function closes its
// channel and must be called once.
func (b *Bus) Subscribe() (id string, ch <-chan Event, unsubscribe func()) {
	id = uuid.NewString()
	c := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[id] = c
	b.mu.Unlock()

	b.log.WithField("subscriber", id).Debug("Subscriber added")

	var once sync.Once

	return id, c, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			close(c)

			b.log.WithField("subscriber", id).Debug("Subscriber removed")
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Publish sends an event to every subscriber without blocking.
func (b *Bus) Publish(typ Type, data any) {
	ev := Event{
		ID:   uuid.NewString(),
		Type: typ,
		Time: time.Now().UTC(),
		Data: data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, c := range b.subs {
		select {
		case c <- ev:
		default:
			b.log.WithFields(logrus.Fields{
				"subscriber": id,
				"type":       typ,
			}).Warn("Subscriber buffer full, dropping event")
		}
	}
}
