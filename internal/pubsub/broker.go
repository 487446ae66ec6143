// Package pubsub provides the in-process event broker that fans out log
// lines and team state changes to interested subscribers (the logs command,
// the monitor loop).
package pubsub

import (
	"context"
	"sync"
	"time"
)

// EventType is the verb attached to a published event.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event is a timestamped payload delivered to subscribers.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

const defaultBuffer = 64

// Broker fans events out to any number of subscribers. Publishing never
// blocks: a subscriber that falls behind its buffer loses events.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[chan Event[T]]struct{}
	done   chan struct{}
	buffer int
}

// NewBroker returns a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBuffer)
}

// NewBrokerWithBuffer returns a broker with the given per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:   make(map[chan Event[T]]struct{}),
		done:   make(chan struct{}),
		buffer: size,
	}
}

// Subscribe registers a new subscriber. The returned channel closes when ctx
// is cancelled or the broker shuts down. Subscribing to a closed broker
// yields an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.buffer)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers payload to every subscriber whose buffer has room.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Full buffer: the subscriber is behind, drop rather than
			// stall the publisher.
		}
	}
}

// Close shuts the broker down and closes every subscriber channel. Safe to
// call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
