// Package events is the notification sink kansas publishes token lifecycle
// and accounting events to.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/pario-ai/kansas/pkg/models"
)

// Type names an event.
type Type string

const (
	Create       Type = "create"
	Delete       Type = "delete"
	Consume      Type = "consume"
	PolicyChange Type = "policyChange"
	MaxTokens    Type = "maxTokens"
)

// Event is a single notification. Which fields are set depends on Type:
//
//	create, delete   Token
//	consume          TokenID, Units, Value (remaining or consumed), Err when
//	                 the token did not exist
//	policyChange     Change, Policy
//	maxTokens        Request, MaxTokens
type Event struct {
	Type      Type
	Token     *models.Token
	TokenID   string
	Units     int64
	Value     int64
	Count     bool
	Change    *models.PolicyChange
	Policy    *models.Policy
	Request   *models.TokenRequest
	MaxTokens int64
	Err       error
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// DefaultBuffer is the per-subscriber queue size.
const DefaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
	closed  bool
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers e to every subscriber with room in its queue.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving events and a function that
// unsubscribes and closes it. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Handle runs fn for every event on its own goroutine until the returned
// stop function is called. stop waits for fn to return.
func (b *Bus) Handle(fn func(Event)) (stop func()) {
	ch, unsubscribe := b.Subscribe(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			fn(e)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

// Dropped returns the number of deliveries skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are no-ops.
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
