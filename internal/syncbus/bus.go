// Package syncbus broadcasts playback positions between open sessions.
package syncbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message carries a playback position. Source is the publishing subscription id
// and is only used to skip the publisher on delivery.
type Message struct {
	Position time.Duration `json:"position_ns"`
	Source   string        `json:"source,omitempty"`
}

type Handler func(Message)

// Subscription is the token returned by Subscribe.
type Subscription struct {
	id string
}

func (s *Subscription) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

type entry struct {
	id      string
	handler Handler
}

// Bus is a many-to-many publish/subscribe channel. Handlers run on the
// publisher's goroutine, outside the bus lock, in subscription order.
type Bus struct {
	mu      sync.Mutex
	subs    []entry
	taps    map[int]func(Message)
	nextTap int
}

func New() *Bus {
	return &Bus{}
}

var (
	defaultOnce sync.Once
	defaultBus  *Bus
)

// Default returns the process-wide bus.
func Default() *Bus {
	defaultOnce.Do(func() { defaultBus = New() })
	return defaultBus
}

func (b *Bus) Subscribe(h Handler) *Subscription {
	sub := &Subscription{id: uuid.NewString()}
	b.mu.Lock()
	b.subs = append(b.subs, entry{id: sub.id, handler: h})
	b.mu.Unlock()
	return sub
}

// Unsubscribe stops delivery to sub. Nil, unknown and already removed
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.subs {
		if e.id == sub.id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers msg to every subscriber except msg.Source. Messages from
// one publisher arrive in publish order; nothing is promised across publishers.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	subs := append([]entry(nil), b.subs...)
	taps := make([]func(Message), 0, len(b.taps))
	for _, tap := range b.taps {
		taps = append(taps, tap)
	}
	b.mu.Unlock()

	for _, e := range subs {
		if e.id == msg.Source {
			continue
		}
		e.handler(msg)
	}
	for _, tap := range taps {
		tap(msg)
	}
}

// deliverRemote fans a message from another process out to local subscribers
// without feeding it back into the taps.
func (b *Bus) deliverRemote(msg Message) {
	b.mu.Lock()
	subs := append([]entry(nil), b.subs...)
	b.mu.Unlock()

	for _, e := range subs {
		if e.id == msg.Source {
			continue
		}
		e.handler(msg)
	}
}

// addTap registers fn to see every local publish. The returned func removes it.
func (b *Bus) addTap(fn func(Message)) func() {
	b.mu.Lock()
	if b.taps == nil {
		b.taps = make(map[int]func(Message))
	}
	id := b.nextTap
	b.nextTap++
	b.taps[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.taps, id)
		b.mu.Unlock()
	}
}

// Len reports the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
