package syncbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) positions() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Position)
	}
	return out
}

func TestPublishSkipsPublisher(t *testing.T) {
	bus := New()
	var a, b, c recorder
	subA := bus.Subscribe(a.handle)
	bus.Subscribe(b.handle)
	bus.Subscribe(c.handle)

	bus.Publish(Message{Position: 120 * time.Second, Source: subA.ID()})

	assert.Empty(t, a.positions())
	assert.Equal(t, []time.Duration{120 * time.Second}, b.positions())
	assert.Equal(t, []time.Duration{120 * time.Second}, c.positions())
}

func TestPublishOrderPerPublisher(t *testing.T) {
	bus := New()
	var r recorder
	bus.Subscribe(r.handle)

	for i := 1; i <= 5; i++ {
		bus.Publish(Message{Position: time.Duration(i) * time.Second})
	}
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}, r.positions())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	var r recorder
	sub := bus.Subscribe(r.handle)

	require.True(t, bus.Unsubscribe(sub))
	bus.Publish(Message{Position: time.Second})

	assert.Empty(t, r.positions())
	assert.Equal(t, 0, bus.Len())
}

func TestUnsubscribeIsSafeForNilAndRepeated(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(func(Message) {})

	assert.False(t, bus.Unsubscribe(nil))
	assert.True(t, bus.Unsubscribe(sub))
	assert.False(t, bus.Unsubscribe(sub))
	assert.False(t, bus.Unsubscribe(&Subscription{id: "never-registered"}))
}

func TestHandlerMayUnsubscribeDuringPublish(t *testing.T) {
	bus := New()
	var sub *Subscription
	calls := 0
	sub = bus.Subscribe(func(Message) {
		calls++
		bus.Unsubscribe(sub)
	})

	bus.Publish(Message{})
	bus.Publish(Message{})
	assert.Equal(t, 1, calls)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(func(Message) {})
			bus.Publish(Message{Position: time.Second, Source: sub.ID()})
			bus.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Len())
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestTapSeesLocalPublishOnly(t *testing.T) {
	bus := New()
	var tapped recorder
	remove := bus.addTap(tapped.handle)

	bus.Publish(Message{Position: time.Second})
	bus.deliverRemote(Message{Position: 2 * time.Second})
	remove()
	bus.Publish(Message{Position: 3 * time.Second})

	assert.Equal(t, []time.Duration{time.Second}, tapped.positions())
}
