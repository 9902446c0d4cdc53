package events

import (
	"sync"
)

// Listener handles a delivered event.
type Listener func(ev Event)

type subscription struct {
	id       uint64
	types    map[Type]struct{}
	listener Listener
}

// Bus fans events out to subscribers synchronously, in emit order.
// Listeners run outside the bus lock and may subscribe or emit themselves.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers l for the given types, or for every type when none are
// given. The returned func removes the subscription.
func (b *Bus) Subscribe(l Listener, types ...Type) func() {
	if l == nil {
		return func() {}
	}
	sub := subscription{listener: l}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

// Emit delivers ev to every matching subscriber before returning.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		sub.listener(ev)
	}
}

// Len reports the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

var _ Emitter = (*Bus)(nil)
