// Package pubsub provides a typed publish/subscribe topic. Each subscription
// returns a Cancel handle that removes it.
package pubsub

import "sync"

// Cancel removes a subscription. Calling it more than once is a no-op.
type Cancel func()

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Topic delivers values to its subscribers in registration order.
// The zero value is ready to use.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
	closed bool
}

// Subscribe registers fn. Subscribing to a closed topic returns a no-op Cancel.
func (t *Topic[T]) Subscribe(fn func(T)) Cancel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return func() {}
	}
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

// Publish invokes every subscriber with v and returns how many were called.
// Subscribers run on the caller's goroutine, outside the topic lock.
func (t *Topic[T]) Publish(v T) int {
	t.mu.RLock()
	snapshot := make([]subscriber[T], len(t.subs))
	copy(snapshot, t.subs)
	t.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(v)
	}
	return len(snapshot)
}

// Len reports the number of live subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close drops every subscription and rejects new ones.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = nil
}
