// Package events provides a small synchronous publish/subscribe primitive
// used to fan hardware events out to the protocol stack.
package events

import "sync"

type listener[T any] struct {
	fn func(T)
}

// Dispatcher broadcasts values of type T to all registered listeners,
// synchronously on the publishing goroutine and in registration order.
// The zero value is not usable; construct with New.
type Dispatcher[T any] struct {
	mu        sync.RWMutex
	listeners []*listener[T]
}

// New creates an empty dispatcher.
func New[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{}
}

// Subscribe registers fn to be invoked for every published value. The
// returned cancel function removes the listener; calling it more than once is
// harmless. Listeners registered during a Publish call see only subsequent
// publishes.
func (d *Dispatcher[T]) Subscribe(fn func(T)) (cancel func()) {
	l := &listener[T]{fn: fn}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		for i, cur := range d.listeners {
			if cur == l {
				// full-slice expression forces a fresh backing array so a
				// snapshot held by a concurrent Publish stays intact
				d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
	}
}

// Publish invokes every registered listener with v, in registration order,
// on the calling goroutine. A slow listener directly delays the caller.
func (d *Dispatcher[T]) Publish(v T) {
	d.mu.RLock()
	snapshot := d.listeners
	d.mu.RUnlock()
	for _, l := range snapshot {
		l.fn(v)
	}
}

// Len reports the number of registered listeners.
func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}
