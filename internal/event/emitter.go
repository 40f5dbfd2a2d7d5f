// Package event provides a typed multicast emitter with explicit unsubscribe handles.
package event

import "sync"

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Emitter delivers every emitted value to all current subscribers, in
// subscription order, on the emitting goroutine. Handlers must not block.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []entry[T]
}

// Subscribe registers fn and returns the func that removes it. Calling the
// returned func more than once is a no-op.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	e.next++
	id := e.next
	e.subs = append(e.subs, entry[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler subscribed at the moment of the call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]entry[T], len(e.subs))
	copy(snapshot, e.subs)
	e.mu.Unlock()

	for _, s := range snapshot {
		s.fn(v)
	}
}

// Len returns the number of active subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
