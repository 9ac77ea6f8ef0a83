package broadcast

import (
	"sort"
	"sync"
)

// Listeners is an observer list with stable subscription handles.
// The zero value is ready to use.
type Listeners[T any] struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]func(T)
}

// Add registers fn and returns the handle that removes it.
func (l *Listeners[T]) Add(fn func(T)) *Subscription {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[int64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.entries[id] = fn
	l.mu.Unlock()

	return NewSubscription(func() {
		l.mu.Lock()
		delete(l.entries, id)
		l.mu.Unlock()
	})
}

// Notify calls every registered listener in registration order.
// Listeners run outside the lock so they may add or remove listeners.
func (l *Listeners[T]) Notify(value T) {
	l.mu.Lock()
	ids := make([]int64, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(T), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, l.entries[id])
	}
	l.mu.Unlock()

	for _, callback := range callbacks {
		callback(value)
	}
}

// Len reports the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes every listener.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
