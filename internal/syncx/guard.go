// Package syncx holds small generic synchronization helpers.
package syncx

import "sync"

// Guard is a value behind a RWMutex. All access goes through View and Update
// so the lock can't be forgotten.
type Guard[T any] struct {
	mu    sync.RWMutex
	value T
}

func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// View runs fn under the read lock. fn must not retain references into v.
func View[T, R any](g *Guard[T], fn func(v T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(g.value)
}

// Update runs fn under the write lock and returns its error. When fn fails it
// must leave the value as it found it.
func (g *Guard[T]) Update(fn func(v *T) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.value)
}
