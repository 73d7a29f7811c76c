package sfsd

import (
	"errors"
	"sync"
)

// ErrRegistryFull is returned when every slot of a registry is taken.
var ErrRegistryFull = errors.New("registry is full")

// Registry is a bounded arena of slots. Freed slot ids go on a free list
// and are handed out again before the arena grows. Ids are stable for the
// lifetime of an entry.
type Registry[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []int
	limit int
	n     int
}

type slot[T any] struct {
	value T
	used  bool
}

// NewRegistry returns a registry holding at most limit entries.
func NewRegistry[T any](limit int) *Registry[T] {
	if limit < 1 {
		limit = 1
	}
	return &Registry[T]{limit: limit}
}

// Add stores v and returns its slot id.
func (r *Registry[T]) Add(v T) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[id] = slot[T]{value: v, used: true}
		r.n++
		return id, nil
	}
	if len(r.slots) >= r.limit {
		return -1, ErrRegistryFull
	}
	r.slots = append(r.slots, slot[T]{value: v, used: true})
	r.n++
	return len(r.slots) - 1, nil
}

// Get returns the entry in slot id.
func (r *Registry[T]) Get(id int) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if id < 0 || id >= len(r.slots) || !r.slots[id].used {
		return zero, false
	}
	return r.slots[id].value, true
}

// Remove frees slot id and returns what it held.
func (r *Registry[T]) Remove(id int) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if id < 0 || id >= len(r.slots) || !r.slots[id].used {
		return zero, false
	}
	v := r.slots[id].value
	r.slots[id] = slot[T]{}
	r.free = append(r.free, id)
	r.n--
	return v, true
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Limit returns the capacity.
func (r *Registry[T]) Limit() int {
	return r.limit
}

// Each calls fn for every entry in slot order until fn returns false. fn
// must not call back into the registry.
func (r *Registry[T]) Each(fn func(id int, v T) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.slots {
		if s.used && !fn(id, s.value) {
			return
		}
	}
}
