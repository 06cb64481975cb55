package lifecycle

import (
	"cmp"
	"reflect"
	"slices"
	"sync"
)

// entry is a registered object with the hints resolved at registration.
type entry[T comparable, H any] struct {
	value T
	hints H
	seq   uint64
}

// registry is a set of lifecycle participants keyed by identity.
//
// Readers get copies taken under the lock, so a sweep never observes a
// registry that is half way through a mutation.
type registry[T comparable, H any] struct {
	mu      sync.Mutex
	entries map[T]entry[T, H]
	nextSeq uint64
}

func newRegistry[T comparable, H any]() *registry[T, H] {
	return &registry[T, H]{entries: make(map[T]entry[T, H])}
}

// add inserts v with its hints. It reports false if v is already present
// or cannot be used as a map key.
func (r *registry[T, H]) add(v T, hints H) bool {
	if !hashable(v) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[v]; ok {
		return false
	}
	r.nextSeq++
	r.entries[v] = entry[T, H]{value: v, hints: hints, seq: r.nextSeq}
	return true
}

// remove deletes v and reports whether it was present.
func (r *registry[T, H]) remove(v T) bool {
	if !hashable(v) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[v]; !ok {
		return false
	}
	delete(r.entries, v)
	return true
}

func (r *registry[T, H]) contains(v T) bool {
	if !hashable(v) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[v]
	return ok
}

func (r *registry[T, H]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// snapshot returns a copy of the current entries in registration order.
func (r *registry[T, H]) snapshot() []entry[T, H] {
	r.mu.Lock()
	out := r.collect()
	r.mu.Unlock()
	return out
}

// drain empties the registry and returns what it held in registration order.
func (r *registry[T, H]) drain() []entry[T, H] {
	r.mu.Lock()
	out := r.collect()
	clear(r.entries)
	r.mu.Unlock()
	return out
}

// collect must be called with mu held.
func (r *registry[T, H]) collect() []entry[T, H] {
	out := make([]entry[T, H], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b entry[T, H]) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// sortByPriority orders entries by descending priority. Entries with equal
// priority keep registration order.
func sortByPriority[T comparable, H any](entries []entry[T, H], priority func(H) int) {
	slices.SortStableFunc(entries, func(a, b entry[T, H]) int {
		if c := cmp.Compare(priority(b.hints), priority(a.hints)); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

// hashable reports whether v can be used as a map key without panicking.
// The check looks at the dynamic values held in interface fields, so a
// struct carrying a slice behind an interface is rejected.
func hashable(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).Comparable()
}
