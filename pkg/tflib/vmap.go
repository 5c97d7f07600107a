package tflib

import "sync"

// vmap is a mutex-protected generic map used for the structures that are
// written by scheduler tasks and pruned by removal observers running on other
// goroutines (scan threads, transfer strategies).
type vmap[K comparable, V any] struct {
	kv map[K]V
	mu sync.RWMutex
}

func newVMap[K comparable, V any]() *vmap[K, V] {
	return &vmap[K, V]{kv: make(map[K]V)}
}

func (m *vmap[K, V]) Set(key K, val V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = val
}

func (m *vmap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.kv[key]
	return val, ok
}

func (m *vmap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
}

func (m *vmap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kv)
}

// Range calls f for each entry until f returns false. f must not mutate the
// map; use DeleteFunc for conditional pruning.
func (m *vmap[K, V]) Range(f func(key K, val V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.kv {
		if !f(k, v) {
			return
		}
	}
}

// DeleteFunc removes every entry for which f returns true and reports how many
// entries were removed.
func (m *vmap[K, V]) DeleteFunc(f func(key K, val V) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, v := range m.kv {
		if f(k, v) {
			delete(m.kv, k)
			n++
		}
	}
	return n
}

// Values returns a snapshot of the current values.
func (m *vmap[K, V]) Values() []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vals := make([]V, 0, len(m.kv))
	for _, v := range m.kv {
		vals = append(vals, v)
	}
	return vals
}
