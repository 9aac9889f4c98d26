package service

import (
	"context"
	"sync"
)

// KeyedStore holds per-key state. Update and Sweep serialize on the key, so a
// read-modify-write on one key never interleaves with another on the same key.
type KeyedStore[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool, error)
	Set(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
	// Update runs fn under the key lock. ok is false when the key is absent.
	Update(ctx context.Context, key K, fn func(current V, ok bool) (V, error)) (V, error)
	// Sweep deletes every entry for which expired returns true, under its key lock.
	Sweep(ctx context.Context, expired func(key K, value V) bool) (int, error)
}

type memEntry[V any] struct {
	mu      sync.Mutex
	value   V
	present bool
	dead    bool
}

// MemoryStore 进程内实现: 外层 map 只保护条目指针, 每个 key 自带一把锁
type MemoryStore[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*memEntry[V]
}

func NewMemoryStore[K comparable, V any]() *MemoryStore[K, V] {
	return &MemoryStore[K, V]{entries: make(map[K]*memEntry[V])}
}

func (s *MemoryStore[K, V]) entry(key K, create bool) *memEntry[V] {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &memEntry[V]{}
	s.entries[key] = e
	return e
}

// lock returns the live entry for key with its mutex held.
func (s *MemoryStore[K, V]) lock(key K, create bool) *memEntry[V] {
	for {
		e := s.entry(key, create)
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if !e.dead {
			return e
		}
		// removed by a concurrent Delete or Sweep, look again
		e.mu.Unlock()
	}
}

// remove drops e from the map. Caller holds e.mu.
func (s *MemoryStore[K, V]) remove(key K, e *memEntry[V]) {
	s.mu.Lock()
	if cur, ok := s.entries[key]; ok && cur == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	e.dead = true
	e.present = false
	var zero V
	e.value = zero
}

func (s *MemoryStore[K, V]) Get(_ context.Context, key K) (V, bool, error) {
	var zero V
	e := s.lock(key, false)
	if e == nil {
		return zero, false, nil
	}
	defer e.mu.Unlock()
	if !e.present {
		return zero, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore[K, V]) Set(_ context.Context, key K, value V) error {
	e := s.lock(key, true)
	defer e.mu.Unlock()
	e.value = value
	e.present = true
	return nil
}

func (s *MemoryStore[K, V]) Delete(_ context.Context, key K) error {
	e := s.lock(key, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()
	s.remove(key, e)
	return nil
}

func (s *MemoryStore[K, V]) Update(_ context.Context, key K, fn func(V, bool) (V, error)) (V, error) {
	e := s.lock(key, true)
	defer e.mu.Unlock()
	next, err := fn(e.value, e.present)
	if err != nil {
		if !e.present {
			s.remove(key, e)
		}
		var zero V
		return zero, err
	}
	e.value = next
	e.present = true
	return next, nil
}

func (s *MemoryStore[K, V]) Sweep(_ context.Context, expired func(K, V) bool) (int, error) {
	s.mu.RLock()
	keys := make([]K, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		e := s.lock(k, false)
		if e == nil {
			continue
		}
		if !e.present || expired(k, e.value) {
			if e.present {
				removed++
			}
			s.remove(k, e)
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// Keys snapshots the current keys.
func (s *MemoryStore[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]K, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemoryStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
