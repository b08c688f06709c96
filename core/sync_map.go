package core

import "sync"

// SyncMap is an implementation of a map that is safe for concurrent usage.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// Update retrieves the value for a key, applies f to it and stores the result.
// When f returns keep == false the key is deleted instead.
// It guarantees that the whole operation is atomic.
func (s *SyncMap[K, V]) Update(key K, f func(value V, ok bool) (V, bool)) V {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	value, keep := f(value, ok)
	if keep {
		s.m[key] = value
	} else {
		delete(s.m, key)
	}
	return value
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *SyncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *SyncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.m {
		if !f(k, v) {
			break
		}
	}
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex hands out one mutex per key. Locks for keys nobody holds or
// waits on are released, so the set of keys may be unbounded.
type KeyedMutex struct {
	locks *SyncMap[string, *keyedLock]
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: NewSyncMap[string, *keyedLock]()}
}

// Lock blocks until the lock for key is held and returns the function that releases it.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	l := k.locks.Update(key, func(l *keyedLock, ok bool) (*keyedLock, bool) {
		if !ok {
			l = &keyedLock{}
		}
		l.refs++
		return l, true
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.locks.Update(key, func(l *keyedLock, ok bool) (*keyedLock, bool) {
			if !ok {
				return l, false
			}
			l.refs--
			return l, l.refs > 0
		})
	}
}
