// Package cache provides a small bounded set, backed by an LRU cache
// rather than an unbounded map, used to track ids already handled
// within a single call.
package cache

import lru "github.com/hashicorp/golang-lru/v2"

// Set is a bounded set of comparable keys backed by an LRU cache. It's
// built for short-lived membership tracking, not for long-running
// caches: callers size it to the largest input they'll ever see in one
// call, so eviction never silently drops a still-relevant key.
type Set[K comparable] struct {
	lru *lru.Cache[K, struct{}]
}

// NewSet builds a Set capable of holding up to size keys without
// eviction.
func NewSet[K comparable](size int) (*Set[K], error) {
	if size < 1 {
		size = 1
	}
	c, err := lru.New[K, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Set[K]{lru: c}, nil
}

// Seen reports whether k has already been added.
func (s *Set[K]) Seen(k K) bool {
	_, ok := s.lru.Get(k)
	return ok
}

// Add marks k as seen.
func (s *Set[K]) Add(k K) {
	s.lru.Add(k, struct{}{})
}

// Len returns the number of keys currently tracked.
func (s *Set[K]) Len() int {
	return s.lru.Len()
}
