package aggregator

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenSet remembers the most recent keys up to a fixed capacity, forgetting
// the oldest first. Lookups never refresh a key, so eviction is in insertion
// order.
type SeenSet struct {
	keys *lru.Cache[string, struct{}]
}

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	// New only fails for a non-positive size.
	keys, _ := lru.New[string, struct{}](capacity)
	return &SeenSet{keys: keys}
}

func (s *SeenSet) Has(key string) bool {
	return s.keys.Contains(key)
}

// Add records key and reports whether it was new.
func (s *SeenSet) Add(key string) bool {
	found, _ := s.keys.ContainsOrAdd(key, struct{}{})
	return !found
}

func (s *SeenSet) Len() int {
	return s.keys.Len()
}
