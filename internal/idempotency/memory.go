package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store bounded by both a TTL and a maximum
// entry count. When full, the oldest key is evicted first.
type MemoryStore struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
	order   []string // insertion order, oldest first
}

type memoryEntry struct {
	messageID uuid.UUID
	expires   time.Time
}

func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	return &MemoryStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expires) {
		return uuid.Nil, false, nil
	}
	return e.messageID, true, nil
}

func (s *MemoryStore) Remember(_ context.Context, key string, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, exists := s.entries[key]; !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = memoryEntry{messageID: messageID, expires: now.Add(s.ttl)}
	s.evict(now)
	return nil
}

// evict drops expired keys from the front of the queue and then the
// oldest keys until the store is within maxEntries. Must hold s.mu.
func (s *MemoryStore) evict(now time.Time) {
	drop := 0
	for drop < len(s.order) {
		key := s.order[drop]
		e := s.entries[key]
		over := s.maxEntries > 0 && len(s.entries) > s.maxEntries
		if !over && now.Before(e.expires) {
			break
		}
		delete(s.entries, key)
		drop++
	}
	if drop > 0 {
		s.order = append(s.order[:0:0], s.order[drop:]...)
	}
}

// Len returns the number of retained keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
