package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process MetadataStore. Nothing survives a restart, so
// it suits tests and ephemeral caches.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[CacheKey]EntryMetadata
	quota   *QuotaSettings
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[CacheKey]EntryMetadata)}
}

// LoadEntries implements MetadataStore.
func (s *MemoryStore) LoadEntries(context.Context) (map[CacheKey]EntryMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[CacheKey]EntryMetadata, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

// SaveEntries implements MetadataStore.
func (s *MemoryStore) SaveEntries(_ context.Context, entries map[CacheKey]EntryMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[CacheKey]EntryMetadata, len(entries))
	for k, v := range entries {
		s.entries[k] = v
	}
	return nil
}

// UpsertEntry implements MetadataStore.
func (s *MemoryStore) UpsertEntry(_ context.Context, entry EntryMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

// RemoveEntry implements MetadataStore.
func (s *MemoryStore) RemoveEntry(_ context.Context, key CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RemoveEntries implements MetadataStore.
func (s *MemoryStore) RemoveEntries(_ context.Context, keys []CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// UpdateCompressionState implements MetadataStore.
func (s *MemoryStore) UpdateCompressionState(_ context.Context, key CacheKey, state CompressionState, startedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.State = state
	e.CompressionStartedAt = startedAt
	s.entries[key] = e
	return nil
}

// ReplaceEntry implements MetadataStore.
func (s *MemoryStore) ReplaceEntry(_ context.Context, oldKey CacheKey, entry EntryMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, oldKey)
	s.entries[entry.Key] = entry
	return nil
}

// SizeByBook implements MetadataStore.
func (s *MemoryStore) SizeByBook(context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64)
	for _, e := range s.entries {
		out[e.OwnerBookID] += e.SizeBytes
	}
	return out, nil
}

// SizeByVoice implements MetadataStore.
func (s *MemoryStore) SizeByVoice(context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64)
	for _, e := range s.entries {
		out[e.OwnerVoiceID] += e.SizeBytes
	}
	return out, nil
}

// LoadQuota implements MetadataStore.
func (s *MemoryStore) LoadQuota(context.Context) (QuotaSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quota == nil {
		return QuotaSettings{}, false, nil
	}
	return *s.quota, true, nil
}

// SaveQuota implements MetadataStore.
func (s *MemoryStore) SaveQuota(_ context.Context, quota QuotaSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota = &quota
	return nil
}

var _ MetadataStore = (*MemoryStore)(nil)
