package cache

import (
	"context"
	"time"
)

// MetadataStore is the durable key to metadata index. It is the source of
// truth: the manager's in-memory index must be rebuildable from it alone.
type MetadataStore interface {
	// LoadEntries returns every persisted entry.
	LoadEntries(ctx context.Context) (map[CacheKey]EntryMetadata, error)

	// SaveEntries replaces the persisted set with entries.
	SaveEntries(ctx context.Context, entries map[CacheKey]EntryMetadata) error

	UpsertEntry(ctx context.Context, entry EntryMetadata) error
	RemoveEntry(ctx context.Context, key CacheKey) error
	RemoveEntries(ctx context.Context, keys []CacheKey) error

	// UpdateCompressionState persists a compression transition. startedAt
	// may be nil to clear it.
	UpdateCompressionState(ctx context.Context, key CacheKey, state CompressionState, startedAt *time.Time) error

	// ReplaceEntry atomically removes oldKey and inserts entry.
	ReplaceEntry(ctx context.Context, oldKey CacheKey, entry EntryMetadata) error

	SizeByBook(ctx context.Context) (map[string]int64, error)
	SizeByVoice(ctx context.Context) (map[string]int64, error)

	// LoadQuota returns the persisted quota, or false if none was saved.
	LoadQuota(ctx context.Context) (QuotaSettings, bool, error)
	SaveQuota(ctx context.Context, quota QuotaSettings) error
}
