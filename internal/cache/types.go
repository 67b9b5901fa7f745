package cache

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for cache operations
var (
	// ErrNotFound is returned when a key has no tracked entry or file.
	ErrNotFound = errors.New("cache entry not found")

	// ErrPinned is returned when a deletion targets a pinned key.
	ErrPinned = errors.New("cache entry is pinned")

	// ErrCorruptArtifact is returned when a file fails validation.
	ErrCorruptArtifact = errors.New("cached artifact is corrupt")

	// ErrCacheWrite is returned when an artifact or its metadata cannot be written.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCompression is returned when transcoding an entry fails.
	ErrCompression = errors.New("compression failed")

	// ErrNothingToCompress is returned when compression is disabled or the
	// entry is not eligible.
	ErrNothingToCompress = errors.New("nothing to compress")

	// ErrEvicted is returned by RegisterEntry when the new entry itself had
	// to be evicted to satisfy the quota.
	ErrEvicted = errors.New("entry evicted on registration")

	// ErrInvalidQuota is returned for quota settings that cannot be enforced.
	ErrInvalidQuota = errors.New("invalid quota settings")

	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("cache manager is closed")
)

// UnknownOwner is recorded as the owning book of artifacts discovered on
// disk without metadata.
const UnknownOwner = "unknown"

// CompressionState tracks an entry through background compression.
type CompressionState int

const (
	// StateRawAudio is an uncompressed PCM container.
	StateRawAudio CompressionState = iota

	// StateCompressing is set while a transcode job owns the entry.
	StateCompressing

	// StateCompressed means the compressed artifact is authoritative.
	StateCompressed

	// StateFailed means the last transcode failed. The raw artifact remains
	// authoritative.
	StateFailed
)

// String returns the persisted name of the state.
func (s CompressionState) String() string {
	switch s {
	case StateRawAudio:
		return "raw"
	case StateCompressing:
		return "compressing"
	case StateCompressed:
		return "compressed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseCompressionState is the inverse of CompressionState.String.
func ParseCompressionState(s string) (CompressionState, error) {
	switch s {
	case "raw":
		return StateRawAudio, nil
	case "compressing":
		return StateCompressing, nil
	case "compressed":
		return StateCompressed, nil
	case "failed":
		return StateFailed, nil
	default:
		return StateRawAudio, fmt.Errorf("unknown compression state %q", s)
	}
}

// SegmentCoordinates locates a segment inside a book.
type SegmentCoordinates struct {
	BookID       string
	ChapterIndex int
	SegmentIndex int
}

// EntryMetadata describes one on-disk artifact.
type EntryMetadata struct {
	Key            CacheKey
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	OwnerBookID    string
	OwnerVoiceID   string
	Segment        SegmentCoordinates
	Backend        string
	AudioDuration  time.Duration
	State          CompressionState

	// CompressionStartedAt is set when a transcode begins and kept after it
	// finishes so that failure cooldowns can be measured.
	CompressionStartedAt *time.Time
}

// Registration is the input to Manager.RegisterEntry.
type Registration struct {
	Key           CacheKey
	SizeBytes     int64
	OwnerBookID   string
	Segment       SegmentCoordinates
	Backend       string
	AudioDuration time.Duration
}

// QuotaSettings bound the total size of the cache.
type QuotaSettings struct {
	MaxSizeBytes                int64
	WarningThresholdPercent     float64
	CompressionThresholdPercent float64
}

// DefaultQuotaSettings returns a 500MB quota with warning at 80% and
// compression from 70%.
func DefaultQuotaSettings() QuotaSettings {
	return QuotaSettings{
		MaxSizeBytes:                500 * 1024 * 1024,
		WarningThresholdPercent:     80,
		CompressionThresholdPercent: 70,
	}
}

// Validate checks the quota can be enforced.
func (q QuotaSettings) Validate() error {
	if q.MaxSizeBytes <= 0 {
		return fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidQuota, q.MaxSizeBytes)
	}
	if q.WarningThresholdPercent < 0 || q.WarningThresholdPercent > 100 {
		return fmt.Errorf("%w: warning threshold %.1f out of range", ErrInvalidQuota, q.WarningThresholdPercent)
	}
	if q.CompressionThresholdPercent < 0 || q.CompressionThresholdPercent > 100 {
		return fmt.Errorf("%w: compression threshold %.1f out of range", ErrInvalidQuota, q.CompressionThresholdPercent)
	}
	return nil
}

// evictionTarget is the size eviction brings the cache down to.
func (q QuotaSettings) evictionTarget() int64 {
	return q.MaxSizeBytes * 9 / 10
}

func (q QuotaSettings) usagePercent(size int64) float64 {
	if q.MaxSizeBytes <= 0 {
		return 0
	}
	return float64(size) / float64(q.MaxSizeBytes) * 100
}

// Budget bounds a prune pass over the audio files.
type Budget struct {
	MaxSizeBytes int64         // 0 disables the size bound
	MaxAge       time.Duration // 0 disables the age bound
}

// UsageStats is a read-only snapshot of the cache.
type UsageStats struct {
	TotalSizeBytes  int64
	QuotaSizeBytes  int64
	EntryCount      int
	CompressedCount int
	PinnedCount     int
	ByBook          map[string]int64
	ByVoice         map[string]int64
	Hits            int64
	Misses          int64
	HitRate         float64
	Warning         bool
}
