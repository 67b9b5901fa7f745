package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/metrics"
	"github.com/dustin/go-humanize"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Quota is used until a quota has been persisted with SetQuota.
	Quota QuotaSettings

	// HotWindow keeps recently used entries out of compression. Unlike the
	// other fields it is not defaulted: zero means no hot window.
	HotWindow time.Duration

	// FailureCooldown excludes failed entries from compression for a while.
	FailureCooldown time.Duration

	Weights ScoreWeights
	Logger  *log.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// DefaultManagerConfig returns the recommended configuration. NewManager
// fills zero fields from it, except HotWindow.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Quota:           DefaultQuotaSettings(),
		HotWindow:       10 * time.Minute,
		FailureCooldown: time.Hour,
		Weights:         DefaultScoreWeights(),
	}
}

// scheduler receives keys eligible for background compression.
type scheduler interface {
	Schedule(keys []CacheKey)
}

// Manager owns the metadata index. It is the only writer of the index and
// of the store, enforces the quota synchronously on every registration and
// hands eligible entries to the compressor.
type Manager struct {
	audio   *AudioCache
	store   MetadataStore
	cfg     ManagerConfig
	log     *log.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	entries   map[CacheKey]*EntryMetadata
	total     int64
	quota     QuotaSettings
	scheduler scheduler
	warned    bool
	closed    bool
	hits      int64
	misses    int64
}

// NewManager returns a manager over audio and store. Call Initialize before
// use.
func NewManager(audio *AudioCache, store MetadataStore, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.Quota.MaxSizeBytes == 0 {
		cfg.Quota = def.Quota
	}
	if cfg.FailureCooldown == 0 {
		cfg.FailureCooldown = def.FailureCooldown
	}
	if cfg.Weights == (ScoreWeights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("cache")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		audio:   audio,
		store:   store,
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Clock,
		entries: make(map[CacheKey]*EntryMetadata),
		quota:   cfg.Quota,
	}
}

// Audio returns the underlying file store.
func (m *Manager) Audio() *AudioCache { return m.audio }

// ScratchDir returns a directory on the cache's filesystem where backends
// can write output before it is ingested.
func (m *Manager) ScratchDir() (string, error) { return m.audio.ScratchDir() }

func (m *Manager) setScheduler(s scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduler = s
}

// Initialize loads persisted metadata and quota, reconciles them with the
// files on disk and enforces the quota.
func (m *Manager) Initialize(ctx context.Context) (ReconcileReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ReconcileReport{}, ErrClosed
	}

	quota, ok, err := m.store.LoadQuota(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("load quota: %w", err)
	}
	if ok {
		if err := quota.Validate(); err != nil {
			m.log.Warn("Ignoring persisted quota", "err", err)
		} else {
			m.quota = quota
		}
	}

	report, err := m.reconcileLocked(ctx)
	if err != nil {
		return report, err
	}

	evicted := m.evictLocked(ctx, CacheKey{})
	report.Evicted = len(evicted)
	m.afterMutationLocked()

	m.log.Info("Cache initialized",
		"entries", len(m.entries),
		"size", humanize.IBytes(uint64(m.total)), //nolint:gosec
		"quota", humanize.IBytes(uint64(m.quota.MaxSizeBytes)), //nolint:gosec
		"registered", report.Registered,
		"removed", report.Removed,
		"reset", report.Reset,
		"repaired", report.Repaired,
	)
	return report, nil
}

// Close stops accepting mutations.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// RegisterEntry records a freshly written raw artifact and enforces the
// quota before returning. If the new entry itself had to be evicted the
// returned error wraps ErrEvicted.
func (m *Manager) RegisterEntry(ctx context.Context, reg Registration) (EntryMetadata, error) {
	if reg.Key.IsZero() {
		return EntryMetadata{}, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return EntryMetadata{}, ErrClosed
	}

	now := m.now()
	e := EntryMetadata{
		Key:            reg.Key,
		SizeBytes:      reg.SizeBytes,
		CreatedAt:      now,
		LastAccessedAt: now,
		OwnerBookID:    reg.OwnerBookID,
		OwnerVoiceID:   reg.Key.Voice(),
		Segment:        reg.Segment,
		Backend:        reg.Backend,
		AudioDuration:  reg.AudioDuration,
		State:          StateRawAudio,
	}
	prev, existed := m.entries[reg.Key]
	if existed {
		e.CreatedAt = prev.CreatedAt
		e.AccessCount = prev.AccessCount
	}

	if err := m.store.UpsertEntry(ctx, e); err != nil {
		return EntryMetadata{}, fmt.Errorf("%w: upsert %s: %v", ErrCacheWrite, reg.Key, err)
	}
	if existed && prev.State == StateCompressed {
		if err := m.audio.RemoveVariant(reg.Key, m.audio.CompressedFormat()); err != nil {
			m.log.Warn("Failed to remove superseded variant", "key", reg.Key, "err", err)
		}
	}
	m.putLocked(e)

	m.log.Debug("Registered entry", "key", reg.Key, "size", reg.SizeBytes, "book", reg.OwnerBookID)

	evicted := m.evictLocked(ctx, reg.Key)
	m.afterMutationLocked()
	for _, k := range evicted {
		if k == reg.Key {
			return e, fmt.Errorf("%w: %s does not fit the quota", ErrEvicted, reg.Key)
		}
	}
	return e, nil
}

// Ingest moves a backend's WAV output into the cache and registers it. It
// returns the path of the stored artifact.
func (m *Manager) Ingest(ctx context.Context, src string, reg Registration) (string, error) {
	size, err := m.audio.Store(reg.Key, src)
	if err != nil {
		return "", err
	}
	path := m.audio.PathFor(reg.Key, FormatWAV)
	reg.SizeBytes = size
	if reg.AudioDuration == 0 {
		if d, err := ProbeWAV(path); err == nil {
			reg.AudioDuration = d
		}
	}
	if _, err := m.RegisterEntry(ctx, reg); err != nil {
		return "", err
	}
	return path, nil
}

// Ready returns the path of a valid artifact for key and records the use.
// Untracked files are adopted; unreadable artifacts are dropped and
// reported as a miss.
func (m *Manager) Ready(ctx context.Context, key CacheKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		adopted, err := m.adoptLocked(ctx, key)
		if err != nil {
			m.missLocked()
			return "", false
		}
		e = adopted
	}

	format := m.audio.formatFor(e.State)
	if _, err := m.audio.Validate(key, format); err != nil {
		m.log.Warn("Dropping unreadable artifact", "key", key, "err", err)
		m.discardLocked(ctx, key)
		m.missLocked()
		return "", false
	}

	if err := m.touchLocked(ctx, e, format); err != nil {
		m.log.Warn("Failed to record cache hit", "key", key, "err", err)
	}
	m.hits++
	m.metrics.CacheLookup(true)
	return m.audio.PathFor(key, format), true
}

// MarkUsed records an access. An untracked key whose file exists is adopted
// first.
func (m *Manager) MarkUsed(ctx context.Context, key CacheKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		adopted, err := m.adoptLocked(ctx, key)
		if err != nil {
			return err
		}
		e = adopted
	}
	return m.touchLocked(ctx, e, m.audio.formatFor(e.State))
}

func (m *Manager) touchLocked(ctx context.Context, e *EntryMetadata, format Format) error {
	updated := *e
	updated.LastAccessedAt = m.now()
	updated.AccessCount++
	if err := m.store.UpsertEntry(ctx, updated); err != nil {
		return fmt.Errorf("%w: mark used %s: %v", ErrCacheWrite, e.Key, err)
	}
	m.putLocked(updated)
	if err := m.audio.Touch(e.Key, format); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.log.Debug("Failed to touch artifact", "key", e.Key, "err", err)
	}
	return nil
}

func (m *Manager) missLocked() {
	m.misses++
	m.metrics.CacheLookup(false)
}

// adoptLocked registers an artifact found on disk without metadata.
func (m *Manager) adoptLocked(ctx context.Context, key CacheKey) (*EntryMetadata, error) {
	for _, state := range []CompressionState{StateRawAudio, StateCompressed} {
		format := m.audio.formatFor(state)
		size, err := m.audio.Validate(key, format)
		if err != nil {
			continue
		}

		now := m.now()
		e := EntryMetadata{
			Key:            key,
			SizeBytes:      size,
			CreatedAt:      now,
			LastAccessedAt: now,
			OwnerBookID:    UnknownOwner,
			OwnerVoiceID:   key.Voice(),
			State:          state,
		}
		if state == StateRawAudio {
			if d, err := ProbeWAV(m.audio.PathFor(key, format)); err == nil {
				e.AudioDuration = d
			}
		}
		if err := m.store.UpsertEntry(ctx, e); err != nil {
			return nil, fmt.Errorf("%w: adopt %s: %v", ErrCacheWrite, key, err)
		}
		m.putLocked(e)
		m.log.Info("Adopted untracked artifact", "key", key, "state", state, "size", size)

		m.evictLocked(ctx, key)
		m.afterMutationLocked()
		if adopted, ok := m.entries[key]; ok {
			return adopted, nil
		}
		return nil, ErrEvicted
	}
	return nil, ErrNotFound
}

// discardLocked deletes an entry's files and metadata unless it is pinned.
func (m *Manager) discardLocked(ctx context.Context, key CacheKey) {
	if err := m.audio.Delete(key); err != nil {
		if errors.Is(err, ErrPinned) {
			return
		}
		m.log.Warn("Failed to delete artifact", "key", key, "err", err)
	}
	m.dropLocked(key)
	if err := m.store.RemoveEntry(ctx, key); err != nil {
		m.log.Warn("Failed to remove metadata", "key", key, "err", err)
	}
	m.afterMutationLocked()
}

// Lookup returns a copy of the entry for key.
func (m *Manager) Lookup(key CacheKey) (EntryMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return EntryMetadata{}, false
	}
	return *e, true
}

// Entries returns a copy of every entry ordered by key.
func (m *Manager) Entries() []EntryMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EntryMetadata, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Pin protects key from eviction and deletion.
func (m *Manager) Pin(key CacheKey) bool { return m.audio.Pin(key) }

// Unpin makes key evictable again.
func (m *Manager) Unpin(key CacheKey) bool { return m.audio.Unpin(key) }

// IsPinned reports whether key is pinned.
func (m *Manager) IsPinned(key CacheKey) bool { return m.audio.IsPinned(key) }

// DeleteByPrefix removes every unpinned entry and file whose key starts with
// prefix.
func (m *Manager) DeleteByPrefix(ctx context.Context, prefix string) ([]CacheKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, fileErr := m.audio.DeleteByPrefix(prefix)
	seen := make(map[CacheKey]struct{}, len(deleted))
	for _, k := range deleted {
		seen[k] = struct{}{}
	}
	for k := range m.entries {
		if _, ok := seen[k]; ok || !k.HasPrefix(prefix) || m.audio.protected(k) {
			continue
		}
		seen[k] = struct{}{}
		deleted = append(deleted, k)
	}

	for _, k := range deleted {
		m.dropLocked(k)
	}
	if len(deleted) > 0 {
		if err := m.store.RemoveEntries(ctx, deleted); err != nil {
			return deleted, fmt.Errorf("%w: remove %d entries: %v", ErrCacheWrite, len(deleted), err)
		}
	}
	m.afterMutationLocked()

	m.log.Info("Deleted entries by prefix", "prefix", prefix, "count", len(deleted))
	return deleted, fileErr
}

// Clear deletes every artifact and all metadata, and resets pins.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fileErr := m.audio.Clear()
	m.entries = make(map[CacheKey]*EntryMetadata)
	m.total = 0
	if err := m.store.SaveEntries(ctx, map[CacheKey]EntryMetadata{}); err != nil {
		return fmt.Errorf("%w: clear metadata: %v", ErrCacheWrite, err)
	}
	m.afterMutationLocked()
	m.log.Info("Cache cleared")
	return fileErr
}

// Prune runs a size and age pass over the files and drops metadata for
// entries that lost their authoritative file.
func (m *Manager) Prune(ctx context.Context, budget Budget) ([]CacheKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, pruneErr := m.audio.PruneIfNeeded(budget)
	var gone []CacheKey
	for _, k := range deleted {
		e, ok := m.entries[k]
		if !ok {
			continue
		}
		if _, err := m.audio.Validate(k, m.audio.formatFor(e.State)); err == nil {
			continue
		}
		m.dropLocked(k)
		gone = append(gone, k)
	}
	if len(gone) > 0 {
		if err := m.store.RemoveEntries(ctx, gone); err != nil {
			return gone, fmt.Errorf("%w: remove pruned entries: %v", ErrCacheWrite, err)
		}
	}
	m.afterMutationLocked()
	return gone, pruneErr
}

// EvictIfNeeded enforces the quota outside of a registration.
func (m *Manager) EvictIfNeeded(ctx context.Context) []CacheKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := m.evictLocked(ctx, CacheKey{})
	m.afterMutationLocked()
	return evicted
}

// Quota returns the active quota.
func (m *Manager) Quota() QuotaSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quota
}

// SetQuota validates, persists and applies a new quota, evicting right away
// if the cache no longer fits.
func (m *Manager) SetQuota(ctx context.Context, q QuotaSettings) error {
	if err := q.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SaveQuota(ctx, q); err != nil {
		return fmt.Errorf("%w: save quota: %v", ErrCacheWrite, err)
	}
	m.quota = q
	m.evictLocked(ctx, CacheKey{})
	m.afterMutationLocked()
	return nil
}

// UsageStats returns a snapshot of the index.
func (m *Manager) UsageStats() UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := UsageStats{
		TotalSizeBytes: m.total,
		QuotaSizeBytes: m.quota.MaxSizeBytes,
		EntryCount:     len(m.entries),
		PinnedCount:    m.audio.PinnedCount(),
		ByBook:         make(map[string]int64),
		ByVoice:        make(map[string]int64),
		Hits:           m.hits,
		Misses:         m.misses,
		Warning:        m.warned,
	}
	for _, e := range m.entries {
		if e.State == StateCompressed {
			stats.CompressedCount++
		}
		stats.ByBook[e.OwnerBookID] += e.SizeBytes
		stats.ByVoice[e.OwnerVoiceID] += e.SizeBytes
	}
	if lookups := m.hits + m.misses; lookups > 0 {
		stats.HitRate = float64(m.hits) / float64(lookups)
	}
	return stats
}

// CompressionCandidates lists entries eligible for compression, least
// recently used first.
func (m *Manager) CompressionCandidates() []CacheKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressionCandidatesLocked()
}

func (m *Manager) compressionCandidatesLocked() []CacheKey {
	now := m.now()
	var eligible []EntryMetadata
	for k, e := range m.entries {
		if m.audio.protected(k) || now.Sub(e.LastAccessedAt) < m.cfg.HotWindow {
			continue
		}
		if m.compressibleLocked(e, now) {
			eligible = append(eligible, *e)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LastAccessedAt.Before(eligible[j].LastAccessedAt)
	})

	keys := make([]CacheKey, len(eligible))
	for i, e := range eligible {
		keys[i] = e.Key
	}
	return keys
}

func (m *Manager) compressibleLocked(e *EntryMetadata, now time.Time) bool {
	switch e.State {
	case StateRawAudio:
		return true
	case StateFailed:
		return e.CompressionStartedAt == nil || now.Sub(*e.CompressionStartedAt) >= m.cfg.FailureCooldown
	default:
		return false
	}
}

// beginCompression moves an eligible entry into StateCompressing.
func (m *Manager) beginCompression(ctx context.Context, key CacheKey) (EntryMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return EntryMetadata{}, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return EntryMetadata{}, fmt.Errorf("%w: %s is not tracked", ErrNothingToCompress, key)
	}
	now := m.now()
	if !m.compressibleLocked(e, now) {
		return EntryMetadata{}, fmt.Errorf("%w: %s is %s", ErrNothingToCompress, key, e.State)
	}
	if _, err := m.audio.Validate(key, FormatWAV); err != nil {
		return EntryMetadata{}, fmt.Errorf("%w: source for %s: %v", ErrNothingToCompress, key, err)
	}

	if err := m.store.UpdateCompressionState(ctx, key, StateCompressing, &now); err != nil {
		return EntryMetadata{}, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	updated := *e
	updated.State = StateCompressing
	updated.CompressionStartedAt = &now
	m.putLocked(updated)
	return updated, nil
}

// finishCompression swaps an entry onto its compressed variant.
func (m *Manager) finishCompression(ctx context.Context, key CacheKey, size int64) (EntryMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return EntryMetadata{}, fmt.Errorf("%w: %s was removed during compression", ErrNotFound, key)
	}
	if e.State != StateCompressing {
		return EntryMetadata{}, fmt.Errorf("%w: %s is %s", ErrCompression, key, e.State)
	}

	updated := *e
	updated.State = StateCompressed
	updated.SizeBytes = size
	if err := m.store.ReplaceEntry(ctx, key, updated); err != nil {
		return EntryMetadata{}, fmt.Errorf("%w: replace %s: %v", ErrCacheWrite, key, err)
	}
	m.putLocked(updated)
	m.afterMutationLocked()
	return updated, nil
}

// abortCompression moves a compressing entry to state, which is StateFailed
// after a transcode error or StateRawAudio after cancellation.
func (m *Manager) abortCompression(ctx context.Context, key CacheKey, state CompressionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.State != StateCompressing {
		return
	}
	updated := *e
	updated.State = state
	if state == StateRawAudio {
		updated.CompressionStartedAt = nil
	}
	if err := m.store.UpdateCompressionState(ctx, key, state, updated.CompressionStartedAt); err != nil {
		m.log.Warn("Failed to persist compression state", "key", key, "state", state, "err", err)
	}
	m.putLocked(updated)
}

// evictLocked deletes the lowest-scoring unpinned entries until the index
// fits 90% of the quota. incoming, if set, is considered last. Entries being
// compressed are busy in the audio cache and skipped with the pinned ones.
func (m *Manager) evictLocked(ctx context.Context, incoming CacheKey) []CacheKey {
	if m.total <= m.quota.MaxSizeBytes {
		return nil
	}

	now := m.now()
	var candidates []EntryMetadata
	var last *EntryMetadata
	for k, e := range m.entries {
		if m.audio.protected(k) {
			continue
		}
		if k == incoming {
			c := *e
			last = &c
			continue
		}
		candidates = append(candidates, *e)
	}
	m.cfg.Weights.rankForEviction(candidates, now)
	if last != nil {
		candidates = append(candidates, *last)
	}

	target := m.quota.evictionTarget()
	var evicted []CacheKey
	for _, e := range candidates {
		if m.total <= target {
			break
		}
		if err := m.audio.Delete(e.Key); err != nil {
			if !errors.Is(err, ErrPinned) {
				m.log.Warn("Failed to evict artifact", "key", e.Key, "err", err)
			}
			continue
		}
		m.dropLocked(e.Key)
		evicted = append(evicted, e.Key)
	}

	if len(evicted) > 0 {
		if err := m.store.RemoveEntries(ctx, evicted); err != nil {
			m.log.Error("Failed to remove evicted metadata", "count", len(evicted), "err", err)
		}
		m.metrics.Evicted(len(evicted))
		m.log.Debug("Evicted entries", "count", len(evicted), "size", m.total, "target", target)
	}
	if m.total > m.quota.MaxSizeBytes {
		m.log.Warn("Cache exceeds quota; remaining entries are pinned or busy",
			"size", humanize.IBytes(uint64(m.total)), //nolint:gosec
			"quota", humanize.IBytes(uint64(m.quota.MaxSizeBytes)), //nolint:gosec
		)
	}
	return evicted
}

// afterMutationLocked updates the warning flag and metrics and schedules
// compression once usage crosses the compression threshold.
func (m *Manager) afterMutationLocked() {
	pct := m.quota.usagePercent(m.total)

	warn := m.quota.WarningThresholdPercent > 0 && pct >= m.quota.WarningThresholdPercent
	if warn && !m.warned {
		m.log.Warn("Cache usage above warning threshold", "percent", fmt.Sprintf("%.1f", pct))
	}
	m.warned = warn
	m.metrics.SetCacheUsage(m.total, len(m.entries))

	if m.scheduler == nil || m.quota.CompressionThresholdPercent <= 0 || pct <= m.quota.CompressionThresholdPercent {
		return
	}
	if keys := m.compressionCandidatesLocked(); len(keys) > 0 {
		m.scheduler.Schedule(keys)
	}
}

func (m *Manager) putLocked(e EntryMetadata) {
	if prev, ok := m.entries[e.Key]; ok {
		m.total -= prev.SizeBytes
	}
	m.entries[e.Key] = &e
	m.total += e.SizeBytes
}

func (m *Manager) dropLocked(key CacheKey) {
	if prev, ok := m.entries[key]; ok {
		m.total -= prev.SizeBytes
		delete(m.entries, key)
	}
}
