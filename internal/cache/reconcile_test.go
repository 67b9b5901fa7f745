package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// seed stores metadata for key directly, bypassing the manager.
func (e *testEnv) seed(t *testing.T, key CacheKey, size int64, state CompressionState, startedAt *time.Time) {
	t.Helper()
	now := e.clock.Now()
	err := e.store.UpsertEntry(context.Background(), EntryMetadata{
		Key:                  key,
		SizeBytes:            size,
		CreatedAt:            now,
		LastAccessedAt:       now,
		OwnerBookID:          "book-1",
		OwnerVoiceID:         key.Voice(),
		State:                state,
		CompressionStartedAt: startedAt,
	})
	if err != nil {
		t.Fatalf("Failed to seed metadata: %v", err)
	}
}

func (e *testEnv) compress(t *testing.T, dst string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src.wav")
	writeWAV(t, src, 4096)
	if err := NewZstdTranscoder(3).Transcode(context.Background(), src, dst); err != nil {
		t.Fatalf("Failed to compress fixture: %v", err)
	}
}

func TestReconcile_AdoptsOrphanWAV(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)
	writeWAV(t, env.audio.PathFor(key, FormatWAV), 1000)

	report := env.init(t, ManagerConfig{Quota: QuotaSettings{MaxSizeBytes: 100000}})
	if report.Registered != 1 {
		t.Errorf("Expected 1 registered orphan, got %+v", report)
	}

	e, ok := env.manager.Lookup(key)
	if !ok {
		t.Fatal("Expected orphan to be tracked")
	}
	if e.OwnerBookID != UnknownOwner || e.OwnerVoiceID != "en_US-lessac-medium" {
		t.Errorf("Unexpected owner %q / %q", e.OwnerBookID, e.OwnerVoiceID)
	}
	if e.State != StateRawAudio || e.SizeBytes != 1000 {
		t.Errorf("Expected raw entry of 1000 bytes, got %s / %d", e.State, e.SizeBytes)
	}

	persisted, err := env.store.LoadEntries(context.Background())
	if err != nil {
		t.Fatalf("Failed to load entries: %v", err)
	}
	if _, ok := persisted[key]; !ok {
		t.Error("Expected adopted orphan to be persisted")
	}
}

func TestReconcile_SniffsMisnamedCompressedFile(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)
	env.compress(t, env.audio.PathFor(key, FormatWAV))

	env.init(t, ManagerConfig{Quota: QuotaSettings{MaxSizeBytes: 100000}})

	e, ok := env.manager.Lookup(key)
	if !ok {
		t.Fatal("Expected misnamed artifact to be adopted")
	}
	if e.State != StateCompressed {
		t.Errorf("Expected compressed state from content, got %s", e.State)
	}
	if fileExists(env.audio.PathFor(key, FormatWAV)) {
		t.Error("Expected misnamed file to be renamed")
	}
	if !env.audio.IsReady(key, FormatZstd) {
		t.Error("Expected artifact under its compressed name")
	}
}

func TestReconcile_RemovesEntriesWithoutFiles(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	kept, missing := env.key(0), env.key(1)
	writeWAV(t, env.audio.PathFor(kept, FormatWAV), 500)
	env.seed(t, kept, 500, StateRawAudio, nil)
	env.seed(t, missing, 500, StateRawAudio, nil)

	report := env.init(t, ManagerConfig{Quota: QuotaSettings{MaxSizeBytes: 100000}})
	if report.Removed != 1 {
		t.Errorf("Expected 1 removed entry, got %+v", report)
	}
	if _, ok := env.manager.Lookup(missing); ok {
		t.Error("Expected entry without artifact to be dropped")
	}
	if _, ok := env.manager.Lookup(kept); !ok {
		t.Error("Expected entry with artifact to be kept")
	}
	persisted, _ := env.store.LoadEntries(context.Background())
	if _, ok := persisted[missing]; ok {
		t.Error("Expected dropped entry to be removed from the store")
	}
}

func TestReconcile_DeletesLeftovers(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)

	tmp := env.audio.PathFor(key, FormatWAV) + tmpSuffix
	writeWAV(t, tmp, 500)
	junk := filepath.Join(env.dir, "notes.txt")
	if err := os.WriteFile(junk, []byte("hello"), 0o644); err != nil {
		t.Fatalf("Failed to write junk file: %v", err)
	}
	empty := env.audio.PathFor(env.key(1), FormatWAV)
	writeWAV(t, empty, wavHeaderSize)
	scratch, err := env.audio.ScratchDir()
	if err != nil {
		t.Fatalf("Failed to create scratch dir: %v", err)
	}
	writeWAV(t, filepath.Join(scratch, "partial.wav"), 500)

	report := env.init(t, ManagerConfig{Quota: QuotaSettings{MaxSizeBytes: 100000}})
	for _, path := range []string{tmp, junk, empty, scratch} {
		if fileExists(path) {
			t.Errorf("Expected %s to be deleted", filepath.Base(path))
		}
	}
	if report.Deleted != 3 {
		t.Errorf("Expected 3 deleted files, got %+v", report)
	}
	if stats := env.manager.UsageStats(); stats.EntryCount != 0 {
		t.Errorf("Expected no entries, got %d", stats.EntryCount)
	}
}

func TestReconcile_ResetsInterruptedCompression(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)
	writeWAV(t, env.audio.PathFor(key, FormatWAV), 500)
	started := env.clock.Now().Add(-time.Hour)
	env.seed(t, key, 500, StateCompressing, &started)

	report := env.init(t, ManagerConfig{Quota: QuotaSettings{MaxSizeBytes: 100000}})
	if report.Reset != 1 {
		t.Errorf("Expected 1 reset entry, got %+v", report)
	}
	e, ok := env.manager.Lookup(key)
	if !ok {
		t.Fatal("Expected entry to survive")
	}
	if e.State != StateRawAudio || e.CompressionStartedAt != nil {
		t.Errorf("Expected raw entry with no start time, got %s / %v", e.State, e.CompressionStartedAt)
	}
}

// A crash moments before restart leaves a Compressing entry that no job in
// this process owns. It must be reset and evictable like any other.
func TestReconcile_ResetsRecentlyInterruptedCompression(t *testing.T) {
	quota := QuotaSettings{MaxSizeBytes: 2000}
	env := newTestEnv(t, quota)
	crashed := env.key(0)
	writeWAV(t, env.audio.PathFor(crashed, FormatWAV), 1000)
	started := env.clock.Now().Add(-time.Minute)
	env.seed(t, crashed, 1000, StateCompressing, &started)

	report := env.init(t, ManagerConfig{Quota: quota})
	if report.Reset != 1 {
		t.Errorf("Expected 1 reset entry, got %+v", report)
	}
	e, ok := env.manager.Lookup(crashed)
	if !ok {
		t.Fatal("Expected entry to survive initialization")
	}
	if e.State != StateRawAudio || e.CompressionStartedAt != nil {
		t.Errorf("Expected raw entry with no start time, got %s / %v", e.State, e.CompressionStartedAt)
	}

	for i := 1; i <= 4; i++ {
		env.clock.Advance(time.Minute)
		if err := env.register(t, env.key(i), 1000); err != nil {
			t.Fatalf("Failed to register entry %d: %v", i, err)
		}
		if stats := env.manager.UsageStats(); stats.TotalSizeBytes > quota.MaxSizeBytes {
			t.Fatalf("Quota violated after registration %d: %d bytes", i, stats.TotalSizeBytes)
		}
	}

	if _, ok := env.manager.Lookup(crashed); ok {
		t.Error("Expected the oldest entry to be evicted")
	}
	if fileExists(env.audio.PathFor(crashed, FormatWAV)) {
		t.Error("Expected the evicted artifact to be removed")
	}
	if _, ok := env.manager.Lookup(env.key(4)); !ok {
		t.Error("Expected the newest entry to survive")
	}
}

func TestReconcile_CompletesInterruptedSwap(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)
	writeWAV(t, env.audio.PathFor(key, FormatWAV), 4096)
	env.compress(t, env.audio.PathFor(key, FormatZstd))
	env.seed(t, key, 100, StateCompressed, nil)

	report := env.init(t, ManagerConfig{Quota: QuotaSettings{MaxSizeBytes: 100000}})
	if report.Repaired != 1 {
		t.Errorf("Expected 1 repaired entry, got %+v", report)
	}
	if fileExists(env.audio.PathFor(key, FormatWAV)) {
		t.Error("Expected leftover raw variant to be removed")
	}
	e, _ := env.manager.Lookup(key)
	info, err := os.Stat(env.audio.PathFor(key, FormatZstd))
	if err != nil {
		t.Fatalf("Expected compressed variant to remain: %v", err)
	}
	if e.SizeBytes != info.Size() {
		t.Errorf("Expected size %d from disk, got %d", info.Size(), e.SizeBytes)
	}
}

func TestReconcile_PromotesSurvivingVariant(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)
	env.compress(t, env.audio.PathFor(key, FormatZstd))
	env.seed(t, key, 4096, StateRawAudio, nil)

	report := env.init(t, ManagerConfig{Quota: QuotaSettings{MaxSizeBytes: 100000}})
	if report.Repaired != 1 {
		t.Errorf("Expected 1 repaired entry, got %+v", report)
	}
	e, ok := env.manager.Lookup(key)
	if !ok {
		t.Fatal("Expected entry to survive on its compressed variant")
	}
	if e.State != StateCompressed {
		t.Errorf("Expected compressed state, got %s", e.State)
	}
	if path, ok := env.manager.Ready(context.Background(), key); !ok || path != env.audio.PathFor(key, FormatZstd) {
		t.Errorf("Expected Ready to serve the compressed variant, got %q %v", path, ok)
	}
}
