package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/cache"
)

func newStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta", "cache.db")
	s, err := Open(context.Background(), path, log.New(io.Discard))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleEntry(text string) cache.EntryMetadata {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-time.Minute)
	return cache.EntryMetadata{
		Key:                  cache.NewKeyGenerator().Generate("en_US-amy-low", text, 1.25),
		SizeBytes:            4096,
		CreatedAt:            now.Add(-time.Hour),
		LastAccessedAt:       now,
		AccessCount:          3,
		OwnerBookID:          "book-1",
		OwnerVoiceID:         "en_US-amy-low",
		Segment:              cache.SegmentCoordinates{BookID: "book-1", ChapterIndex: 2, SegmentIndex: 7},
		Backend:              "piper",
		AudioDuration:        1500 * time.Millisecond,
		State:                cache.StateFailed,
		CompressionStartedAt: &started,
	}
}

func TestSQLiteStore_UpsertAndLoad(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	want := sampleEntry("hello")

	if err := s.UpsertEntry(ctx, want); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	want.AccessCount = 4
	if err := s.UpsertEntry(ctx, want); err != nil {
		t.Fatalf("Failed to upsert again: %v", err)
	}

	entries, err := s.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	got := entries[want.Key]
	if got.AccessCount != 4 || got.SizeBytes != want.SizeBytes || got.State != want.State {
		t.Errorf("Unexpected entry: %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.LastAccessedAt.Equal(want.LastAccessedAt) {
		t.Errorf("Timestamps differ: %v / %v", got.CreatedAt, got.LastAccessedAt)
	}
	if got.Segment != want.Segment || got.Backend != "piper" || got.AudioDuration != want.AudioDuration {
		t.Errorf("Unexpected details: %+v", got)
	}
	if got.CompressionStartedAt == nil || !got.CompressionStartedAt.Equal(*want.CompressionStartedAt) {
		t.Errorf("Expected compression start %v, got %v", *want.CompressionStartedAt, got.CompressionStartedAt)
	}
}

func TestSQLiteStore_SaveEntriesReplaces(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	old := sampleEntry("old")
	if err := s.UpsertEntry(ctx, old); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	fresh := sampleEntry("fresh")
	fresh.CompressionStartedAt = nil
	if err := s.SaveEntries(ctx, map[cache.CacheKey]cache.EntryMetadata{fresh.Key: fresh}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	entries, err := s.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if _, ok := entries[old.Key]; ok {
		t.Error("Expected old entry to be replaced")
	}
	if got, ok := entries[fresh.Key]; !ok || got.CompressionStartedAt != nil {
		t.Errorf("Expected fresh entry without start time, got %+v", got)
	}
}

func TestSQLiteStore_CompressionState(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	e := sampleEntry("state")
	if err := s.UpsertEntry(ctx, e); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	if err := s.UpdateCompressionState(ctx, e.Key, cache.StateRawAudio, nil); err != nil {
		t.Fatalf("Failed to update state: %v", err)
	}
	entries, _ := s.LoadEntries(ctx)
	if got := entries[e.Key]; got.State != cache.StateRawAudio || got.CompressionStartedAt != nil {
		t.Errorf("Expected raw without start time, got %s / %v", got.State, got.CompressionStartedAt)
	}

	missing := sampleEntry("missing")
	if err := s.UpdateCompressionState(ctx, missing.Key, cache.StateCompressing, nil); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	e.State = cache.StateCompressed
	e.SizeBytes = 512
	if err := s.ReplaceEntry(ctx, e.Key, e); err != nil {
		t.Fatalf("Failed to replace: %v", err)
	}
	entries, _ = s.LoadEntries(ctx)
	if got := entries[e.Key]; got.State != cache.StateCompressed || got.SizeBytes != 512 {
		t.Errorf("Expected replaced entry, got %+v", got)
	}
}

func TestSQLiteStore_RemoveAndSizes(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	a, b, c := sampleEntry("a"), sampleEntry("b"), sampleEntry("c")
	c.OwnerBookID = "book-2"
	c.OwnerVoiceID = "en_GB-alan-low"
	for _, e := range []cache.EntryMetadata{a, b, c} {
		if err := s.UpsertEntry(ctx, e); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
	}

	byBook, err := s.SizeByBook(ctx)
	if err != nil {
		t.Fatalf("SizeByBook failed: %v", err)
	}
	if byBook["book-1"] != 8192 || byBook["book-2"] != 4096 {
		t.Errorf("Unexpected per-book sizes: %v", byBook)
	}

	if err := s.RemoveEntries(ctx, []cache.CacheKey{a.Key, c.Key}); err != nil {
		t.Fatalf("Failed to remove entries: %v", err)
	}
	if err := s.RemoveEntry(ctx, b.Key); err != nil {
		t.Fatalf("Failed to remove entry: %v", err)
	}
	byVoice, err := s.SizeByVoice(ctx)
	if err != nil {
		t.Fatalf("SizeByVoice failed: %v", err)
	}
	if len(byVoice) != 0 {
		t.Errorf("Expected no sizes after removal, got %v", byVoice)
	}
}

func TestSQLiteStore_Quota(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadQuota(ctx); err != nil || ok {
		t.Fatalf("Expected no quota yet, got ok=%v err=%v", ok, err)
	}

	q := cache.QuotaSettings{MaxSizeBytes: 1 << 30, WarningThresholdPercent: 85, CompressionThresholdPercent: 60}
	if err := s.SaveQuota(ctx, q); err != nil {
		t.Fatalf("Failed to save quota: %v", err)
	}
	q.MaxSizeBytes = 1 << 29
	if err := s.SaveQuota(ctx, q); err != nil {
		t.Fatalf("Failed to update quota: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	reopened, err := Open(ctx, path, log.New(io.Discard))
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer reopened.Close() //nolint:errcheck

	got, ok, err := reopened.LoadQuota(ctx)
	if err != nil || !ok {
		t.Fatalf("Expected persisted quota, got ok=%v err=%v", ok, err)
	}
	if got != q {
		t.Errorf("Expected %+v, got %+v", q, got)
	}
}

func TestSQLiteStore_ManagerRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")
	audioDir := filepath.Join(dir, "audio")
	key := cache.NewKeyGenerator().Generate("amy", "Persist me.", 1.0)

	open := func() (*cache.Manager, *SQLiteStore) {
		s, err := Open(ctx, dbPath, log.New(io.Discard))
		if err != nil {
			t.Fatalf("Failed to open store: %v", err)
		}
		audio, err := cache.NewAudioCache(cache.AudioCacheConfig{Dir: audioDir, Logger: log.New(io.Discard)})
		if err != nil {
			t.Fatalf("Failed to create audio cache: %v", err)
		}
		m := cache.NewManager(audio, s, cache.ManagerConfig{Logger: log.New(io.Discard)})
		if _, err := m.Initialize(ctx); err != nil {
			t.Fatalf("Failed to initialize: %v", err)
		}
		return m, s
	}

	m, s := open()
	src := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(src, wavBytes(2000), 0o644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	if _, err := m.Ingest(ctx, src, cache.Registration{Key: key, OwnerBookID: "book-9"}); err != nil {
		t.Fatalf("Failed to ingest: %v", err)
	}
	_ = s.Close()

	m, s = open()
	defer s.Close() //nolint:errcheck
	e, ok := m.Lookup(key)
	if !ok {
		t.Fatal("Expected entry to survive a restart")
	}
	if e.OwnerBookID != "book-9" || e.SizeBytes != 2000 {
		t.Errorf("Unexpected entry after restart: %+v", e)
	}
}

// wavBytes returns a canonical 16-bit mono WAV of size bytes.
func wavBytes(size int) []byte {
	buf := make([]byte, size)
	copy(buf, "RIFF")
	putU32(buf[4:], uint32(size-8))
	copy(buf[8:], "WAVEfmt ")
	putU32(buf[16:], 16)
	buf[20], buf[22] = 1, 1
	putU32(buf[24:], 22050)
	putU32(buf[28:], 44100)
	buf[32], buf[34] = 2, 16
	copy(buf[36:], "data")
	putU32(buf[40:], uint32(size-44))
	for i := 44; i < size; i++ {
		buf[i] = byte(i)
	}
	return buf
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
