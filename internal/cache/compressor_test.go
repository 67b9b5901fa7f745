package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

type failingTranscoder struct{}

func (failingTranscoder) Format() Format { return FormatZstd }

func (failingTranscoder) Transcode(_ context.Context, _, dst string) error {
	// Leave a partial file behind like a crashed encoder would.
	_ = os.WriteFile(dst, []byte("partial"), 0o644)
	return errors.New("encoder exploded")
}

type blockingTranscoder struct {
	started chan struct{}
}

func (blockingTranscoder) Format() Format { return FormatZstd }

func (b blockingTranscoder) Transcode(ctx context.Context, _, _ string) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

// hookTranscoder calls during, then transcodes with zstd.
type hookTranscoder struct {
	during func()
}

func (hookTranscoder) Format() Format { return FormatZstd }

func (h hookTranscoder) Transcode(ctx context.Context, src, dst string) error {
	h.during()
	return NewZstdTranscoder(3).Transcode(ctx, src, dst)
}

func newTestCompressor(t *testing.T, env *testEnv, tc Transcoder, enabled bool) *Compressor {
	t.Helper()
	c, err := NewCompressor(env.manager, tc, CompressorConfig{Enabled: enabled, Workers: 2})
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCompressor_CompressEntry(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	c := newTestCompressor(t, env, NewZstdTranscoder(3), true)
	key := env.key(0)
	if err := env.register(t, key, 8192); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	e, err := c.CompressEntry(context.Background(), key)
	if err != nil {
		t.Fatalf("CompressEntry failed: %v", err)
	}
	if e.State != StateCompressed {
		t.Errorf("Expected compressed state, got %s", e.State)
	}
	if e.SizeBytes >= 8192 {
		t.Errorf("Expected compressed size below 8192, got %d", e.SizeBytes)
	}
	if fileExists(env.audio.PathFor(key, FormatWAV)) {
		t.Error("Expected raw artifact to be removed")
	}
	if env.audio.IsPinned(key) {
		t.Error("Expected key to be unpinned after compression")
	}

	stats := env.manager.UsageStats()
	if stats.TotalSizeBytes != e.SizeBytes || stats.CompressedCount != 1 {
		t.Errorf("Expected index to track the compressed size, got %+v", stats)
	}
	persisted, _ := env.store.LoadEntries(context.Background())
	if persisted[key].State != StateCompressed {
		t.Errorf("Expected persisted state compressed, got %s", persisted[key].State)
	}

	path, ok := env.manager.Ready(context.Background(), key)
	if !ok || path != env.audio.PathFor(key, FormatZstd) {
		t.Errorf("Expected Ready to serve %s, got %q %v", env.audio.PathFor(key, FormatZstd), path, ok)
	}
}

func TestCompressor_Disabled(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	c := newTestCompressor(t, env, NewZstdTranscoder(3), false)
	key := env.key(0)
	if err := env.register(t, key, 1000); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := c.CompressEntry(context.Background(), key); !errors.Is(err, ErrNothingToCompress) {
		t.Errorf("Expected ErrNothingToCompress, got %v", err)
	}
	if !fileExists(env.audio.PathFor(key, FormatWAV)) {
		t.Error("Expected raw artifact to be untouched")
	}
}

func TestCompressor_MissingSource(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	c := newTestCompressor(t, env, NewZstdTranscoder(3), true)

	if _, err := c.CompressEntry(context.Background(), env.key(0)); !errors.Is(err, ErrNothingToCompress) {
		t.Errorf("Expected ErrNothingToCompress, got %v", err)
	}
}

func TestCompressor_PinnedKey(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	c := newTestCompressor(t, env, NewZstdTranscoder(3), true)
	key := env.key(0)
	if err := env.register(t, key, 1000); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	env.manager.Pin(key)

	if _, err := c.CompressEntry(context.Background(), key); !errors.Is(err, ErrPinned) {
		t.Errorf("Expected ErrPinned, got %v", err)
	}
	if !env.manager.IsPinned(key) {
		t.Error("Expected caller's pin to be kept")
	}
}

func TestCompressor_FailureKeepsRaw(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	c := newTestCompressor(t, env, failingTranscoder{}, true)
	ctx := context.Background()
	key := env.key(0)
	if err := env.register(t, key, 1000); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := c.CompressEntry(ctx, key); !errors.Is(err, ErrCompression) {
		t.Fatalf("Expected ErrCompression, got %v", err)
	}

	e, _ := env.manager.Lookup(key)
	if e.State != StateFailed {
		t.Errorf("Expected failed state, got %s", e.State)
	}
	if fileExists(env.audio.PathFor(key, FormatZstd) + tmpSuffix) {
		t.Error("Expected partial output to be removed")
	}
	path, ok := env.manager.Ready(ctx, key)
	if !ok || path != env.audio.PathFor(key, FormatWAV) {
		t.Errorf("Expected Ready to serve the raw artifact, got %q %v", path, ok)
	}

	if len(env.manager.CompressionCandidates()) != 0 {
		t.Error("Expected failed entry to be excluded during the cooldown")
	}
	env.clock.Advance(2 * time.Hour)
	if got := env.manager.CompressionCandidates(); len(got) != 1 || got[0] != key {
		t.Errorf("Expected failed entry to be eligible after the cooldown, got %v", got)
	}
}

func TestCompressor_CancelRevertsToRaw(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	tc := blockingTranscoder{started: make(chan struct{})}
	c := newTestCompressor(t, env, tc, true)
	key := env.key(0)
	if err := env.register(t, key, 1000); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.CompressEntry(ctx, key)
		errc <- err
	}()

	<-tc.started
	if e, _ := env.manager.Lookup(key); e.State != StateCompressing {
		t.Errorf("Expected compressing state during the job, got %s", e.State)
	}
	cancel()

	err := <-errc
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected a cancellation error, got %v", err)
	}
	e, _ := env.manager.Lookup(key)
	if e.State != StateRawAudio || e.CompressionStartedAt != nil {
		t.Errorf("Expected raw state after cancel, got %s / %v", e.State, e.CompressionStartedAt)
	}
}

func TestCompressor_ScheduledAboveThreshold(t *testing.T) {
	quota := QuotaSettings{MaxSizeBytes: 10000, CompressionThresholdPercent: 50}
	env := newTestEnv(t, quota)
	c := newTestCompressor(t, env, NewZstdTranscoder(3), true)

	below := env.key(0)
	if err := env.register(t, below, 3000); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	if e, _ := env.manager.Lookup(below); e.State != StateRawAudio {
		t.Fatalf("Expected no compression below the threshold, got %s", e.State)
	}

	if err := env.register(t, env.key(1), 3000); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.manager.UsageStats().CompressedCount < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for background compression: %+v", env.manager.UsageStats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stats := env.manager.UsageStats(); stats.TotalSizeBytes >= 6000 {
		t.Errorf("Expected compression to shrink the cache, got %d bytes", stats.TotalSizeBytes)
	}
}

func TestCompressor_CompressEligible(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	c := newTestCompressor(t, env, NewZstdTranscoder(3), true)
	for i := 0; i < 3; i++ {
		if err := env.register(t, env.key(i), 2000); err != nil {
			t.Fatalf("Failed to register: %v", err)
		}
	}
	env.manager.Pin(env.key(2))

	n, err := c.CompressEligible(context.Background())
	if err != nil {
		t.Fatalf("CompressEligible failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 compressed entries, got %d", n)
	}
	if e, _ := env.manager.Lookup(env.key(2)); e.State != StateRawAudio {
		t.Errorf("Expected pinned entry to stay raw, got %s", e.State)
	}
}

func TestNewCompressor_RejectsFormatMismatch(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	tc, err := NewExecTranscoder("opusenc {input} {output}", FormatOpus)
	if err != nil {
		t.Fatalf("Failed to create transcoder: %v", err)
	}
	if _, err := NewCompressor(env.manager, tc, CompressorConfig{Enabled: true}); err == nil {
		t.Error("Expected an error for a transcoder that does not match the cache format")
	}
}

func TestCompressor_KeepsPinTakenDuringJob(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)
	var pinned, pinnedDuring, reportedDuring bool
	c := newTestCompressor(t, env, hookTranscoder{during: func() {
		reportedDuring = env.manager.IsPinned(key)
		pinned = env.manager.Pin(key)
		pinnedDuring = env.manager.IsPinned(key)
	}}, true)
	if err := env.register(t, key, 8192); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := c.CompressEntry(context.Background(), key); err != nil {
		t.Fatalf("CompressEntry failed: %v", err)
	}
	if reportedDuring {
		t.Error("Expected a running job not to show up as a pin")
	}
	if !pinned || !pinnedDuring {
		t.Errorf("Expected Pin during the job to take effect, got changed=%v pinned=%v", pinned, pinnedDuring)
	}
	if !env.manager.IsPinned(key) {
		t.Fatal("Expected the pin taken during compression to survive the job")
	}
	if n := env.manager.UsageStats().PinnedCount; n != 1 {
		t.Errorf("Expected 1 pinned entry, got %d", n)
	}

	// The pin still protects the entry from eviction.
	if err := env.manager.SetQuota(context.Background(), QuotaSettings{MaxSizeBytes: 1}); err != nil {
		t.Fatalf("Failed to set quota: %v", err)
	}
	if _, ok := env.manager.Lookup(key); !ok {
		t.Error("Expected pinned entry to survive eviction")
	}
}

func TestCompressor_BusyEntryIsNotDeleted(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	key := env.key(0)
	var deleted []CacheKey
	var deleteErr error
	c := newTestCompressor(t, env, hookTranscoder{during: func() {
		deleted, deleteErr = env.manager.DeleteByPrefix(context.Background(), VoicePrefix("en_US-lessac-medium"))
	}}, true)
	if err := env.register(t, key, 8192); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := c.CompressEntry(context.Background(), key); err != nil {
		t.Fatalf("CompressEntry failed: %v", err)
	}
	if deleteErr != nil || len(deleted) != 0 {
		t.Errorf("Expected nothing deleted during the job, got %v / %v", deleted, deleteErr)
	}
	if e, ok := env.manager.Lookup(key); !ok || e.State != StateCompressed {
		t.Errorf("Expected the entry to finish compressing, got %+v %v", e, ok)
	}
	if env.manager.IsPinned(key) {
		t.Error("Expected key to be unpinned after compression")
	}
}
