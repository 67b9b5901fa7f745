package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// writeWAV writes a canonical mono 16-bit WAV of exactly size bytes.
func writeWAV(t *testing.T, path string, size int) {
	t.Helper()
	if size < wavHeaderSize {
		t.Fatalf("WAV size %d is smaller than the header", size)
	}
	buf := make([]byte, size)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(size-8))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], 22050)
	binary.LittleEndian.PutUint32(buf[28:], 44100)
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(size-wavHeaderSize))
	for i := wavHeaderSize; i < size; i++ {
		buf[i] = byte(i % 7)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("Failed to write WAV: %v", err)
	}
}

type testEnv struct {
	manager *Manager
	audio   *AudioCache
	store   *MemoryStore
	clock   *fakeClock
	keys    *KeyGenerator
	dir     string
}

func newTestEnv(t *testing.T, quota QuotaSettings) *testEnv {
	t.Helper()
	env := &testEnv{
		store: NewMemoryStore(),
		clock: newFakeClock(),
		keys:  NewKeyGenerator(),
		dir:   t.TempDir(),
	}
	env.init(t, ManagerConfig{Quota: quota})
	return env
}

// init (re)creates the audio cache and manager over the env's directory
// and store, then initializes the manager.
func (e *testEnv) init(t *testing.T, cfg ManagerConfig) ReconcileReport {
	t.Helper()
	audio, err := NewAudioCache(AudioCacheConfig{Dir: e.dir, Clock: e.clock.Now})
	if err != nil {
		t.Fatalf("Failed to create audio cache: %v", err)
	}
	cfg.Clock = e.clock.Now
	e.audio = audio
	e.manager = NewManager(audio, e.store, cfg)
	report, err := e.manager.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Failed to initialize manager: %v", err)
	}
	return report
}

func (e *testEnv) key(i int) CacheKey {
	return e.keys.Generate("en_US-lessac-medium", fmt.Sprintf("Segment number %d.", i), 1.0)
}

// register writes a raw artifact of size bytes for key and registers it.
func (e *testEnv) register(t *testing.T, key CacheKey, size int) error {
	t.Helper()
	path := e.audio.PathFor(key, FormatWAV)
	writeWAV(t, path, size)
	if err := os.Chtimes(path, e.clock.Now(), e.clock.Now()); err != nil {
		t.Fatalf("Failed to set mtime: %v", err)
	}
	_, err := e.manager.RegisterEntry(context.Background(), Registration{
		Key:         key,
		SizeBytes:   int64(size),
		OwnerBookID: "book-1",
		Segment:     SegmentCoordinates{BookID: "book-1", SegmentIndex: 0},
		Backend:     "mock",
	})
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
