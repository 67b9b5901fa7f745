package cache

import (
	"context"
	"os"
	"testing"
)

func TestManager_HandleRemoved(t *testing.T) {
	env := newTestEnv(t, QuotaSettings{MaxSizeBytes: 100000})
	ctx := context.Background()
	key := env.key(0)
	if err := env.register(t, key, 1000); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	path := env.audio.PathFor(key, FormatWAV)

	// An event for a file that still exists is ignored.
	env.manager.handleRemoved(ctx, path)
	if _, ok := env.manager.Lookup(key); !ok {
		t.Fatal("Expected entry to survive a spurious event")
	}

	// A non-authoritative variant disappearing is ignored too.
	env.manager.handleRemoved(ctx, env.audio.PathFor(key, FormatZstd))
	if _, ok := env.manager.Lookup(key); !ok {
		t.Fatal("Expected entry to survive removal of another variant")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove artifact: %v", err)
	}
	env.manager.handleRemoved(ctx, path)
	if _, ok := env.manager.Lookup(key); ok {
		t.Error("Expected entry to be dropped after its artifact was removed")
	}
	if stats := env.manager.UsageStats(); stats.TotalSizeBytes != 0 {
		t.Errorf("Expected empty index, got %d bytes", stats.TotalSizeBytes)
	}
}
