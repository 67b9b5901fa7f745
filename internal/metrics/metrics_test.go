package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SetQueueDepth(3)
	m.QueueDropped()
	m.Deduplicated()
	m.SynthesisStarted("piper")
	m.SynthesisFinished("piper", OutcomeSuccess, time.Second)
	m.CacheLookup(true)
	m.SetCacheUsage(10, 1)
	m.Evicted(2)
	m.CompressionFinished(false)
	if m.Registry() != nil {
		t.Error("Expected nil registry")
	}
}

func TestSynthesisCounters(t *testing.T) {
	m := New()

	m.SynthesisStarted("piper")
	m.SynthesisStarted("piper")
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("piper")); got != 2 {
		t.Errorf("Expected 2 in flight, got %v", got)
	}

	m.SynthesisFinished("piper", OutcomeSuccess, 200*time.Millisecond)
	m.SynthesisFinished("piper", OutcomeTimeout, time.Second)
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("piper")); got != 0 {
		t.Errorf("Expected nothing in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.synthTotal.WithLabelValues("piper", OutcomeTimeout)); got != 1 {
		t.Errorf("Expected 1 timeout, got %v", got)
	}
	if got := testutil.CollectAndCount(m.synthDuration); got != 1 {
		t.Errorf("Expected 1 histogram series, got %d", got)
	}
}

func TestCacheCollectors(t *testing.T) {
	m := New()
	m.CacheLookup(true)
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.SetCacheUsage(4096, 3)
	m.Evicted(2)
	m.CompressionFinished(true)

	expected := `
# HELP narrator_cache_hits_total Lookups answered from the cache
# TYPE narrator_cache_hits_total counter
narrator_cache_hits_total 2
# HELP narrator_cache_misses_total Lookups that required synthesis
# TYPE narrator_cache_misses_total counter
narrator_cache_misses_total 1
# HELP narrator_cache_size_bytes Total tracked size of cached artifacts
# TYPE narrator_cache_size_bytes gauge
narrator_cache_size_bytes 4096
# HELP narrator_cache_evictions_total Entries evicted to satisfy the quota
# TYPE narrator_cache_evictions_total counter
narrator_cache_evictions_total 2
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"narrator_cache_hits_total",
		"narrator_cache_misses_total",
		"narrator_cache_size_bytes",
		"narrator_cache_evictions_total",
	)
	if err != nil {
		t.Fatalf("Unexpected metrics: %v", err)
	}

	if got := testutil.ToFloat64(m.compressionJobs.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Errorf("Expected 1 compression job, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheEntries); got != 3 {
		t.Errorf("Expected 3 entries, got %v", got)
	}
}
