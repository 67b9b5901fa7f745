package synth

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/narrator/internal/cache"
)

// Priority orders synthesis work. Higher runs first.
type Priority int

const (
	PriorityBackground Priority = 1
	PriorityPrefetch   Priority = 2
	PriorityImmediate  Priority = 3
)

// String returns the lowercase name of p.
func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityPrefetch:
		return "prefetch"
	case PriorityImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority is the inverse of Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "background":
		return PriorityBackground, nil
	case "prefetch":
		return PriorityPrefetch, nil
	case "immediate":
		return PriorityImmediate, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Segment is a unit of text that gets one audio artifact.
type Segment struct {
	Text         string
	ChapterIndex int
	SegmentIndex int
}

// RangeRequest asks for segments[Start..End] to be synthesized. End is
// inclusive; the range is clamped to the slice.
type RangeRequest struct {
	BookID   string
	Segments []Segment
	VoiceID  string
	Rate     float64
	Start    int
	End      int
	Priority Priority
}

// QueueSummary reports what QueueRange did with each segment.
type QueueSummary struct {
	Cached       int // reported ready from the cache
	Queued       int // new requests
	Deduplicated int // folded into a queued or in-flight request
	Dropped      int // rejected or displaced by queue overflow
	Failed       int // could not be queued at all
}

// ReadyEvent reports a segment whose audio exists.
type ReadyEvent struct {
	Index     int // position in the RangeRequest's segments
	Segment   cache.SegmentCoordinates
	Key       cache.CacheKey
	Path      string
	FromCache bool
}

// FailedEvent reports a segment whose audio could not be produced.
type FailedEvent struct {
	Index   int
	Segment cache.SegmentCoordinates
	Key     cache.CacheKey
	Err     *Error
}

// Handlers receive events. They may be called from any goroutine,
// including synchronously from QueueRange for cache hits, and must not
// block for long.
type Handlers struct {
	OnReady  func(ReadyEvent)
	OnFailed func(FailedEvent)
}

// BackendStats describes one backend's limiter.
type BackendStats struct {
	InFlight int
	Limit    int
}

// Stats is a snapshot for diagnostics.
type Stats struct {
	Queued       int
	InFlight     int
	Generation   uint64
	Enqueued     int64
	Deduplicated int64
	Dropped      int64
	Upgraded     int64
	Completed    int64
	Failed       int64
	Discarded    int64
	CacheHits    int64
	Backends     map[string]BackendStats
}

// waiter is a segment waiting on a request, tagged with the generation it
// was queued in.
type waiter struct {
	index   int
	segment cache.SegmentCoordinates
	gen     uint64
}

// request is a unit of synthesis work for one cache key.
type request struct {
	id        string
	key       cache.CacheKey
	text      string
	voiceID   string
	rate      float64
	bookID    string
	segment   cache.SegmentCoordinates
	backend   string
	priority  Priority
	createdAt time.Time
	waiters   []waiter
}
