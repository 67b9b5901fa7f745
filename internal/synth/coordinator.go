package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/cache"
	"github.com/charmbracelet/narrator/internal/metrics"
	"github.com/charmbracelet/narrator/internal/queue"
	"github.com/charmbracelet/narrator/internal/tts"
	"github.com/google/uuid"
)

// Default limits.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxQueue = 100
)

// Cache is the part of the cache manager the coordinator needs.
type Cache interface {
	// Ready returns the path of a valid artifact for key.
	Ready(ctx context.Context, key cache.CacheKey) (string, bool)

	// Ingest moves a finished WAV into the cache and registers it.
	Ingest(ctx context.Context, src string, reg cache.Registration) (string, error)

	// ScratchDir is where backends write their output.
	ScratchDir() (string, error)
}

var _ Cache = (*cache.Manager)(nil)

// Config configures a Coordinator.
type Config struct {
	Cache    Cache
	Keys     *cache.KeyGenerator
	Backends map[string]tts.Synthesizer

	// DefaultBackend serves voices missing from VoiceBackends.
	DefaultBackend string
	VoiceBackends  map[string]string

	// Limits per backend name. Backends without an entry use DefaultLimits.
	Limits        map[string]BackendLimits
	DefaultLimits BackendLimits

	MaxQueue int
	Timeout  time.Duration

	Handlers Handlers
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

// Coordinator schedules synthesis. At most one synthesis runs per cache key.
type Coordinator struct {
	cfg     Config
	log     *log.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu          sync.Mutex
	queue       *queue.Queue[cache.CacheKey, *request]
	inflight    map[cache.CacheKey]*request
	limiters    map[string]*limiter
	generation  uint64
	fingerprint string
	started     bool
	closed      bool
	counters    Stats
}

// NewCoordinator validates cfg and returns an idle coordinator. Requests
// can be queued before Start.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if len(cfg.Backends) == 0 {
		return nil, errors.New("at least one backend is required")
	}
	if cfg.Keys == nil {
		cfg.Keys = cache.NewKeyGenerator()
	}
	if cfg.DefaultBackend == "" && len(cfg.Backends) == 1 {
		for name := range cfg.Backends {
			cfg.DefaultBackend = name
		}
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("synth")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		queue:    queue.New[cache.CacheKey, *request](cfg.MaxQueue),
		inflight: make(map[cache.CacheKey]*request),
		limiters: make(map[string]*limiter),
	}, nil
}

// Start launches the dispatcher. Canceling ctx has the same effect as
// Close, except that Close also waits.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	context.AfterFunc(ctx, c.cancel)

	c.wg.Add(1)
	go c.dispatch()
	c.signal()
	return nil
}

// Close stops dispatching, cancels running synthesis and waits for it to
// unwind. Requests still queued fail with CodeCanceled.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	items := c.queue.Clear()
	c.metrics.SetQueueDepth(0)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	var failed []FailedEvent
	for _, it := range items {
		failed = append(failed, failures(it.Value, it.Value.waiters, NewError(CodeCanceled, "coordinator closed", nil))...)
	}
	c.emit(nil, failed)
	return nil
}

// QueueRange makes sure segments[Start..End] get synthesized. Segments with
// valid cached audio are reported ready before QueueRange returns.
func (c *Coordinator) QueueRange(ctx context.Context, rr RangeRequest) (QueueSummary, error) {
	var summary QueueSummary
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return summary, ErrClosed
	}

	start, end := rr.Start, rr.End
	if start < 0 {
		start = 0
	}
	if end >= len(rr.Segments) {
		end = len(rr.Segments) - 1
	}
	if start > end {
		return summary, nil
	}
	if rr.Priority == 0 {
		rr.Priority = PriorityPrefetch
	}

	backend := c.backendFor(rr.VoiceID)
	_, known := c.cfg.Backends[backend]

	var (
		ready  []ReadyEvent
		failed []FailedEvent
		queued bool
		err    error
	)
	for i := start; i <= end; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		seg := rr.Segments[i]
		coords := cache.SegmentCoordinates{
			BookID:       rr.BookID,
			ChapterIndex: seg.ChapterIndex,
			SegmentIndex: seg.SegmentIndex,
		}
		key := c.cfg.Keys.Generate(rr.VoiceID, seg.Text, rr.Rate)

		if strings.TrimSpace(seg.Text) == "" {
			failed = append(failed, FailedEvent{Index: i, Segment: coords, Key: key,
				Err: NewError(CodeSynthesisFailure, "segment has no text", tts.ErrEmptyText)})
			summary.Failed++
			continue
		}

		if path, ok := c.cfg.Cache.Ready(ctx, key); ok {
			ready = append(ready, ReadyEvent{Index: i, Segment: coords, Key: key, Path: path, FromCache: true})
			summary.Cached++
			continue
		}

		if !known {
			failed = append(failed, FailedEvent{Index: i, Segment: coords, Key: key,
				Err: NewError(CodeBackendUnavailable, fmt.Sprintf("no backend %q for voice %q", backend, rr.VoiceID), tts.ErrEngineNotAvailable)})
			summary.Failed++
			continue
		}

		c.mu.Lock()
		w := waiter{index: i, segment: coords, gen: c.generation}
		switch {
		case c.inflight[key] != nil:
			c.inflight[key].attach(w)
			c.counters.Deduplicated++
			summary.Deduplicated++
			c.metrics.Deduplicated()
		case c.queued(key) != nil:
			it := c.queued(key)
			it.Value.attach(w)
			if c.queue.Upgrade(key, int(rr.Priority)) {
				it.Value.priority = rr.Priority
				c.counters.Upgraded++
			}
			c.counters.Deduplicated++
			summary.Deduplicated++
			c.metrics.Deduplicated()
		default:
			r := &request{
				id:        uuid.NewString(),
				key:       key,
				text:      seg.Text,
				voiceID:   rr.VoiceID,
				rate:      rr.Rate,
				bookID:    rr.BookID,
				segment:   coords,
				backend:   backend,
				priority:  rr.Priority,
				createdAt: time.Now(),
				waiters:   []waiter{w},
			}
			added, dropped := c.queue.Push(key, r, int(rr.Priority))
			if dropped != nil {
				c.counters.Dropped++
				summary.Dropped++
				c.metrics.QueueDropped()
				failed = append(failed, failures(dropped.Value, dropped.Value.waiters,
					NewError(CodeQueueOverflow, "synthesis queue is full", nil))...)
				c.log.Debug("Dropped request", "key", dropped.Key, "priority", dropped.Value.priority)
			}
			if added {
				c.counters.Enqueued++
				summary.Queued++
				queued = true
			}
		}
		c.metrics.SetQueueDepth(c.queue.Len())
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.counters.CacheHits += int64(summary.Cached)
	c.mu.Unlock()

	if queued {
		c.signal()
	}
	c.emit(ready, failed)
	return summary, err
}

// UpdateContext clears the queue when the voice or rate differ from the
// previous call and reports whether they did. Running synthesis is left
// alone.
func (c *Coordinator) UpdateContext(voiceID string, rate float64) bool {
	fp := fmt.Sprintf("%s|%.2f", voiceID, rate)

	c.mu.Lock()
	defer c.mu.Unlock()
	if fp == c.fingerprint {
		return false
	}
	c.fingerprint = fp
	n := len(c.queue.Clear())
	c.metrics.SetQueueDepth(0)
	c.log.Debug("Playback context changed", "voice", voiceID, "rate", rate, "cleared", n)
	return true
}

// Reset discards queued work and starts a new generation. Results of
// running synthesis still reach the cache, but only segments queued after
// Reset are notified.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	n := len(c.queue.Clear())
	c.metrics.SetQueueDepth(0)
	c.log.Debug("Reset", "generation", c.generation, "cleared", n, "in_flight", len(c.inflight))
}

// Stats returns a snapshot of the coordinator.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.counters
	s.Queued = c.queue.Len()
	s.InFlight = len(c.inflight)
	s.Generation = c.generation
	s.Backends = make(map[string]BackendStats, len(c.cfg.Backends))
	for name := range c.cfg.Backends {
		s.Backends[name] = c.limiterFor(name).stats()
	}
	return s
}

func (c *Coordinator) backendFor(voiceID string) string {
	if name, ok := c.cfg.VoiceBackends[voiceID]; ok {
		return name
	}
	return c.cfg.DefaultBackend
}

func (c *Coordinator) queued(key cache.CacheKey) *queue.Item[cache.CacheKey, *request] {
	it, ok := c.queue.Get(key)
	if !ok {
		return nil
	}
	return it
}

// limiterFor must be called with c.mu held.
func (c *Coordinator) limiterFor(backend string) *limiter {
	if l, ok := c.limiters[backend]; ok {
		return l
	}
	limits, ok := c.cfg.Limits[backend]
	if !ok {
		limits = c.cfg.DefaultLimits
	}
	l := newLimiter(limits)
	c.limiters[backend] = l
	return l
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dispatch() {
	defer c.wg.Done()
	for {
		if r, lim, ok := c.next(); ok {
			c.wg.Add(1)
			go c.run(r, lim)
			continue
		}
		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return
		}
	}
}

// next dequeues the highest priority request whose backend has a free
// slot and marks it in flight.
func (c *Coordinator) next() (*request, *limiter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil || c.queue.Len() == 0 {
		return nil, nil, false
	}

	head, err := c.queue.Peek()
	if err != nil {
		return nil, nil, false
	}
	candidates := []*queue.Item[cache.CacheKey, *request]{head}
	if c.limiterFor(head.Value.backend).full() {
		candidates = c.queue.Items()
	}
	for _, it := range candidates {
		lim := c.limiterFor(it.Value.backend)
		if !lim.tryAcquire() {
			continue
		}
		c.queue.Remove(it.Key)
		c.inflight[it.Key] = it.Value
		c.metrics.SetQueueDepth(c.queue.Len())
		return it.Value, lim, true
	}
	return nil, nil, false
}

type outcome struct {
	path      string
	fromCache bool
	err       *Error
}

func (c *Coordinator) run(r *request, lim *limiter) {
	defer c.wg.Done()

	res := outcome{err: NewError(CodeCanceled, "synthesis did not complete", nil)}
	defer func() {
		lim.release()
		c.complete(r, res)
		c.signal()
	}()
	res = c.execute(r, lim)
}

func (c *Coordinator) execute(r *request, lim *limiter) outcome {
	ctx := c.ctx
	if err := lim.wait(ctx); err != nil {
		return outcome{err: NewError(CodeCanceled, "waiting for backend rate limit", err)}
	}

	// A previous generation may have produced the file meanwhile.
	if path, ok := c.cfg.Cache.Ready(ctx, r.key); ok {
		return outcome{path: path, fromCache: true}
	}

	dir, err := c.cfg.Cache.ScratchDir()
	if err != nil {
		return outcome{err: NewError(CodeCacheWrite, "no scratch directory", err)}
	}
	out := filepath.Join(dir, r.key.String()+"-"+r.id+".wav")
	defer os.Remove(out) //nolint:errcheck

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	synth := c.cfg.Backends[r.backend]
	c.log.Debug("Synthesizing", "key", r.key, "backend", r.backend, "priority", r.priority)
	c.metrics.SynthesisStarted(r.backend)
	start := time.Now()
	result, err := synth.Synthesize(sctx, tts.Request{
		Text:       r.text,
		VoiceID:    r.voiceID,
		Rate:       r.rate,
		OutputPath: out,
	})
	elapsed := time.Since(start)
	if err != nil {
		serr := c.classify(sctx, err)
		c.metrics.SynthesisFinished(r.backend, outcomeLabel(serr.Code), elapsed)
		return outcome{err: serr}
	}
	c.metrics.SynthesisFinished(r.backend, metrics.OutcomeSuccess, elapsed)

	src := result.Path
	if src == "" {
		src = out
	}
	path, err := c.cfg.Cache.Ingest(ctx, src, cache.Registration{
		Key:           r.key,
		OwnerBookID:   r.bookID,
		Segment:       r.segment,
		Backend:       r.backend,
		AudioDuration: result.Duration,
	})
	if err != nil {
		if errors.Is(err, cache.ErrCorruptArtifact) {
			return outcome{err: NewError(CodeCorruptArtifact, "backend output is not playable", err)}
		}
		return outcome{err: NewError(CodeCacheWrite, "storing synthesized audio", err)}
	}
	c.log.Debug("Synthesized", "key", r.key, "backend", r.backend, "elapsed", elapsed)
	return outcome{path: path}
}

func (c *Coordinator) classify(sctx context.Context, err error) *Error {
	switch {
	case errors.Is(sctx.Err(), context.DeadlineExceeded) && c.ctx.Err() == nil:
		return NewError(CodeTimeout, fmt.Sprintf("no result after %s", c.cfg.Timeout), err)
	case c.ctx.Err() != nil || errors.Is(err, context.Canceled):
		return NewError(CodeCanceled, "synthesis canceled", err)
	case errors.Is(err, tts.ErrEngineNotAvailable):
		return NewError(CodeBackendUnavailable, "backend unavailable", err)
	default:
		return NewError(CodeSynthesisFailure, "backend failed", err)
	}
}

// complete releases the in-flight marker and notifies waiters of the
// current generation.
func (c *Coordinator) complete(r *request, res outcome) {
	c.mu.Lock()
	delete(c.inflight, r.key)
	waiters := r.waiters
	r.waiters = nil
	gen := c.generation
	if res.err != nil {
		c.counters.Failed++
	} else {
		c.counters.Completed++
	}

	current := waiters[:0:0]
	for _, w := range waiters {
		if w.gen == gen {
			current = append(current, w)
			continue
		}
		c.counters.Discarded++
	}
	c.mu.Unlock()

	if n := len(waiters) - len(current); n > 0 {
		c.log.Debug("Discarding stale result", "key", r.key, "waiters", n, "generation", gen)
	}
	if res.err != nil {
		c.log.Warn("Synthesis failed", "key", r.key, "code", res.err.Code, "err", res.err.Cause)
		c.emit(nil, failures(r, current, res.err))
		return
	}
	ready := make([]ReadyEvent, 0, len(current))
	for _, w := range current {
		ready = append(ready, ReadyEvent{
			Index:     w.index,
			Segment:   w.segment,
			Key:       r.key,
			Path:      res.path,
			FromCache: res.fromCache,
		})
	}
	c.emit(ready, nil)
}

// emit must be called without c.mu held.
func (c *Coordinator) emit(ready []ReadyEvent, failed []FailedEvent) {
	if h := c.cfg.Handlers.OnReady; h != nil {
		for _, ev := range ready {
			h(ev)
		}
	}
	if h := c.cfg.Handlers.OnFailed; h != nil {
		for _, ev := range failed {
			h(ev)
		}
	}
}

func failures(r *request, waiters []waiter, err *Error) []FailedEvent {
	out := make([]FailedEvent, 0, len(waiters))
	for _, w := range waiters {
		out = append(out, FailedEvent{Index: w.index, Segment: w.segment, Key: r.key, Err: err})
	}
	return out
}

func outcomeLabel(code ErrorCode) string {
	switch code {
	case CodeTimeout:
		return metrics.OutcomeTimeout
	case CodeCanceled:
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeFailure
	}
}

// attach adds w unless the same segment already waits in the same
// generation.
func (r *request) attach(w waiter) {
	for _, have := range r.waiters {
		if have == w {
			return
		}
	}
	r.waiters = append(r.waiters, w)
}
