package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/metrics"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CompressorConfig configures a Compressor.
type CompressorConfig struct {
	// Enabled turns compression on. A disabled compressor accepts calls
	// and reports ErrNothingToCompress.
	Enabled bool

	// Workers bounds concurrent transcodes. Defaults to 1.
	Workers int

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Compressor moves entries through RawAudio, Compressing and Compressed (or
// Failed) in the background. Every job is tracked so Close can wait for it.
type Compressor struct {
	m       *Manager
	audio   *AudioCache
	tc      Transcoder
	cfg     CompressorConfig
	log     *log.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	jobs   errgroup.Group

	mu      sync.Mutex
	pending map[CacheKey]struct{}
	closed  bool
}

// NewCompressor returns a compressor for m. When enabled it registers
// itself with m to receive entries once usage crosses the compression
// threshold.
func NewCompressor(m *Manager, tc Transcoder, cfg CompressorConfig) (*Compressor, error) {
	if tc == nil {
		return nil, errors.New("transcoder is required")
	}
	if tc.Format() != m.audio.CompressedFormat() {
		return nil, fmt.Errorf("transcoder writes %q but the cache expects %q", tc.Format(), m.audio.CompressedFormat())
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("compress")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Compressor{
		m:       m,
		audio:   m.audio,
		tc:      tc,
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[CacheKey]struct{}),
	}
	if cfg.Enabled {
		m.setScheduler(c)
	}
	return c, nil
}

// Schedule queues background jobs for keys. It never blocks; keys already
// scheduled are skipped.
func (c *Compressor) Schedule(keys []CacheKey) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for _, key := range keys {
		if _, ok := c.pending[key]; ok {
			continue
		}
		c.pending[key] = struct{}{}

		c.jobs.Go(func() error {
			defer func() {
				c.mu.Lock()
				delete(c.pending, key)
				c.mu.Unlock()
			}()

			if err := c.sem.Acquire(c.ctx, 1); err != nil {
				return nil
			}
			defer c.sem.Release(1)

			if _, err := c.CompressEntry(c.ctx, key); err != nil && !isSkip(err) && c.ctx.Err() == nil {
				c.log.Warn("Background compression failed", "key", key, "err", err)
			}
			return nil
		})
	}
}

// CompressEntry transcodes the raw artifact of key and swaps the entry onto
// the compressed variant. It returns ErrNothingToCompress when compression
// is disabled, the source file is missing, or the entry is not eligible.
func (c *Compressor) CompressEntry(ctx context.Context, key CacheKey) (EntryMetadata, error) {
	if !c.cfg.Enabled {
		return EntryMetadata{}, ErrNothingToCompress
	}
	src := c.audio.PathFor(key, FormatWAV)
	if _, err := os.Stat(src); err != nil {
		return EntryMetadata{}, fmt.Errorf("%w: %s has no raw artifact", ErrNothingToCompress, key)
	}

	if c.audio.IsPinned(key) {
		return EntryMetadata{}, fmt.Errorf("%w: %s", ErrPinned, key)
	}
	if !c.audio.claim(key) {
		return EntryMetadata{}, fmt.Errorf("%w: %s is already being compressed", ErrNothingToCompress, key)
	}
	defer c.audio.release(key)

	entry, err := c.m.beginCompression(ctx, key)
	if err != nil {
		return EntryMetadata{}, err
	}

	job := uuid.NewString()
	start := time.Now()
	dst := c.audio.PathFor(key, c.tc.Format())
	tmp := dst + tmpSuffix
	c.log.Debug("Compressing entry", "key", key, "job", job)

	fail := func(err error) (EntryMetadata, error) {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			c.m.abortCompression(context.WithoutCancel(ctx), key, StateRawAudio)
			return EntryMetadata{}, fmt.Errorf("compression of %s canceled: %w", key, ctx.Err())
		}
		c.m.abortCompression(ctx, key, StateFailed)
		c.metrics.CompressionFinished(false)
		return EntryMetadata{}, fmt.Errorf("%w: %s: %v", ErrCompression, key, err)
	}

	if err := c.tc.Transcode(ctx, src, tmp); err != nil {
		return fail(err)
	}
	size, err := inspect(tmp, c.tc.Format())
	if err != nil {
		return fail(err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fail(err)
	}

	updated, err := c.m.finishCompression(ctx, key, size)
	if err != nil {
		_ = os.Remove(dst)
		return fail(err)
	}
	if err := c.audio.RemoveVariant(key, FormatWAV); err != nil {
		c.log.Warn("Failed to remove raw artifact", "key", key, "err", err)
	}

	c.metrics.CompressionFinished(true)
	c.log.Info("Compressed entry",
		"key", key,
		"job", job,
		"from", humanize.IBytes(uint64(entry.SizeBytes)), //nolint:gosec
		"to", humanize.IBytes(uint64(size)), //nolint:gosec
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return updated, nil
}

// CompressEligible compresses every current candidate and waits for the
// jobs. It returns how many entries were compressed.
func (c *Compressor) CompressEligible(ctx context.Context) (int, error) {
	if !c.cfg.Enabled {
		return 0, ErrNothingToCompress
	}

	var done atomic.Int64
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, key := range c.m.CompressionCandidates() {
		g.Go(func() error {
			_, err := c.CompressEntry(gctx, key)
			switch {
			case err == nil:
				done.Add(1)
			case isSkip(err):
			case errors.Is(err, ErrCompression):
				failed.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	if n := failed.Load(); n > 0 {
		return int(done.Load()), fmt.Errorf("%w: %d entries failed", ErrCompression, n)
	}
	return int(done.Load()), nil
}

// Close cancels running jobs and waits for them to return.
func (c *Compressor) Close() error {
	c.m.setScheduler(nil)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.jobs.Wait()
}

func isSkip(err error) bool {
	return errors.Is(err, ErrNothingToCompress) || errors.Is(err, ErrPinned)
}
