package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/cache"
	"github.com/charmbracelet/narrator/internal/config"
	"github.com/charmbracelet/narrator/internal/metrics"
	"github.com/charmbracelet/narrator/internal/store"
)

// cacheRuntime is an initialized cache over the configured store.
type cacheRuntime struct {
	store      *store.SQLiteStore
	audio      *cache.AudioCache
	manager    *cache.Manager
	compressor *cache.Compressor
	report     cache.ReconcileReport
}

// openCache opens the metadata store, reconciles it with the cache
// directory and attaches the compressor. m may be nil.
func openCache(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*cacheRuntime, error) {
	audio, err := cache.NewAudioCache(cache.AudioCacheConfig{
		Dir:              cfg.Cache.Dir,
		CompressedFormat: cfg.Compression.CompressedFormat(),
	})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Cache.DatabasePath(), log.Default().WithPrefix("store"))
	if err != nil {
		return nil, err
	}

	mcfg := cfg.ManagerConfig()
	mcfg.Metrics = m
	manager := cache.NewManager(audio, st, mcfg)

	tc, err := cfg.Compression.Transcoder()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("unable to set up compression: %w", err)
	}
	compressor, err := cache.NewCompressor(manager, tc, cache.CompressorConfig{
		Enabled: cfg.Compression.Enabled,
		Workers: cfg.Compression.Workers,
		Metrics: m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	report, err := manager.Initialize(ctx)
	if err != nil {
		_ = compressor.Close()
		_ = st.Close()
		return nil, fmt.Errorf("unable to initialize cache: %w", err)
	}

	return &cacheRuntime{
		store:      st,
		audio:      audio,
		manager:    manager,
		compressor: compressor,
		report:     report,
	}, nil
}

// Close waits for background compression and closes the store.
func (r *cacheRuntime) Close() error {
	return errors.Join(
		r.compressor.Close(),
		r.manager.Close(),
		r.store.Close(),
	)
}
