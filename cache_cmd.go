package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/narrator/internal/cache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	pruneMaxAge   time.Duration
	pruneMaxSize  string
	dropPrefix    bool
	clearForce    bool
	quotaMaxSize  string
	quotaWarn     float64
	quotaCompress float64

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the audio cache",
		Args:  cobra.NoArgs,
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, rt *cacheRuntime, _ []string) error {
			printStats(cmd.OutOrStdout(), rt.manager.UsageStats(), rt.report)
			return nil
		}),
	}

	cachePruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete old or excess audio, sparing pinned entries",
		Args:  cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, rt *cacheRuntime, _ []string) error {
			budget := cache.Budget{MaxAge: cfg.Cache.Prune.MaxAge}
			if cmd.Flags().Changed("max-age") {
				budget.MaxAge = pruneMaxAge
			}
			if pruneMaxSize != "" {
				n, err := humanize.ParseBytes(pruneMaxSize)
				if err != nil {
					return fmt.Errorf("invalid size %q: %w", pruneMaxSize, err)
				}
				budget.MaxSizeBytes = int64(n) //nolint:gosec
			}
			keys, err := rt.manager.Prune(cmd.Context(), budget)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s.\n", plural(len(keys), "entry", "entries"))
			return nil
		}),
	}

	cacheDropCmd = &cobra.Command{
		Use:     "drop VOICE",
		Short:   "Delete all audio for a voice",
		Example: paragraph("narrator cache drop en_US-lessac-medium\nnarrator cache drop --prefix en_us-lessac"),
		Args:    cobra.ExactArgs(1),
		RunE: withCache(func(cmd *cobra.Command, rt *cacheRuntime, args []string) error {
			prefix := cache.VoicePrefix(args[0])
			if dropPrefix {
				prefix = args[0]
			}
			keys, err := rt.manager.DeleteByPrefix(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s matching %s.\n", plural(len(keys), "entry", "entries"), keyword(prefix))
			return nil
		}),
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached file",
		Args:  cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, rt *cacheRuntime, _ []string) error {
			if !clearForce {
				return errors.New("refusing to clear the cache without --force")
			}
			n := rt.manager.UsageStats().EntryCount
			if err := rt.manager.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s.\n", plural(n, "entry", "entries"))
			return nil
		}),
	}

	cacheCompressCmd = &cobra.Command{
		Use:   "compress",
		Short: "Compress every eligible entry now",
		Args:  cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, rt *cacheRuntime, _ []string) error {
			before := rt.manager.UsageStats().TotalSizeBytes
			n, err := rt.compressor.CompressEligible(cmd.Context())
			if errors.Is(err, cache.ErrNothingToCompress) {
				return errors.New("compression is disabled")
			}
			after := rt.manager.UsageStats().TotalSizeBytes
			fmt.Fprintf(cmd.OutOrStdout(), "Compressed %s, saved %s.\n",
				plural(n, "entry", "entries"), humanize.IBytes(uint64(max(before-after, 0)))) //nolint:gosec
			return err
		}),
	}

	cacheQuotaCmd = &cobra.Command{
		Use:     "quota",
		Short:   "Show or change the cache quota",
		Example: paragraph("narrator cache quota\nnarrator cache quota --max-size 2GB --warn 85"),
		Args:    cobra.NoArgs,
		RunE: withCache(func(cmd *cobra.Command, rt *cacheRuntime, _ []string) error {
			q := rt.manager.Quota()
			changed := false
			if quotaMaxSize != "" {
				n, err := humanize.ParseBytes(quotaMaxSize)
				if err != nil {
					return fmt.Errorf("invalid size %q: %w", quotaMaxSize, err)
				}
				q.MaxSizeBytes = int64(n) //nolint:gosec
				changed = true
			}
			if cmd.Flags().Changed("warn") {
				q.WarningThresholdPercent = quotaWarn
				changed = true
			}
			if cmd.Flags().Changed("compress") {
				q.CompressionThresholdPercent = quotaCompress
				changed = true
			}
			if changed {
				if err := rt.manager.SetQuota(cmd.Context(), q); err != nil {
					return err
				}
			}
			printQuota(cmd.OutOrStdout(), rt.manager.Quota())
			return nil
		}),
	}
)

// withCache opens the cache around fn.
func withCache(fn func(*cobra.Command, *cacheRuntime, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openCache(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer rt.Close() //nolint:errcheck
		return fn(cmd, rt, args)
	}
}

func printStats(w io.Writer, s cache.UsageStats, r cache.ReconcileReport) {
	percent := 0.0
	if s.QuotaSizeBytes > 0 {
		percent = float64(s.TotalSizeBytes) / float64(s.QuotaSizeBytes) * 100
	}
	usage := fmt.Sprintf("%s of %s (%.1f%%)",
		humanize.IBytes(uint64(s.TotalSizeBytes)), //nolint:gosec
		humanize.IBytes(uint64(s.QuotaSizeBytes)), //nolint:gosec
		percent)
	if s.Warning {
		usage = warning(usage)
	}

	fmt.Fprintln(w, label("Usage")+usage)
	fmt.Fprintln(w, label("Entries")+fmt.Sprintf("%s, %s compressed, %s pinned",
		humanize.Comma(int64(s.EntryCount)),
		humanize.Comma(int64(s.CompressedCount)),
		humanize.Comma(int64(s.PinnedCount))))
	fmt.Fprintln(w, label("Hit rate")+fmt.Sprintf("%.0f%% %s", s.HitRate*100,
		faint(fmt.Sprintf("(%d hits, %d misses)", s.Hits, s.Misses))))
	if r != (cache.ReconcileReport{}) {
		fmt.Fprintln(w, label("Repaired")+faint(fmt.Sprintf(
			"%d adopted, %d removed, %d reset, %d repaired, %d files deleted, %d evicted",
			r.Registered, r.Removed, r.Reset, r.Repaired, r.Deleted, r.Evicted)))
	}

	printSizes(w, "By book", s.ByBook)
	printSizes(w, "By voice", s.ByVoice)
}

func printSizes(w io.Writer, title string, sizes map[string]int64) {
	if len(sizes) == 0 {
		return
	}
	names := make([]string, 0, len(sizes))
	for name := range sizes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if sizes[names[i]] != sizes[names[j]] {
			return sizes[names[i]] > sizes[names[j]]
		}
		return names[i] < names[j]
	})

	fmt.Fprintln(w)
	fmt.Fprintln(w, keyword(title))
	for _, name := range names {
		display := name
		if display == "" {
			display = faint("(none)")
		}
		fmt.Fprintf(w, "  %s %s\n", humanize.IBytes(uint64(sizes[name])), display) //nolint:gosec
	}
}

func printQuota(w io.Writer, q cache.QuotaSettings) {
	fmt.Fprintln(w, label("Max size")+humanize.IBytes(uint64(q.MaxSizeBytes))) //nolint:gosec
	fmt.Fprintln(w, label("Warn at")+fmt.Sprintf("%.0f%%", q.WarningThresholdPercent))
	fmt.Fprintln(w, label("Compress at")+fmt.Sprintf("%.0f%%", q.CompressionThresholdPercent))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return humanize.Comma(int64(n)) + " " + many
}

func init() {
	cachePruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "delete entries unused for longer than this (default from config)")
	cachePruneCmd.Flags().StringVar(&pruneMaxSize, "max-size", "", "delete least recently used entries above this size, e.g. 400MB")
	cacheDropCmd.Flags().BoolVar(&dropPrefix, "prefix", false, "treat the argument as a raw key prefix")
	cacheClearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "confirm deleting everything")
	cacheQuotaCmd.Flags().StringVar(&quotaMaxSize, "max-size", "", "maximum cache size, e.g. 500MB")
	cacheQuotaCmd.Flags().Float64Var(&quotaWarn, "warn", 0, "warning threshold in percent")
	cacheQuotaCmd.Flags().Float64Var(&quotaCompress, "compress", 0, "compression threshold in percent")

	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd, cacheDropCmd, cacheClearCmd, cacheCompressCmd, cacheQuotaCmd)
}
