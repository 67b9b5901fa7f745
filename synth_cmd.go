package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/metrics"
	"github.com/charmbracelet/narrator/internal/synth"
	"github.com/charmbracelet/narrator/internal/tts"
	"github.com/charmbracelet/narrator/internal/tts/engines"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	synthVoice       string
	synthRate        float64
	synthBook        string
	synthStart       int
	synthEnd         int
	synthPriority    string
	synthMetricsAddr string
	synthQuiet       bool

	synthCmd = &cobra.Command{
		Use:     "synth FILE",
		Short:   "Synthesize a text file, one segment per line",
		Long:    paragraph(fmt.Sprintf("\n%s every non-empty line of FILE into the audio cache. Lines that are already cached are reported immediately.", keyword("Synthesize"))),
		Example: paragraph("narrator synth chapter1.txt --voice en_US-lessac-medium\nnarrator synth book.txt --rate 1.25 --start 10 --end 19 --priority immediate"),
		Args:    cobra.ExactArgs(1),
		RunE:    runSynth,
	}
)

// tally counts the outcome of each segment.
type tally struct {
	synthesized int
	cached      int
	failed      int
}

func runSynth(cmd *cobra.Command, args []string) error {
	if err := tts.ValidateRate(synthRate); err != nil {
		return err
	}
	prio, err := synth.ParsePriority(synthPriority)
	if err != nil {
		return err
	}

	b, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("unable to read file: %w", err)
	}
	segments := splitSegments(string(b))
	if len(segments) == 0 {
		return errors.New("no text to synthesize")
	}
	book := synthBook
	if book == "" {
		book = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}
	voice := synthVoice
	if voice == "" {
		voice = defaultVoice()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var m *metrics.Metrics
	if synthMetricsAddr != "" {
		m = metrics.New()
		shutdown := serveMetrics(synthMetricsAddr, m)
		defer shutdown()
	}

	rt, err := openCache(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	wctx, stopWatch := context.WithCancel(ctx)
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		if err := rt.manager.Watch(wctx); err != nil && wctx.Err() == nil {
			log.Warn("Cache watcher stopped", "err", err)
		}
	}()
	defer func() {
		stopWatch()
		<-watching
	}()

	backends, limits := buildBackends()
	if len(backends) == 0 {
		return errors.New("no synthesis backend could be started")
	}

	events := make(chan any, cfg.Synthesis.MaxQueue)
	coord, err := synth.NewCoordinator(synth.Config{
		Cache:          rt.manager,
		Backends:       backends,
		DefaultBackend: cfg.Synthesis.DefaultBackend,
		VoiceBackends:  cfg.Synthesis.Voices,
		Limits:         limits,
		MaxQueue:       cfg.Synthesis.MaxQueue,
		Timeout:        cfg.Synthesis.Timeout,
		Metrics:        m,
		Handlers: synth.Handlers{
			OnReady:  func(ev synth.ReadyEvent) { events <- ev },
			OnFailed: func(ev synth.FailedEvent) { events <- ev },
		},
	})
	if err != nil {
		return err
	}
	coord.UpdateContext(voice, synthRate)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Close() //nolint:errcheck

	start, end := clampRange(synthStart, synthEnd, len(segments))
	if start > end {
		return fmt.Errorf("nothing to do: file has %d segments", len(segments))
	}

	began := time.Now()
	out := cmd.OutOrStdout()
	var t tally
	// Windows keep the queue from overflowing on long files.
	for lo := start; lo <= end; lo += cfg.Synthesis.MaxQueue {
		hi := min(lo+cfg.Synthesis.MaxQueue-1, end)
		if _, err := coord.QueueRange(ctx, synth.RangeRequest{
			BookID:   book,
			Segments: segments,
			VoiceID:  voice,
			Rate:     synthRate,
			Start:    lo,
			End:      hi,
			Priority: prio,
		}); err != nil {
			return err
		}
		if err := collect(ctx, out, events, hi-lo+1, &t); err != nil {
			return err
		}
	}

	stats := rt.manager.UsageStats()
	fmt.Fprintf(out, "\n%s synthesized, %s cached, %s failed in %s. Cache holds %s of %s.\n",
		keyword(fmt.Sprint(t.synthesized)), fmt.Sprint(t.cached), fmt.Sprint(t.failed),
		time.Since(began).Round(time.Millisecond),
		humanize.IBytes(uint64(stats.TotalSizeBytes)), //nolint:gosec
		humanize.IBytes(uint64(stats.QuotaSizeBytes))) //nolint:gosec
	if t.failed > 0 {
		return fmt.Errorf("%s failed", plural(t.failed, "segment", "segments"))
	}
	return nil
}

// collect waits for n events.
func collect(ctx context.Context, w io.Writer, events <-chan any, n int, t *tally) error {
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev := ev.(type) {
			case synth.ReadyEvent:
				if ev.FromCache {
					t.cached++
				} else {
					t.synthesized++
				}
				if !synthQuiet {
					source := "synthesized"
					if ev.FromCache {
						source = "cached"
					}
					fmt.Fprintf(w, "%4d %s %s\n", ev.Index+1, faint(source), ev.Path)
				}
			case synth.FailedEvent:
				t.failed++
				fmt.Fprintf(w, "%4d %s\n", ev.Index+1, warning(ev.Err.Error()))
			}
		}
	}
	return nil
}

// buildBackends creates every configured backend. Backends that fail to
// start are left out, so their voices fail with BACKEND_UNAVAILABLE.
func buildBackends() (map[string]tts.Synthesizer, map[string]synth.BackendLimits) {
	backends := make(map[string]tts.Synthesizer, len(cfg.Synthesis.Backends))
	limits := make(map[string]synth.BackendLimits, len(cfg.Synthesis.Backends))
	for name, b := range cfg.Synthesis.Backends {
		s, err := engines.New(name, b.Spec())
		if err != nil {
			log.Warn("Backend unavailable", "backend", name, "err", err)
			continue
		}
		backends[name] = s
		limits[name] = b.Limits()
	}
	return backends, limits
}

// defaultVoice picks a voice served by the default backend.
func defaultVoice() string {
	for voice, backend := range cfg.Synthesis.Voices {
		if backend == cfg.Synthesis.DefaultBackend {
			return voice
		}
	}
	return "en_US-lessac-medium"
}

func serveMetrics(addr string, m *metrics.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "addr", addr, "err", err)
		}
	}()
	log.Info("Serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// splitSegments returns one segment per non-empty line. A line holding
// only "#", "##" and so on starts a new chapter.
func splitSegments(text string) []synth.Segment {
	var out []synth.Segment
	chapter, index := 0, 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Trim(line, "#") == "" {
			if index > 0 {
				chapter++
				index = 0
			}
			continue
		}
		out = append(out, synth.Segment{Text: line, ChapterIndex: chapter, SegmentIndex: index})
		index++
	}
	return out
}

// clampRange mirrors the coordinator's range handling. A negative end
// means the last segment.
func clampRange(start, end, n int) (int, int) {
	if end < 0 || end >= n {
		end = n - 1
	}
	return max(start, 0), end
}

func init() {
	synthCmd.Flags().StringVarP(&synthVoice, "voice", "v", "", "voice to synthesize with")
	synthCmd.Flags().Float64VarP(&synthRate, "rate", "r", 1.0, "playback rate")
	synthCmd.Flags().StringVarP(&synthBook, "book", "b", "", "book id owning the audio (default: file name)")
	synthCmd.Flags().IntVar(&synthStart, "start", 0, "first segment, counting from 0")
	synthCmd.Flags().IntVar(&synthEnd, "end", -1, "last segment, inclusive (default: last)")
	synthCmd.Flags().StringVarP(&synthPriority, "priority", "p", synth.PriorityPrefetch.String(), "immediate, prefetch or background")
	synthCmd.Flags().StringVar(&synthMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	synthCmd.Flags().BoolVarP(&synthQuiet, "quiet", "q", false, "only print failures and the summary")
}
