package engines

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/narrator/internal/tts"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// MockConfig configures a Mock engine.
type MockConfig struct {
	// Name defaults to "mock".
	Name string

	// SampleRate of the generated audio. Defaults to 22050.
	SampleRate int

	// PerChar is the audio produced per character of text. Defaults to 60ms.
	PerChar time.Duration

	// Delay is slept before writing output, honoring ctx.
	Delay time.Duration

	// Fail makes every call return this error.
	Fail error

	// Gate, if set, blocks each call until a value is received or ctx is
	// done.
	Gate chan struct{}
}

// Mock writes a quiet sine tone whose length follows the text. It counts
// calls and tracks the highest number of concurrent calls.
type Mock struct {
	cfg MockConfig

	calls     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64

	mu      sync.Mutex
	started []tts.Request
}

// NewMock returns a mock engine.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 22050
	}
	if cfg.PerChar == 0 {
		cfg.PerChar = 60 * time.Millisecond
	}
	return &Mock{cfg: cfg}
}

// Name implements tts.Synthesizer.
func (m *Mock) Name() string { return m.cfg.Name }

// Synthesize implements tts.Synthesizer.
func (m *Mock) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	m.calls.Add(1)
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		prev := m.maxActive.Load()
		if n <= prev || m.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}

	m.mu.Lock()
	m.started = append(m.started, req)
	m.mu.Unlock()

	if err := req.Validate(); err != nil {
		return tts.Result{}, err
	}

	if m.cfg.Gate != nil {
		select {
		case <-m.cfg.Gate:
		case <-ctx.Done():
			return tts.Result{}, ctx.Err()
		}
	}
	if m.cfg.Delay > 0 {
		select {
		case <-time.After(m.cfg.Delay):
		case <-ctx.Done():
			return tts.Result{}, ctx.Err()
		}
	}
	if m.cfg.Fail != nil {
		return tts.Result{}, m.cfg.Fail
	}

	dur := time.Duration(len([]rune(req.Text))) * m.cfg.PerChar
	if err := writeTone(req.OutputPath, m.cfg.SampleRate, dur); err != nil {
		return tts.Result{}, err
	}
	return tts.Result{Path: req.OutputPath, Duration: dur}, nil
}

// Calls returns the number of Synthesize calls.
func (m *Mock) Calls() int { return int(m.calls.Load()) }

// MaxConcurrent returns the highest number of overlapping calls seen.
func (m *Mock) MaxConcurrent() int { return int(m.maxActive.Load()) }

// Started returns the requests in the order they reached the engine.
func (m *Mock) Started() []tts.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tts.Request(nil), m.started...)
}

// writeTone writes a 16-bit mono WAV holding a 440Hz tone of length d.
func writeTone(path string, sampleRate int, d time.Duration) error {
	samples := int(d.Seconds() * float64(sampleRate))
	if samples == 0 {
		samples = sampleRate / 10
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, samples),
	}
	for i := range buf.Data {
		buf.Data[i] = int(2000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return f.Close()
}

var _ tts.Synthesizer = (*Mock)(nil)
