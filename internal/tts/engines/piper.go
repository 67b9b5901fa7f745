package engines

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/narrator/internal/tts"
)

// PiperEngine runs the Piper binary once per request. The voice ID names a
// model file "<voice>.onnx" in the model directory.
type PiperEngine struct {
	name     string
	binary   string
	modelDir string
}

// PiperConfig holds configuration for the Piper engine.
type PiperConfig struct {
	// Name defaults to "piper".
	Name string

	// Binary defaults to "piper" on PATH.
	Binary string

	// ModelDir holds the .onnx voice models (required).
	ModelDir string
}

// NewPiperEngine creates a new Piper engine.
func NewPiperEngine(cfg PiperConfig) (*PiperEngine, error) {
	if cfg.ModelDir == "" {
		return nil, errors.New("model directory is required")
	}
	if info, err := os.Stat(cfg.ModelDir); err != nil {
		return nil, fmt.Errorf("model directory not found: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("model directory %s is not a directory", cfg.ModelDir)
	}
	if cfg.Name == "" {
		cfg.Name = "piper"
	}
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	return &PiperEngine{name: cfg.Name, binary: cfg.Binary, modelDir: cfg.ModelDir}, nil
}

// Name implements tts.Synthesizer.
func (e *PiperEngine) Name() string { return e.name }

// ModelPath returns the model file for voice.
func (e *PiperEngine) ModelPath(voice string) string {
	return filepath.Join(e.modelDir, voice+".onnx")
}

// Args returns the command line for req, without the binary.
func (e *PiperEngine) Args(req tts.Request) []string {
	return []string{
		"--model", e.ModelPath(req.VoiceID),
		"--output_file", req.OutputPath,
		"--length_scale", tts.LengthScale(req.Rate),
	}
}

// Synthesize implements tts.Synthesizer. Text is passed on stdin.
func (e *PiperEngine) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if err := req.Validate(); err != nil {
		return tts.Result{}, err
	}
	if _, err := os.Stat(e.ModelPath(req.VoiceID)); err != nil {
		return tts.Result{}, fmt.Errorf("%w: voice %q: %v", tts.ErrEngineNotAvailable, req.VoiceID, err)
	}

	cmd := exec.CommandContext(ctx, e.binary, e.Args(req)...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// Interrupt first so Piper can clean up, then kill.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 100 * time.Millisecond

	if err := cmd.Run(); err != nil {
		_ = os.Remove(req.OutputPath)
		if ctx.Err() != nil {
			return tts.Result{}, fmt.Errorf("piper interrupted: %w", ctx.Err())
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return tts.Result{}, fmt.Errorf("%w: %v", tts.ErrEngineNotAvailable, err)
		}
		return tts.Result{}, fmt.Errorf("%w: piper: %v: %s", tts.ErrSynthesisFailed, err, strings.TrimSpace(stderr.String()))
	}

	if info, err := os.Stat(req.OutputPath); err != nil || info.Size() == 0 {
		return tts.Result{}, fmt.Errorf("%w: piper produced no audio output: %s", tts.ErrSynthesisFailed, strings.TrimSpace(stderr.String()))
	}
	return tts.Result{Path: req.OutputPath}, nil
}

var _ tts.Synthesizer = (*PiperEngine)(nil)
