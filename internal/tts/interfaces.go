package tts

import (
	"context"
	"time"
)

// Synthesizer is a speech backend. Implementations write a WAV file and
// must honor ctx cancellation, since the caller enforces its timeout
// through it.
type Synthesizer interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// Synthesize renders req.Text and writes a WAV file to req.OutputPath.
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// Request is a single synthesis call.
type Request struct {
	Text    string
	VoiceID string
	Rate    float64

	// OutputPath is where the backend writes the WAV file. The directory
	// exists; the file does not.
	OutputPath string
}

// Result describes a finished synthesis.
type Result struct {
	Path     string
	Duration time.Duration // zero if the backend cannot tell
}

// Validate checks req before it is handed to a backend.
func (r Request) Validate() error {
	if r.Text == "" {
		return ErrEmptyText
	}
	if len(r.Text) > MaxTextSize {
		return ErrTextTooLong
	}
	if r.OutputPath == "" {
		return ErrNoOutputPath
	}
	return ValidateRate(r.Rate)
}
