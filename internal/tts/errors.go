package tts

import "errors"

// Common TTS errors
var (
	// ErrEmptyText indicates there is nothing to synthesize
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrTextTooLong indicates the text exceeds MaxTextSize
	ErrTextTooLong = errors.New("text too long")

	// ErrNoOutputPath indicates the request has no destination file
	ErrNoOutputPath = errors.New("output path is required")

	// ErrEngineNotAvailable indicates the selected engine is not available
	ErrEngineNotAvailable = errors.New("selected TTS engine is not available")

	// ErrInvalidEngine indicates an unknown engine was specified
	ErrInvalidEngine = errors.New("invalid TTS engine specified")

	// ErrSynthesisFailed indicates synthesis operation failed
	ErrSynthesisFailed = errors.New("text synthesis failed")

	// ErrInvalidRate indicates a playback rate out of range
	ErrInvalidRate = errors.New("rate must be between 0.5 and 2.0")
)
