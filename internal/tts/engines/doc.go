// Package engines contains the speech backends: Piper (offline neural
// TTS), an arbitrary external command, and a mock used in tests and dry
// runs. Each engine implements tts.Synthesizer.
package engines
