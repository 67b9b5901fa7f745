package engines

import (
	"fmt"

	"github.com/charmbracelet/narrator/internal/tts"
)

// Engine names accepted by New.
const (
	EnginePiper = "piper"
	EngineExec  = "exec"
	EngineMock  = "mock"
)

// Spec selects and configures an engine.
type Spec struct {
	Engine   string
	Binary   string
	ModelDir string
	Command  string
}

// New builds the engine described by spec under name.
func New(name string, spec Spec) (tts.Synthesizer, error) {
	switch spec.Engine {
	case EnginePiper:
		return NewPiperEngine(PiperConfig{Name: name, Binary: spec.Binary, ModelDir: spec.ModelDir})
	case EngineExec:
		return NewExecEngine(name, spec.Command)
	case EngineMock:
		return NewMock(MockConfig{Name: name}), nil
	default:
		return nil, fmt.Errorf("%w: %q", tts.ErrInvalidEngine, spec.Engine)
	}
}
