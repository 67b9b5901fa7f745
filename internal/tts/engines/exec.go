package engines

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/charmbracelet/narrator/internal/tts"
	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an arbitrary command per request. The command may use the
// placeholders {voice}, {rate}, {output} and {text}; unless {text} is used
// the text is written to stdin. The command must write a WAV file to
// {output}.
type ExecEngine struct {
	name string
	args []string
}

// NewExecEngine parses command into an engine called name.
func NewExecEngine(name, command string) (*ExecEngine, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	if name == "" {
		name = "exec"
	}
	return &ExecEngine{name: name, args: args}, nil
}

// Name implements tts.Synthesizer.
func (e *ExecEngine) Name() string { return e.name }

// expand substitutes placeholders. It reports whether {text} was used.
func (e *ExecEngine) expand(req tts.Request) ([]string, bool) {
	r := strings.NewReplacer(
		"{voice}", req.VoiceID,
		"{rate}", strconv.FormatFloat(req.Rate, 'f', 2, 64),
		"{output}", req.OutputPath,
		"{text}", req.Text,
	)
	usesText := false
	args := make([]string, len(e.args))
	for i, a := range e.args {
		if strings.Contains(a, "{text}") {
			usesText = true
		}
		args[i] = r.Replace(a)
	}
	return args, usesText
}

// Synthesize implements tts.Synthesizer.
func (e *ExecEngine) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if err := req.Validate(); err != nil {
		return tts.Result{}, err
	}

	args, usesText := e.expand(req)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec
	if !usesText {
		cmd.Stdin = strings.NewReader(req.Text)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(req.OutputPath)
		if ctx.Err() != nil {
			return tts.Result{}, fmt.Errorf("%s interrupted: %w", e.name, ctx.Err())
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return tts.Result{}, fmt.Errorf("%w: %v", tts.ErrEngineNotAvailable, err)
		}
		return tts.Result{}, fmt.Errorf("%w: %s: %v: %s", tts.ErrSynthesisFailed, e.name, err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(req.OutputPath); err != nil {
		return tts.Result{}, fmt.Errorf("%w: %s wrote no output", tts.ErrSynthesisFailed, e.name)
	}
	return tts.Result{Path: req.OutputPath}, nil
}

var _ tts.Synthesizer = (*ExecEngine)(nil)
