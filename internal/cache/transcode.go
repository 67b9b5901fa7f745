package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mattn/go-shellwords"
)

// Transcoder converts a raw WAV artifact into a smaller variant.
type Transcoder interface {
	// Format is the variant written by Transcode.
	Format() Format

	// Transcode reads the WAV at src and writes the encoded file at dst.
	Transcode(ctx context.Context, src, dst string) error
}

// ZstdTranscoder compresses WAV files with zstd. The result decodes back to
// the identical WAV, so players read it through AudioCache.Open.
type ZstdTranscoder struct {
	level zstd.EncoderLevel
}

// NewZstdTranscoder returns a transcoder at the given zstd level (1-22).
func NewZstdTranscoder(level int) *ZstdTranscoder {
	if level <= 0 {
		level = 3
	}
	return &ZstdTranscoder{level: zstd.EncoderLevelFromZstd(level)}
}

// Format implements Transcoder.
func (t *ZstdTranscoder) Format() Format { return FormatZstd }

// Transcode implements Transcoder.
func (t *ZstdTranscoder) Transcode(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(t.level))
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	if _, err := io.Copy(enc, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ExecTranscoder runs an external encoder such as ffmpeg. The command may
// reference {input} and {output}; when it references neither, the paths
// are appended as the last two arguments.
type ExecTranscoder struct {
	args   []string
	format Format
}

// NewExecTranscoder parses command and returns a transcoder producing
// format.
func NewExecTranscoder(command string, format Format) (*ExecTranscoder, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcode command is empty")
	}
	if format == FormatUnknown || format == FormatWAV {
		return nil, fmt.Errorf("unsupported transcode format %q", format)
	}
	return &ExecTranscoder{args: args, format: format}, nil
}

// Format implements Transcoder.
func (t *ExecTranscoder) Format() Format { return t.format }

// Transcode implements Transcoder.
func (t *ExecTranscoder) Transcode(ctx context.Context, src, dst string) error {
	args := make([]string, 0, len(t.args)+2)
	substituted := false
	for _, a := range t.args {
		if strings.Contains(a, "{input}") || strings.Contains(a, "{output}") {
			substituted = true
		}
		a = strings.ReplaceAll(a, "{input}", src)
		a = strings.ReplaceAll(a, "{output}", dst)
		args = append(args, a)
	}
	if !substituted {
		args = append(args, src, dst)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("transcode canceled: %w", ctx.Err())
		}
		return fmt.Errorf("transcode command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
