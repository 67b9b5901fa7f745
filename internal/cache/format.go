package cache

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/klauspost/compress/zstd"
)

// Format is the file extension of an artifact variant, including the dot.
type Format string

const (
	// FormatWAV is the raw PCM container written by synthesis backends.
	FormatWAV Format = ".wav"

	// FormatZstd is a zstd-compressed WAV.
	FormatZstd Format = ".wav.zst"

	// FormatOpus is an Ogg/Opus file produced by an external encoder.
	FormatOpus Format = ".opus"

	// FormatUnknown is returned when content cannot be recognized.
	FormatUnknown Format = ""
)

// wavHeaderSize is the size of a canonical WAV header. A file of this size
// or less carries no audio.
const wavHeaderSize = 44

var (
	magicRIFF = []byte("RIFF")
	magicWAVE = []byte("WAVE")
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicOgg  = []byte("OggS")
)

// knownFormats lists every variant the cache may find on disk, longest
// extension first so that ".wav.zst" wins over ".wav".
var knownFormats = []Format{FormatZstd, FormatOpus, FormatWAV}

// ParseFormat maps an extension onto a known format.
func ParseFormat(ext string) (Format, error) {
	for _, f := range knownFormats {
		if string(f) == ext {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("unsupported artifact format %q", ext)
}

// sniff identifies a file by its leading bytes.
func sniff(head []byte) Format {
	switch {
	case len(head) >= 12 && bytes.Equal(head[:4], magicRIFF) && bytes.Equal(head[8:12], magicWAVE):
		return FormatWAV
	case bytes.HasPrefix(head, magicZstd):
		return FormatZstd
	case bytes.HasPrefix(head, magicOgg):
		return FormatOpus
	default:
		return FormatUnknown
	}
}

// sniffFile reads the head of path and identifies it.
func sniffFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, 12)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, err
	}
	return sniff(head[:n]), nil
}

// inspect validates that path holds a playable artifact of format want and
// returns its size. A WAV (or decoded zstd WAV) holding only a header is
// rejected.
func inspect(path string, want Format) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrCorruptArtifact, path)
	}

	got, err := sniffFile(path)
	if err != nil {
		return 0, err
	}
	if got != want {
		return 0, fmt.Errorf("%w: %s has %q content, want %q", ErrCorruptArtifact, path, got, want)
	}

	switch want {
	case FormatWAV:
		if info.Size() <= wavHeaderSize {
			return 0, fmt.Errorf("%w: %s has no audio data", ErrCorruptArtifact, path)
		}
	case FormatZstd:
		if err := checkZstdPayload(path); err != nil {
			return 0, err
		}
	default:
		if info.Size() <= wavHeaderSize {
			return 0, fmt.Errorf("%w: %s is too small", ErrCorruptArtifact, path)
		}
	}
	return info.Size(), nil
}

// checkZstdPayload decodes just enough of a compressed artifact to see a WAV
// header followed by audio.
func checkZstdPayload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	defer dec.Close()

	head := make([]byte, wavHeaderSize+1)
	if _, err := io.ReadFull(dec, head); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, path, err)
	}
	if sniff(head) != FormatWAV {
		return fmt.Errorf("%w: %s does not decode to WAV", ErrCorruptArtifact, path)
	}
	return nil
}

// ProbeWAV returns the duration of the WAV file at path.
func ProbeWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("%w: %s is not a valid WAV file", ErrCorruptArtifact, path)
	}
	dur, err := d.Duration()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return dur, nil
}
