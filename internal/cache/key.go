package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// keyVersion is mixed into every hash. Bump it when the synthesis inputs
// change meaning so stale artifacts stop matching.
const keyVersion = "v1"

// hashLen is the number of hex characters kept from the digest.
const hashLen = 32

// keySeparator joins the voice slug and the hash. Slugs never contain it.
const keySeparator = "."

// ErrInvalidKey is returned when a string cannot be parsed as a CacheKey.
var ErrInvalidKey = errors.New("invalid cache key")

// CacheKey identifies one synthesized artifact. It is derived from the voice,
// the normalized text and the playback rate, and encodes the voice slug so
// that all artifacts of a voice share a common prefix.
type CacheKey struct {
	voice string
	hash  string
}

// String returns the canonical form "<voice>.<hash>", which is also the
// artifact's file name without extension.
func (k CacheKey) String() string {
	if k.IsZero() {
		return ""
	}
	return k.voice + keySeparator + k.hash
}

// Voice returns the voice slug encoded in the key.
func (k CacheKey) Voice() string { return k.voice }

// Hash returns the content hash part of the key.
func (k CacheKey) Hash() string { return k.hash }

// IsZero reports whether the key is the zero value.
func (k CacheKey) IsZero() bool { return k.hash == "" }

// HasPrefix reports whether the canonical form starts with prefix.
func (k CacheKey) HasPrefix(prefix string) bool {
	return strings.HasPrefix(k.String(), prefix)
}

// ParseCacheKey parses the canonical form produced by CacheKey.String.
func ParseCacheKey(s string) (CacheKey, error) {
	voice, hash, ok := strings.Cut(s, keySeparator)
	if !ok || voice == "" || strings.Contains(hash, keySeparator) {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if len(hash) != hashLen {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if slugify(voice) != voice {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return CacheKey{voice: voice, hash: hash}, nil
}

// KeyGenerator derives cache keys from synthesis inputs.
type KeyGenerator struct {
	version string
}

// NewKeyGenerator returns a generator using the current key version.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{version: keyVersion}
}

// Generate returns the key for the given voice, text and rate. Text is
// normalized first, so inputs differing only in whitespace or Unicode
// composition map to the same key.
func (g *KeyGenerator) Generate(voiceID, text string, rate float64) CacheKey {
	input := fmt.Sprintf("%s|%s|%s|%.2f", g.version, voiceID, NormalizeText(text), rate)
	sum := sha256.Sum256([]byte(input))
	return CacheKey{
		voice: slugify(voiceID),
		hash:  hex.EncodeToString(sum[:])[:hashLen],
	}
}

// VoicePrefix returns the key prefix shared by every artifact of voiceID.
func VoicePrefix(voiceID string) string {
	return slugify(voiceID) + keySeparator
}

// NormalizeText applies NFC normalization and collapses runs of whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// slugify maps a voice ID onto characters that are safe in file names.
func slugify(voiceID string) string {
	var b strings.Builder
	b.Grow(len(voiceID))
	for _, r := range voiceID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "voice"
	}
	return b.String()
}
