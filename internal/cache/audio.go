package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
)

const (
	tmpSuffix  = ".tmp"
	scratchDir = ".incoming"
)

// AudioCacheConfig configures an AudioCache.
type AudioCacheConfig struct {
	// Dir holds the artifacts. It is created if missing.
	Dir string

	// CompressedFormat is the variant produced by the configured transcoder.
	CompressedFormat Format

	Logger *log.Logger
	Clock  func() time.Time
}

// AudioCache is the file-backed artifact store. It owns the files, a
// process-local pin set and the set of keys busy in background jobs; it
// keeps no metadata of its own.
type AudioCache struct {
	dir        string
	compressed Format
	log        *log.Logger
	now        func() time.Time

	// mu guards pins and busy and is held across every deletion so a pin
	// cannot be taken between the check and the unlink.
	mu   sync.Mutex
	pins map[CacheKey]struct{}
	busy map[CacheKey]struct{}
}

// fileInfo describes an artifact file found by scan.
type fileInfo struct {
	Key     CacheKey
	Format  Format
	Path    string
	Size    int64
	ModTime time.Time
}

// NewAudioCache creates the cache directory and returns a cache rooted there.
func NewAudioCache(cfg AudioCacheConfig) (*AudioCache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audio cache directory is required")
	}
	if cfg.CompressedFormat == FormatUnknown {
		cfg.CompressedFormat = FormatZstd
	}
	if cfg.CompressedFormat == FormatWAV {
		return nil, fmt.Errorf("compressed format must differ from %s", FormatWAV)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("cache")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache directory: %v", ErrCacheWrite, err)
	}
	return &AudioCache{
		dir:        cfg.Dir,
		compressed: cfg.CompressedFormat,
		log:        cfg.Logger,
		now:        cfg.Clock,
		pins:       make(map[CacheKey]struct{}),
		busy:       make(map[CacheKey]struct{}),
	}, nil
}

// Dir returns the cache directory.
func (c *AudioCache) Dir() string { return c.dir }

// CompressedFormat returns the variant used for compressed entries.
func (c *AudioCache) CompressedFormat() Format { return c.compressed }

// ScratchDir returns a directory on the same filesystem where backends may
// write output before it is moved into the cache.
func (c *AudioCache) ScratchDir() (string, error) {
	dir := filepath.Join(c.dir, scratchDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create scratch directory: %v", ErrCacheWrite, err)
	}
	return dir, nil
}

// formatFor returns the variant that is authoritative for state.
func (c *AudioCache) formatFor(state CompressionState) Format {
	if state == StateCompressed {
		return c.compressed
	}
	return FormatWAV
}

// PathFor returns the path of a variant without touching the filesystem.
func (c *AudioCache) PathFor(key CacheKey, f Format) string {
	return filepath.Join(c.dir, key.String()+string(f))
}

// FileFor returns the path of a variant, creating the parent directory. The
// file itself is not created.
func (c *AudioCache) FileFor(key CacheKey, f Format) (string, error) {
	path := c.PathFor(key, f)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	return path, nil
}

// IsReady reports whether the variant exists and holds audio beyond a bare
// header.
func (c *AudioCache) IsReady(key CacheKey, f Format) bool {
	_, err := inspect(c.PathFor(key, f), f)
	return err == nil
}

// Validate returns the size of a ready variant, ErrNotFound when it is
// missing, or ErrCorruptArtifact when it fails validation.
func (c *AudioCache) Validate(key CacheKey, f Format) (int64, error) {
	return inspect(c.PathFor(key, f), f)
}

// Pin protects key from every deletion. It reports whether the pin state
// changed.
func (c *AudioCache) Pin(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pins[key]; ok {
		return false
	}
	c.pins[key] = struct{}{}
	return true
}

// Unpin releases a pin. It reports whether the pin state changed.
func (c *AudioCache) Unpin(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pins[key]; !ok {
		return false
	}
	delete(c.pins, key)
	return true
}

// IsPinned reports whether key is pinned.
func (c *AudioCache) IsPinned(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pins[key]
	return ok
}

// PinnedCount returns the number of pinned keys.
func (c *AudioCache) PinnedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pins)
}

// claim marks key busy for a background job. Busy keys are kept from
// deletion like pinned ones but are not reported as pins. It returns false
// when another job holds key.
func (c *AudioCache) claim(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.busy[key]; ok {
		return false
	}
	c.busy[key] = struct{}{}
	return true
}

func (c *AudioCache) release(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, key)
}

// protected reports whether key is pinned or busy.
func (c *AudioCache) protected(key CacheKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protectedLocked(key)
}

func (c *AudioCache) protectedLocked(key CacheKey) bool {
	if _, ok := c.pins[key]; ok {
		return true
	}
	_, ok := c.busy[key]
	return ok
}

// Store moves the WAV file at src into the cache as the raw variant of key
// and returns its size. src must be a valid WAV with audio data.
func (c *AudioCache) Store(key CacheKey, src string) (int64, error) {
	size, err := inspect(src, FormatWAV)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("%w: backend output %s missing", ErrCorruptArtifact, src)
		}
		_ = os.Remove(src)
		return 0, err
	}

	dst, err := c.FileFor(key, FormatWAV)
	if err != nil {
		return 0, err
	}
	tmp := dst + tmpSuffix
	if err := moveFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("%w: %v", ErrCacheWrite, err)
	}

	c.log.Debug("Stored artifact", "key", key, "size", size)
	return size, nil
}

// moveFile renames src to dst, falling back to a copy across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Open returns a reader over the decoded audio of a variant. Zstd variants
// are decompressed transparently.
func (c *AudioCache) Open(key CacheKey, f Format) (io.ReadCloser, error) {
	file, err := os.Open(c.PathFor(key, f))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if f != FormatZstd {
		return file, nil
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	return &zstdReadCloser{dec: dec, file: file}, nil
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.file.Close()
}

// Touch records a use of the variant so prune passes see it as recent.
func (c *AudioCache) Touch(key CacheKey, f Format) error {
	now := c.now()
	return os.Chtimes(c.PathFor(key, f), now, now)
}

// Delete removes every variant of key. Pinned and busy keys are refused
// with ErrPinned.
func (c *AudioCache) Delete(key CacheKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.protectedLocked(key) {
		return ErrPinned
	}
	return c.removeVariantsLocked(key)
}

func (c *AudioCache) removeVariantsLocked(key CacheKey) error {
	var errs []error
	for _, f := range knownFormats {
		if err := os.Remove(c.PathFor(key, f)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveVariant removes a single superseded variant of key. It does not
// consult pins: the entry itself survives in its other variant.
func (c *AudioCache) RemoveVariant(key CacheKey, f Format) error {
	if err := os.Remove(c.PathFor(key, f)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteByPrefix removes every unpinned artifact whose key starts with
// prefix and returns the deleted keys.
func (c *AudioCache) DeleteByPrefix(prefix string) ([]CacheKey, error) {
	files, _, err := c.scan()
	if err != nil {
		return nil, err
	}

	var deleted []CacheKey
	var errs []error
	seen := make(map[CacheKey]struct{})
	for _, fi := range files {
		if !fi.Key.HasPrefix(prefix) {
			continue
		}
		if _, ok := seen[fi.Key]; ok {
			continue
		}
		seen[fi.Key] = struct{}{}
		switch err := c.Delete(fi.Key); {
		case errors.Is(err, ErrPinned):
			c.log.Debug("Skipping pinned artifact", "key", fi.Key)
		case err != nil:
			errs = append(errs, err)
		default:
			deleted = append(deleted, fi.Key)
		}
	}
	return deleted, errors.Join(errs...)
}

// Clear deletes every artifact in the cache directory and resets the pin
// set. The scratch directory and any backend output in it are kept.
func (c *AudioCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() && e.Name() == scratchDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	c.pins = make(map[CacheKey]struct{})
	return errors.Join(errs...)
}

// PruneIfNeeded deletes files older than budget.MaxAge, then the least
// recently used files until the total fits budget.MaxSizeBytes. Pinned and
// busy keys are skipped, and both are re-checked at each deletion.
func (c *AudioCache) PruneIfNeeded(budget Budget) ([]CacheKey, error) {
	files, _, err := c.scan()
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.Before(files[j].ModTime)
	})

	var total int64
	for _, fi := range files {
		total += fi.Size
	}

	now := c.now()
	var deleted []CacheKey
	var errs []error
	remove := func(fi fileInfo) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.protectedLocked(fi.Key) {
			return false
		}
		if err := os.Remove(fi.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			return false
		}
		return true
	}

	kept := files[:0]
	for _, fi := range files {
		if budget.MaxAge > 0 && now.Sub(fi.ModTime) > budget.MaxAge && remove(fi) {
			total -= fi.Size
			deleted = append(deleted, fi.Key)
			continue
		}
		kept = append(kept, fi)
	}

	if budget.MaxSizeBytes > 0 {
		for _, fi := range kept {
			if total <= budget.MaxSizeBytes {
				break
			}
			if remove(fi) {
				total -= fi.Size
				deleted = append(deleted, fi.Key)
			}
		}
	}

	if len(deleted) > 0 {
		c.log.Info("Pruned audio cache", "deleted", len(deleted), "remaining_bytes", total)
	}
	return dedupKeys(deleted), errors.Join(errs...)
}

// TotalSize returns the combined size of every artifact file.
func (c *AudioCache) TotalSize() (int64, error) {
	files, _, err := c.scan()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, fi := range files {
		total += fi.Size
	}
	return total, nil
}

// scan lists artifact files and, separately, leftovers that are not
// artifacts (temporary files, unparseable names). Directories are ignored.
func (c *AudioCache) scan() ([]fileInfo, []string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, nil, err
	}

	var files []fileInfo
	var leftovers []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(c.dir, name)
		if strings.HasSuffix(name, tmpSuffix) {
			leftovers = append(leftovers, path)
			continue
		}

		key, format, err := parseArtifactName(name)
		if err != nil {
			leftovers = append(leftovers, path)
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			Key:     key,
			Format:  format,
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, leftovers, nil
}

// parseArtifactName splits "<voice>.<hash><ext>" into key and format.
func parseArtifactName(name string) (CacheKey, Format, error) {
	voice, rest, ok := strings.Cut(name, keySeparator)
	if !ok {
		return CacheKey{}, FormatUnknown, fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	hash, ext, _ := strings.Cut(rest, keySeparator)
	key, err := ParseCacheKey(voice + keySeparator + hash)
	if err != nil {
		return CacheKey{}, FormatUnknown, err
	}
	format, err := ParseFormat(keySeparator + ext)
	if err != nil {
		return CacheKey{}, FormatUnknown, err
	}
	return key, format, nil
}

func dedupKeys(keys []CacheKey) []CacheKey {
	seen := make(map[CacheKey]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
