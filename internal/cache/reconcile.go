package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ReconcileReport summarizes what Initialize changed.
type ReconcileReport struct {
	Registered int // orphan files adopted
	Removed    int // entries whose artifact was missing or unreadable
	Reset      int // interrupted compressions returned to raw
	Repaired   int // entries whose variants disagreed with their state
	Deleted    int // leftover, duplicate or unrecognized files removed
	Evicted    int // entries evicted to fit the quota afterwards
}

// reconcileLocked rebuilds the index from the store and the directory. The
// persisted state decides which variant is authoritative; a variant that
// contradicts it is removed, and a lone surviving variant wins when the
// authoritative one is gone.
func (m *Manager) reconcileLocked(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	persisted, err := m.store.LoadEntries(ctx)
	if err != nil {
		return report, fmt.Errorf("load entries: %w", err)
	}
	files, leftovers, err := m.audio.scan()
	if err != nil {
		return report, fmt.Errorf("scan cache directory: %w", err)
	}

	for _, path := range leftovers {
		if err := os.Remove(path); err == nil {
			report.Deleted++
		}
	}
	if err := os.RemoveAll(filepath.Join(m.audio.Dir(), scratchDir)); err != nil {
		m.log.Warn("Failed to clear scratch directory", "err", err)
	}

	onDisk := make(map[CacheKey]map[Format]fileInfo)
	for _, fi := range files {
		if onDisk[fi.Key] == nil {
			onDisk[fi.Key] = make(map[Format]fileInfo)
		}
		onDisk[fi.Key][fi.Format] = fi
	}

	entries := make(map[CacheKey]EntryMetadata, len(persisted))
	for key, e := range persisted {
		e.Key = key
		// Jobs do not outlive the process, so nothing owns a persisted
		// Compressing entry however recently it started.
		if e.State == StateCompressing {
			m.log.Info("Resetting interrupted compression", "key", key)
			e.State = StateRawAudio
			e.CompressionStartedAt = nil
			report.Reset++
		}

		variants := onDisk[key]
		delete(onDisk, key)
		if !m.resolveVariants(&e, variants, &report) {
			m.log.Info("Removing entry without artifact", "key", key)
			report.Removed++
			continue
		}
		entries[key] = e
	}

	for key, variants := range onDisk {
		e, ok := m.adoptOrphan(key, variants, &report)
		if !ok {
			continue
		}
		entries[key] = e
		report.Registered++
	}

	if err := m.store.SaveEntries(ctx, entries); err != nil {
		return report, fmt.Errorf("%w: save reconciled metadata: %v", ErrCacheWrite, err)
	}

	m.entries = make(map[CacheKey]*EntryMetadata, len(entries))
	m.total = 0
	for _, e := range entries {
		m.putLocked(e)
	}
	return report, nil
}

// resolveVariants makes e agree with the files present for its key. It
// returns false when no usable artifact remains.
func (m *Manager) resolveVariants(e *EntryMetadata, variants map[Format]fileInfo, report *ReconcileReport) bool {
	auth := m.audio.formatFor(e.State)
	other := m.audio.CompressedFormat()
	if auth != FormatWAV {
		other = FormatWAV
	}

	for f, fi := range variants {
		if f != auth && f != other {
			_ = os.Remove(fi.Path)
			report.Deleted++
		}
	}

	authFile, hasAuth := variants[auth]
	otherFile, hasOther := variants[other]

	if hasAuth {
		if size, err := inspect(authFile.Path, auth); err == nil {
			e.SizeBytes = size
			if hasOther {
				_ = os.Remove(otherFile.Path)
				report.Repaired++
			}
			return true
		}
		_ = os.Remove(authFile.Path)
		report.Deleted++
	}

	if hasOther {
		if size, err := inspect(otherFile.Path, other); err == nil {
			if other == FormatWAV {
				e.State = StateRawAudio
			} else {
				e.State = StateCompressed
			}
			e.SizeBytes = size
			report.Repaired++
			m.log.Info("Repaired entry state", "key", e.Key, "state", e.State)
			return true
		}
		_ = os.Remove(otherFile.Path)
		report.Deleted++
	}
	return false
}

// adoptOrphan registers files that have no metadata. The state comes from
// the file content, and the file is renamed to match it if needed.
func (m *Manager) adoptOrphan(key CacheKey, variants map[Format]fileInfo, report *ReconcileReport) (EntryMetadata, bool) {
	ordered := make([]fileInfo, 0, len(variants))
	for _, f := range []Format{FormatWAV, m.audio.CompressedFormat()} {
		if fi, ok := variants[f]; ok {
			ordered = append(ordered, fi)
		}
	}
	for f, fi := range variants {
		if f != FormatWAV && f != m.audio.CompressedFormat() {
			ordered = append(ordered, fi)
		}
	}

	var chosen *EntryMetadata
	var chosenPath string
	for _, fi := range ordered {
		if chosen != nil {
			if fi.Path != chosenPath {
				_ = os.Remove(fi.Path)
				report.Deleted++
			}
			continue
		}

		content, err := sniffFile(fi.Path)
		if err != nil {
			continue
		}
		var state CompressionState
		switch content {
		case FormatWAV:
			state = StateRawAudio
		case m.audio.CompressedFormat():
			state = StateCompressed
		default:
			_ = os.Remove(fi.Path)
			report.Deleted++
			continue
		}

		format := m.audio.formatFor(state)
		path := m.audio.PathFor(key, format)
		if fi.Path != path {
			if err := os.Rename(fi.Path, path); err != nil {
				m.log.Warn("Failed to rename orphan", "path", fi.Path, "err", err)
				continue
			}
		}
		size, err := inspect(path, format)
		if err != nil {
			_ = os.Remove(path)
			report.Deleted++
			continue
		}

		e := EntryMetadata{
			Key:            key,
			SizeBytes:      size,
			CreatedAt:      fi.ModTime,
			LastAccessedAt: fi.ModTime,
			OwnerBookID:    UnknownOwner,
			OwnerVoiceID:   key.Voice(),
			State:          state,
		}
		if state == StateRawAudio {
			if d, err := ProbeWAV(path); err == nil {
				e.AudioDuration = d
			}
		}
		chosen = &e
		chosenPath = path
		m.log.Info("Registered orphan artifact", "key", key, "state", state, "size", size)
	}

	if chosen == nil {
		return EntryMetadata{}, false
	}
	return *chosen, true
}
