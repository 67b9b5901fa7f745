// Package cache stores synthesized audio on disk under content-derived keys
// and keeps the directory within a size quota.
//
// AudioCache owns the files and a process-local pin set. Manager owns the
// metadata index, backed by a MetadataStore, and is the only component that
// mutates it: it reconciles the index with the directory at startup, evicts
// by score when a registration pushes usage over the quota, and hands cold
// entries to the Compressor once usage crosses the compression threshold.
//
// An entry's CompressionState is authoritative for which file holds its
// audio; file names follow the state, never the other way around.
package cache
