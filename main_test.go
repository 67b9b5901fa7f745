package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/narrator/internal/synth"
	"gopkg.in/yaml.v3"
)

func TestSplitSegments(t *testing.T) {
	text := "First line.\n\n  Second line.  \n#\nThird line.\r\n##\n##\nFourth.\n"
	got := splitSegments(text)

	want := []synth.Segment{
		{Text: "First line.", ChapterIndex: 0, SegmentIndex: 0},
		{Text: "Second line.", ChapterIndex: 0, SegmentIndex: 1},
		{Text: "Third line.", ChapterIndex: 1, SegmentIndex: 0},
		{Text: "Fourth.", ChapterIndex: 2, SegmentIndex: 0},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d segments, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Segment %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestSplitSegmentsEmpty(t *testing.T) {
	if got := splitSegments("\n   \n#\n"); len(got) != 0 {
		t.Errorf("Expected no segments, got %+v", got)
	}
}

func TestClampRange(t *testing.T) {
	tests := []struct {
		start, end, n int
		wantStart     int
		wantEnd       int
	}{
		{0, -1, 5, 0, 4},
		{-3, 2, 5, 0, 2},
		{1, 10, 5, 1, 4},
		{4, 2, 5, 4, 2},
	}
	for _, tt := range tests {
		s, e := clampRange(tt.start, tt.end, tt.n)
		if s != tt.wantStart || e != tt.wantEnd {
			t.Errorf("clampRange(%d, %d, %d) = %d, %d; want %d, %d",
				tt.start, tt.end, tt.n, s, e, tt.wantStart, tt.wantEnd)
		}
	}
}

func TestEnsureConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "narrator.yml")
	if err := ensureConfigFile(file); err != nil {
		t.Fatalf("Failed to create config file: %v", err)
	}

	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		t.Fatalf("Failed to parse config file: %v", err)
	}
	for _, section := range []string{"cache", "compression", "synthesis", "logging"} {
		if _, ok := doc[section]; !ok {
			t.Errorf("Expected section %q in default config", section)
		}
	}

	// An existing file is left alone.
	if err := os.WriteFile(file, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if err := ensureConfigFile(file); err != nil {
		t.Fatalf("Failed to reuse config file: %v", err)
	}
	b, _ = os.ReadFile(file)
	if !strings.Contains(string(b), "debug") {
		t.Errorf("Existing config was overwritten: %s", b)
	}
}

func TestEnsureConfigFileRejectsExtension(t *testing.T) {
	file := filepath.Join(t.TempDir(), "narrator.toml")
	if err := ensureConfigFile(file); err == nil {
		t.Fatal("Expected error for unsupported extension")
	}
	if err := ensureConfigFile(""); err == nil {
		t.Fatal("Expected error for empty path")
	}
}
