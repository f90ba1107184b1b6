package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/cache"
)

func TestWriterAppendsJSONLines(t *testing.T) {
	gitDir := t.TempDir()
	w, err := NewWriter(gitDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Append(Line{Operation: "download", Oid: "abc", Size: 4}); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(Line{
		Operation: "download",
		Oid:       "def",
		Size:      8,
		Cache:     cache.FilesystemSource{Path: "/cache/de/f/def"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(Dir(gitDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log file, got %d", len(entries))
	}

	file, err := os.Open(filepath.Join(Dir(gitDir), entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lines []map[string]any
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatal(err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 telemetry lines, got %d", len(lines))
	}
	if _, ok := lines[0]["cache"]; ok {
		t.Fatalf("expected no cache field on a cache-miss line, got %v", lines[0]["cache"])
	}
	if _, ok := lines[1]["cache"]; !ok {
		t.Fatal("expected a cache field on a cache-hit line")
	}
}
