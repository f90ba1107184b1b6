// Package telemetry appends one JSON line per completed transfer to a
// per-session log file under the workspace's git metadata directory.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/cache"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/jsonl"
)

// Line is one telemetry record: which operation ran, against which oid and
// size, and whether a cache satisfied it.
type Line struct {
	Operation string       `json:"operation"`
	Oid       string       `json:"oid"`
	Size      int64        `json:"size"`
	Cache     cache.Source `json:"cache,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Dir returns the telemetry log directory for a given git metadata dir, as
// spec.md §6 lays out: <git-dir>/git-lfs-cache-agent/logs/.
func Dir(gitDir string) string {
	return filepath.Join(gitDir, "git-lfs-cache-agent", "logs")
}

// Writer appends telemetry lines to one per-session .jsonl file.
type Writer struct {
	file  *os.File
	jsonl *jsonl.Writer
}

// NewWriter creates the telemetry directory if needed and opens a fresh
// per-session log file named with a random session id.
func NewWriter(gitDir string) (*Writer, error) {
	dir := Dir(gitDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: creating log dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: opening log file: %w", err)
	}
	return &Writer{file: file, jsonl: jsonl.NewWriter(file)}, nil
}

// Append appends one telemetry line.
func (w *Writer) Append(line Line) error {
	return w.jsonl.Write(line)
}

// Close releases the underlying log file.
func (w *Writer) Close() error {
	return w.file.Close()
}
