package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/channel"
)

// FilesystemArgs configures the filesystem cache backend.
type FilesystemArgs struct {
	Dir string `json:"dir"`
}

// FilesystemSource identifies a filesystem cache hit by its absolute path.
type FilesystemSource struct {
	Path string `json:"path"`
}

func (FilesystemSource) isSource() {}

// FilesystemStore lays entries out as root/<oid[0:2]>/<oid[2:4]>/<oid>,
// exactly spec.md §6's filesystem cache layout. size is advisory here: it is
// never checked against the bytes actually read or written.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore constructs and validates a filesystem cache store,
// creating and canonicalizing its root directory.
func NewFilesystemStore(args FilesystemArgs) (*FilesystemStore, error) {
	if err := os.MkdirAll(args.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache/filesystem: creating root: %w", err)
	}
	root, err := filepath.Abs(args.Dir)
	if err != nil {
		return nil, fmt.Errorf("cache/filesystem: resolving root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (f *FilesystemStore) path(oid digest.Digest) string {
	a, b, hex := path2(oid)
	return filepath.Join(f.root, a, b, hex)
}

// Get opens the entry and copies it into w with io.Copy.
func (f *FilesystemStore) Get(_ context.Context, oid digest.Digest, _ int64, w *channel.Writer) (Source, error) {
	path := f.path(oid)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cache/filesystem: opening entry: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(w, file); err != nil {
		return nil, fmt.Errorf("cache/filesystem: streaming entry: %w", err)
	}
	return FilesystemSource{Path: path}, nil
}

// Put creates the parent directory, writes the stream to a uniquely named
// temporary file in the same directory, and atomically renames it into
// place on success, so a reader never observes a partial entry.
func (f *FilesystemStore) Put(_ context.Context, oid digest.Digest, _ int64, r *channel.Reader) error {
	path := f.path(oid)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache/filesystem: creating parent: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache/filesystem: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	cur, err := r.Stream()
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache/filesystem: opening stream: %w", err)
	}
	defer cur.Close()

	if _, err := io.Copy(tmp, cur); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache/filesystem: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache/filesystem: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache/filesystem: renaming into place: %w", err)
	}
	return nil
}
