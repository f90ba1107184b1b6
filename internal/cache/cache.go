// Package cache implements the uniform secondary-cache contract the
// transfer agent interposes between the workspace and the authoritative
// LFS server: filesystem, S3-compatible object storage, and generic
// authenticated HTTP backends.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	digest "github.com/opencontainers/go-digest"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/channel"
)

// Store is the contract every cache backend implements. Get fetches an
// object and streams it through w, returning a Source describing where the
// hit came from. Put consumes r to completion and stores the object;
// neither method ever surfaces a partial object to its caller.
type Store interface {
	Get(ctx context.Context, oid digest.Digest, size int64, w *channel.Writer) (Source, error)
	Put(ctx context.Context, oid digest.Digest, size int64, r *channel.Reader) error
}

// Source identifies where a cache hit came from, for telemetry.
type Source interface {
	isSource()
}

// Args is the JSON tagged union configuring a cache backend (spec.md §6).
type Args struct {
	Filesystem         *FilesystemArgs  `json:"filesystem,omitempty"`
	GoogleCloudStorage *ObjectStoreArgs `json:"google_cloud_storage,omitempty"`
	HTTP               *HTTPArgs        `json:"http,omitempty"`
}

// ParseArgs parses a JSON cache configuration blob, e.g. the contents of
// the -cache flag or GIT_LFS_CACHE_AGENT_CACHE environment variable.
func ParseArgs(data []byte) (Args, error) {
	var args Args
	if err := json.Unmarshal(data, &args); err != nil {
		return Args{}, fmt.Errorf("cache: parsing args: %w", err)
	}
	if err := args.validate(); err != nil {
		return Args{}, err
	}
	return args, nil
}

func (a Args) validate() error {
	n := 0
	if a.Filesystem != nil {
		n++
	}
	if a.GoogleCloudStorage != nil {
		n++
	}
	if a.HTTP != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("cache: args must name exactly one backend, got %d", n)
	}
	return nil
}

// New constructs a Store from its configuration.
func New(ctx context.Context, args Args) (Store, error) {
	switch {
	case args.Filesystem != nil:
		return NewFilesystemStore(*args.Filesystem)
	case args.GoogleCloudStorage != nil:
		return NewObjectStore(ctx, *args.GoogleCloudStorage)
	case args.HTTP != nil:
		return NewHTTPStore(*args.HTTP), nil
	default:
		return nil, fmt.Errorf("cache: no backend configured")
	}
}

// path2 returns the two-level fan-out directory prefix spec.md §6 requires:
// root/<oid[0:2]>/<oid[2:4]>/<oid>.
func path2(oid digest.Digest) (string, string, string) {
	hex := oid.Encoded()
	if len(hex) < 4 {
		// Malformed oid; callers validate before reaching here, but don't
		// panic on a short string.
		return hex, hex, hex
	}
	return hex[0:2], hex[2:4], hex
}
