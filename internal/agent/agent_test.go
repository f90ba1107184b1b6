package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/cache"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/channel"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/discovery"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/protocol"
)

// mockStore is a minimal cache.Store for exercising the orchestrator
// without a real backend, in the teacher's mockStore style.
type mockStore struct {
	data    map[string]string
	putErr  error
	getErr  error
	gotPuts map[string]string
}

func (m *mockStore) Get(_ context.Context, oid digest.Digest, _ int64, w *channel.Writer) (cache.Source, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	content, ok := m.data[oid.String()]
	if !ok {
		return nil, &mockError{"not found"}
	}
	if _, err := w.Write([]byte(content)); err != nil {
		return nil, err
	}
	return cache.FilesystemSource{Path: "mock://" + oid.String()}, nil
}

func (m *mockStore) Put(_ context.Context, oid digest.Digest, _ int64, r *channel.Reader) error {
	if m.putErr != nil {
		return m.putErr
	}
	cur, err := r.Stream()
	if err != nil {
		return err
	}
	defer cur.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(cur); err != nil {
		return err
	}
	if m.gotPuts == nil {
		m.gotPuts = map[string]string{}
	}
	m.gotPuts[oid.String()] = buf.String()
	return nil
}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }

func oidFor(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestDownloadCacheHit(t *testing.T) {
	const content = "cached payload"
	oid := oidFor(content)
	store := &mockStore{data: map[string]string{"sha256:" + oid: content}}
	s := &Session{Cache: store, GitDir: t.TempDir()}

	var progressed []int64
	path, source, err := s.download(context.Background(), oid, int64(len(content)), func(p protocol.ProgressResponse) error {
		progressed = append(progressed, p.BytesSoFar)
		return nil
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Fatalf("got %q, want %q", data, content)
	}
	if source == nil {
		t.Fatal("expected a non-nil cache source on a cache hit")
	}
	if len(progressed) == 0 {
		t.Fatal("expected at least one progress event")
	}
}

func TestDownloadCacheMissFallsBackToServer(t *testing.T) {
	const content = "server payload"
	oid := oidFor(content)

	mux := http.NewServeMux()
	lfs := httptest.NewServer(mux)
	defer lfs.Close()

	mux.HandleFunc("/repo.git/info/lfs/objects/batch", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
		json.NewEncoder(w).Encode(map[string]any{
			"objects": []map[string]any{
				{
					"oid":  oid,
					"size": len(content),
					"download": map[string]any{
						"href": lfs.URL + "/download/" + oid,
					},
				},
			},
		})
	})
	mux.HandleFunc("/download/"+oid, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	})

	store := &mockStore{getErr: &mockError{"miss"}}
	s := &Session{
		Cache:  store,
		GitDir: t.TempDir(),
		Client: lfs.Client(),
		remote: lfs.URL + "/repo.git",
		disc:   &discovery.Result{Href: lfs.URL + "/repo.git/info/lfs"},
	}

	path, source, err := s.download(context.Background(), oid, int64(len(content)), func(protocol.ProgressResponse) error { return nil })
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Fatalf("got %q, want %q", data, content)
	}
	if source != nil {
		t.Fatalf("expected nil source for a cache-miss download, got %v", source)
	}
	if got := store.gotPuts["sha256:"+oid]; got != content {
		t.Fatalf("expected cache to be populated with %q, got %q", content, got)
	}
}

func TestHandleInitRecordsOperationAndRemote(t *testing.T) {
	s := &Session{}
	resp := s.handleInit(protocol.Request{Event: protocol.EventInit, Operation: "download", Remote: "origin"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if s.operation != discovery.OperationDownload || s.remote != "origin" {
		t.Fatalf("got operation=%q remote=%q", s.operation, s.remote)
	}
}

func TestTmpDirLayout(t *testing.T) {
	s := &Session{GitDir: "/git/dir"}
	want := filepath.Join("/git/dir", "lfs", "tmp")
	if got := s.tmpDir(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
