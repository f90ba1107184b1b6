package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/channel"
)

func TestHTTPStoreGetNotFoundIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewHTTPStore(HTTPArgs{Endpoint: srv.URL})

	chDir := t.TempDir()
	ch, err := channel.New(chDir)
	if err != nil {
		t.Fatal(err)
	}
	w, _, err := ch.Init()
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Drop()

	_, err = store.Get(context.Background(), digestOf("missing"), 0, w)
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 request for a permanent failure, got %d", got)
	}
}

func TestHTTPStoreGetRetriesTransientFailures(t *testing.T) {
	var calls int32
	const content = "eventually succeeds"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(content))
	}))
	defer srv.Close()

	store := NewHTTPStore(HTTPArgs{Endpoint: srv.URL})

	chDir := t.TempDir()
	ch, err := channel.New(chDir)
	if err != nil {
		t.Fatal(err)
	}
	w, r, err := ch.Init()
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Drop()

	done := make(chan struct{ data string; err error }, 1)
	go func() {
		cur, err := r.Stream()
		if err != nil {
			done <- struct {
				data string
				err  error
			}{"", err}
			return
		}
		defer cur.Close()
		buf := make([]byte, 0, len(content))
		b := make([]byte, 64)
		for {
			n, err := cur.Read(b)
			buf = append(buf, b[:n]...)
			if err != nil {
				done <- struct {
					data string
					err  error
				}{string(buf), nil}
				return
			}
		}
	}()

	src, err := store.Get(context.Background(), digestOf(content), int64(len(content)), w)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	res := <-done
	if res.data != content {
		t.Fatalf("got %q, want %q", res.data, content)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 requests (2 failures + 1 success), got %d", got)
	}
	if _, ok := src.(HTTPSource); !ok {
		t.Fatalf("got source type %T, want HTTPSource", src)
	}
}

func TestHTTPStorePutSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("s3cr3t\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewHTTPStore(HTTPArgs{
		Endpoint:      srv.URL,
		Authorization: &HTTPAuthorization{Bearer: &HTTPBearerAuth{TokenPath: tokenPath}},
	})

	chDir := t.TempDir()
	ch, err := channel.New(chDir)
	if err != nil {
		t.Fatal(err)
	}
	w, r, err := ch.Init()
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Drop()

	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	if err := store.Put(context.Background(), digestOf("payload"), 7, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if gotAuth != "Bearer s3cr3t" {
		t.Fatalf("Authorization header: got %q, want %q", gotAuth, "Bearer s3cr3t")
	}
}
