package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	digest "github.com/opencontainers/go-digest"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/channel"
)

// HTTPArgs configures the generic HTTP cache backend.
type HTTPArgs struct {
	Endpoint      string             `json:"endpoint"`
	Authorization *HTTPAuthorization `json:"authorization,omitempty"`
}

// HTTPAuthorization is the tagged union of authorization schemes the
// generic HTTP backend supports; bearer is the only one today.
type HTTPAuthorization struct {
	Bearer *HTTPBearerAuth `json:"bearer,omitempty"`
}

// HTTPBearerAuth names a file whose contents (trimmed of surrounding
// whitespace) are sent as a Bearer token, re-read on every request rather
// than cached, so a rotated token file takes effect without a restart.
type HTTPBearerAuth struct {
	TokenPath string `json:"token_path"`
}

// HTTPSource identifies a cache hit served by the HTTP backend.
type HTTPSource struct {
	URL string `json:"url"`
}

func (HTTPSource) isSource() {}

// HTTPStore fetches and stores objects against an arbitrary HTTP origin
// addressed by oid, retrying transient failures with exponential backoff.
// Connection failures, timeouts, 408 and 5xx are retried; any other
// unsuccessful status (404 included) is permanent.
type HTTPStore struct {
	client    *http.Client
	endpoint  string
	tokenPath string
}

// NewHTTPStore constructs the generic HTTP cache backend.
func NewHTTPStore(args HTTPArgs) *HTTPStore {
	store := &HTTPStore{
		client:   &http.Client{Timeout: 60 * time.Second},
		endpoint: strings.TrimSuffix(args.Endpoint, "/"),
	}
	if args.Authorization != nil && args.Authorization.Bearer != nil {
		store.tokenPath = args.Authorization.Bearer.TokenPath
	}
	return store
}

func (h *HTTPStore) url(oid digest.Digest) string {
	return h.endpoint + "/" + oid.Encoded()
}

func (h *HTTPStore) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if h.tokenPath != "" {
		token, err := os.ReadFile(h.tokenPath)
		if err != nil {
			return nil, fmt.Errorf("cache/http: reading bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	}
	return req, nil
}

// Get fetches the object, retrying transient failures. w is reset before
// each retry so a partially streamed attempt never leaves stale bytes
// behind for a reader who started mid-attempt.
func (h *HTTPStore) Get(ctx context.Context, oid digest.Digest, _ int64, w *channel.Writer) (Source, error) {
	url := h.url(oid)
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			if err := w.Reset(); err != nil {
				return backoff.Permanent(fmt.Errorf("cache/http: resetting before retry: %w", err))
			}
		}
		attempt++

		req, err := h.newRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("cache/http: request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if _, err := io.Copy(w, resp.Body); err != nil {
				return fmt.Errorf("cache/http: streaming body: %w", err)
			}
			return nil
		case isRetryableStatus(resp.StatusCode):
			return fmt.Errorf("cache/http: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("cache/http: status %d", resp.StatusCode))
		}
	}, policy)
	if err != nil {
		return nil, err
	}
	return HTTPSource{URL: url}, nil
}

// Put uploads the object, retrying transient failures the same way Get does.
func (h *HTTPStore) Put(ctx context.Context, oid digest.Digest, size int64, r *channel.Reader) error {
	url := h.url(oid)
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	return backoff.Retry(func() error {
		cur, err := r.Stream()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("cache/http: opening stream: %w", err))
		}
		defer cur.Close()

		req, err := h.newRequest(ctx, http.MethodPut, url, cur)
		if err != nil {
			return backoff.Permanent(err)
		}
		if size > 0 {
			req.ContentLength = size
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("cache/http: request: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case isRetryableStatus(resp.StatusCode):
			return fmt.Errorf("cache/http: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("cache/http: status %d", resp.StatusCode))
		}
	}, policy)
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code >= 500
}
