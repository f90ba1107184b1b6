// Package agent implements the git-lfs custom-transfer-agent orchestrator:
// the stdin/stdout request loop and the cache-hit/cache-miss download
// pipeline (https://github.com/git-lfs/git-lfs/blob/main/docs/custom-transfers.md).
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/cache"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/channel"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/discovery"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/jsonl"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/lfsapi"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/protocol"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/telemetry"
)

// digestOid wraps an LFS oid (a bare sha256 hex string) as the content
// digest type the cache backends are keyed by, validating it against
// opencontainers/go-digest's sha256:<hex> grammar so a malformed oid is
// rejected at the protocol boundary rather than reaching a cache backend.
func digestOid(oid string) (digest.Digest, error) {
	d := digest.NewDigestFromEncoded(digest.SHA256, oid)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("agent: invalid oid %q: %w", oid, err)
	}
	return d, nil
}

// progressThreshold is the byte granularity spec.md §4.F's progress
// reporting emits at: once per 64 KiB of unreported bytes, plus once more
// at end-of-stream.
const progressThreshold = 64 * 1024

// Session is the per-process orchestrator state: the optional secondary
// cache, the workspace's git metadata directory, and the lazily derived
// discovery result, invalidated and re-derived on a 401.
type Session struct {
	Cache     cache.Store
	GitDir    string
	Discovery discovery.Config
	Client    *http.Client
	Telemetry *telemetry.Writer

	operation discovery.Operation
	remote    string
	disc      *discovery.Result
}

// Serve runs the request loop: reads line-delimited JSON events from r and
// writes line-delimited JSON responses to w, until a terminate event or
// end of input.
func (s *Session) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := jsonl.NewReader(r)
	writer := jsonl.NewWriter(w)

	for {
		var req protocol.Request
		if err := reader.Read(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("agent: reading request: %w", err)
		}

		switch req.Event {
		case protocol.EventInit:
			resp := s.handleInit(req)
			if err := writer.Write(resp); err != nil {
				return fmt.Errorf("agent: writing init response: %w", err)
			}
		case protocol.EventUpload:
			resp := protocol.NewCompleteError(req.Oid, &lfsapi.Error{Code: http.StatusNotImplemented, Message: "unimplemented"})
			if err := writer.Write(resp); err != nil {
				return fmt.Errorf("agent: writing upload response: %w", err)
			}
		case protocol.EventDownload:
			resp := s.handleDownload(ctx, req, writer)
			if err := writer.Write(resp); err != nil {
				return fmt.Errorf("agent: writing download response: %w", err)
			}
		case protocol.EventTerminate:
			return nil
		default:
			return fmt.Errorf("agent: unknown event %q", req.Event)
		}
	}
}

func (s *Session) handleInit(req protocol.Request) protocol.InitResponse {
	s.operation = discovery.Operation(req.Operation)
	s.remote = req.Remote
	s.disc = nil
	return protocol.InitResponse{}
}

func (s *Session) handleDownload(ctx context.Context, req protocol.Request, writer *jsonl.Writer) protocol.CompleteResponse {
	path, source, err := s.download(ctx, req.Oid, req.Size, func(p protocol.ProgressResponse) error {
		return writer.Write(p)
	})
	if err != nil {
		return protocol.NewCompleteError(req.Oid, asAgentError(err))
	}
	if s.Telemetry != nil {
		if terr := s.Telemetry.Append(telemetry.Line{
			Operation: string(discovery.OperationDownload),
			Oid:       req.Oid,
			Size:      req.Size,
			Cache:     source,
		}); terr != nil {
			slog.Warn("agent: telemetry append failed", "error", terr)
		}
	}
	return protocol.NewComplete(req.Oid, path)
}

func asAgentError(err error) *lfsapi.Error {
	var e *lfsapi.Error
	if errors.As(err, &e) {
		return e
	}
	return &lfsapi.Error{Code: http.StatusInternalServerError, Message: err.Error()}
}

func (s *Session) tmpDir() string {
	return filepath.Join(s.GitDir, "lfs", "tmp")
}

// download runs the download pipeline: an attempt against the configured
// cache (if any), falling back to discovery + batch + basic transfer.
func (s *Session) download(ctx context.Context, oid string, size int64, onProgress func(protocol.ProgressResponse) error) (string, cache.Source, error) {
	if err := os.MkdirAll(s.tmpDir(), 0o755); err != nil {
		return "", nil, fmt.Errorf("agent: creating tmp dir: %w", err)
	}

	d, err := digestOid(oid)
	if err != nil {
		return "", nil, err
	}

	if s.Cache != nil {
		path, source, err := s.downloadFromCache(ctx, d, oid, size, onProgress)
		if err == nil {
			return path, source, nil
		}
		slog.Debug("agent: cache attempt failed, falling back", "oid", oid, "error", err)
	}

	return s.downloadFromServer(ctx, d, oid, size, onProgress)
}

// downloadFromCache fans a cache Get out to three concurrent consumers:
// the cache backend's writer, a digest verifier, and a progress reporter.
// All three must succeed for the hit to be accepted.
func (s *Session) downloadFromCache(ctx context.Context, d digest.Digest, oid string, size int64, onProgress func(protocol.ProgressResponse) error) (string, cache.Source, error) {
	ch, err := channel.New(s.tmpDir())
	if err != nil {
		return "", nil, err
	}
	w, r, err := ch.Init()
	if err != nil {
		ch.Drop()
		return "", nil, err
	}

	var (
		wg                         sync.WaitGroup
		source                     cache.Source
		getErr, digestErr, progErr error
	)
	wg.Add(3)

	go func() {
		defer wg.Done()
		source, getErr = s.Cache.Get(ctx, d, size, w)
		if getErr != nil {
			w.Drop()
		} else {
			getErr = w.Finish()
		}
	}()
	go func() {
		defer wg.Done()
		digestErr = verifyDigest(r, oid)
	}()
	go func() {
		defer wg.Done()
		progErr = reportProgress(r, oid, onProgress)
	}()
	wg.Wait()

	if getErr != nil || digestErr != nil || progErr != nil {
		ch.Drop()
		return "", nil, firstError(getErr, digestErr, progErr)
	}

	path, err := ch.Keep()
	if err != nil {
		return "", nil, err
	}
	return path, source, nil
}

// downloadFromServer discovers the endpoint, runs the batch request (with a
// one-time re-discovery on 401), issues the basic-transfer GET, and fans its
// response body out to the channel writer, an optional cache populate, and
// progress reporting.
func (s *Session) downloadFromServer(ctx context.Context, d digest.Digest, oid string, size int64, onProgress func(protocol.ProgressResponse) error) (string, cache.Source, error) {
	action, err := s.batchDownload(ctx, oid, size)
	if err != nil {
		return "", nil, err
	}

	ch, err := channel.New(s.tmpDir())
	if err != nil {
		return "", nil, err
	}
	w, r, err := ch.Init()
	if err != nil {
		ch.Drop()
		return "", nil, err
	}

	var wg sync.WaitGroup
	var fetchErr, progErr error
	wg.Add(2)

	go func() {
		defer wg.Done()
		fetchErr = lfsapi.Download(ctx, s.Client, action, w)
		if fetchErr != nil {
			w.Drop()
		} else {
			fetchErr = w.Finish()
		}
	}()
	go func() {
		defer wg.Done()
		progErr = reportProgress(r, oid, onProgress)
	}()

	var cachePutErr error
	if s.Cache != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cachePutErr = s.Cache.Put(ctx, d, size, r)
		}()
	}
	wg.Wait()

	if fetchErr != nil {
		ch.Drop()
		return "", nil, fetchErr
	}
	if progErr != nil {
		slog.Debug("agent: progress reporting failed", "oid", oid, "error", progErr)
	}
	if cachePutErr != nil {
		slog.Debug("agent: populating cache failed", "oid", oid, "error", cachePutErr)
	}

	path, err := ch.Keep()
	if err != nil {
		return "", nil, err
	}
	return path, nil, nil
}

func (s *Session) batchDownload(ctx context.Context, oid string, size int64) (*lfsapi.Action, error) {
	disc, err := s.discover(ctx, false)
	if err != nil {
		return nil, err
	}

	obj, err := lfsapi.Batch(ctx, s.Client, disc.Href, disc.Header, lfsapi.OperationDownload, lfsapi.BatchObject{Oid: oid, Size: size})
	if err != nil {
		if lfsapi.IsUnauthorized(err) {
			disc, err = s.discover(ctx, true)
			if err != nil {
				return nil, err
			}
			obj, err = lfsapi.Batch(ctx, s.Client, disc.Href, disc.Header, lfsapi.OperationDownload, lfsapi.BatchObject{Oid: oid, Size: size})
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	if obj.Download == nil {
		return nil, fmt.Errorf("agent: missing download action for %s", oid)
	}
	return obj.Download, nil
}

func (s *Session) discover(ctx context.Context, authorize bool) (discovery.Result, error) {
	if s.disc != nil && !authorize {
		return *s.disc, nil
	}
	res, err := discovery.Discover(ctx, s.Discovery, s.remote, s.operation, authorize)
	if err != nil {
		return discovery.Result{}, fmt.Errorf("agent: discovery: %w", err)
	}
	s.disc = &res
	return res, nil
}

func verifyDigest(r *channel.Reader, oid string) error {
	cur, err := r.Stream()
	if err != nil {
		return err
	}
	defer cur.Close()

	h := sha256.New()
	if _, err := io.Copy(h, cur); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != oid {
		return fmt.Errorf("agent: digest mismatch: got %s, want %s", got, oid)
	}
	return nil
}

func reportProgress(r *channel.Reader, oid string, onProgress func(protocol.ProgressResponse) error) error {
	cur, err := r.Stream()
	if err != nil {
		return err
	}
	defer cur.Close()

	buf := make([]byte, 32*1024)
	var bytesSoFar, bytesSinceLast int64
	for {
		n, err := cur.Read(buf)
		bytesSoFar += int64(n)
		bytesSinceLast += int64(n)
		if bytesSinceLast >= progressThreshold {
			if werr := onProgress(protocol.NewProgress(oid, bytesSoFar, bytesSinceLast)); werr != nil {
				return werr
			}
			bytesSinceLast = 0
		}
		if err == io.EOF {
			if bytesSinceLast > 0 {
				if werr := onProgress(protocol.NewProgress(oid, bytesSoFar, bytesSinceLast)); werr != nil {
					return werr
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
