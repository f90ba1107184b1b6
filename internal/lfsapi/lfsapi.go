// Package lfsapi implements the Git LFS batch API and basic transfer mode:
// https://github.com/git-lfs/git-lfs/blob/main/docs/api/batch.md
package lfsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http2"
)

// Error is the shared error shape surfaced by server responses and, with
// code 500, by internal failures with no applicable HTTP status.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Operation names a batch operation.
type Operation string

const (
	OperationUpload   Operation = "upload"
	OperationDownload Operation = "download"
)

const contentType = "application/vnd.git-lfs+json"

// NewClient builds the shared *http.Client the agent issues batch and
// basic-transfer requests with. LFS servers commonly negotiate HTTP/2;
// http2.ConfigureTransport wires that into the transport the same way the
// teacher wired h2c support on its server-side listener.
func NewClient() (*http.Client, error) {
	transport := &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("lfsapi: configuring http2 transport: %w", err)
	}
	return &http.Client{Transport: transport}, nil
}

// BatchObject is one {oid, size} pair in a batch request.
type BatchObject struct {
	Oid  string `json:"oid"`
	Size int64  `json:"size"`
}

type batchRequest struct {
	Operation Operation     `json:"operation"`
	Transfers []string      `json:"transfers"`
	Objects   []BatchObject `json:"objects"`
}

// Action is an {href, headers} pair the batch response describes for one
// named transfer action (upload/verify/download).
type Action struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

// BatchResponseObject is one entry in a batch response: either the action
// fields (Upload, Verify, Download) are populated, or Err is — never both.
type BatchResponseObject struct {
	Oid      string  `json:"oid"`
	Size     int64   `json:"size"`
	Upload   *Action `json:"upload,omitempty"`
	Verify   *Action `json:"verify,omitempty"`
	Download *Action `json:"download,omitempty"`
	Err      *Error  `json:"error,omitempty"`
}

type batchResponse struct {
	Objects []BatchResponseObject `json:"objects"`
}

// Batch POSTs a batch request for exactly one object and returns the
// matching response entry.
func Batch(ctx context.Context, client *http.Client, href string, header http.Header, operation Operation, object BatchObject) (BatchResponseObject, error) {
	body, err := json.Marshal(batchRequest{
		Operation: operation,
		Transfers: []string{"basic"},
		Objects:   []BatchObject{object},
	})
	if err != nil {
		return BatchResponseObject{}, fmt.Errorf("lfsapi: marshaling batch request: %w", err)
	}

	url := strings.TrimSuffix(href, "/") + "/objects/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return BatchResponseObject{}, fmt.Errorf("lfsapi: building batch request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", contentType)
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return BatchResponseObject{}, fmt.Errorf("lfsapi: batch request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchResponseObject{}, fmt.Errorf("lfsapi: reading batch response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BatchResponseObject{}, decodeError(resp.StatusCode, respBody)
	}

	var decoded batchResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return BatchResponseObject{}, fmt.Errorf("lfsapi: parsing batch response: %w", err)
	}
	for _, obj := range decoded.Objects {
		if obj.Oid == object.Oid {
			if obj.Err != nil {
				return BatchResponseObject{}, obj.Err
			}
			return obj, nil
		}
	}
	return BatchResponseObject{}, fmt.Errorf("lfsapi: missing object %q in batch response", object.Oid)
}

// Download issues the GET named by action and streams the response body
// to w. On a non-2xx response the body is decoded into the shared error
// shape.
func Download(ctx context.Context, client *http.Client, action *Action, w io.Writer) error {
	if action == nil {
		return fmt.Errorf("lfsapi: missing download action")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, action.Href, nil)
	if err != nil {
		return fmt.Errorf("lfsapi: building download request: %w", err)
	}
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("lfsapi: download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, body)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("lfsapi: streaming download body: %w", err)
	}
	return nil
}

// decodeError attempts to decode a {message} JSON body into the shared
// error shape; on decode failure it surfaces the raw body text.
func decodeError(code int, body []byte) *Error {
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Message != "" {
		return &Error{Code: code, Message: decoded.Message}
	}
	return &Error{Code: code, Message: string(body)}
}

// IsUnauthorized reports whether err is a lfsapi.Error with code 401, the
// condition spec.md §4.D uses to trigger a one-time re-discovery with
// authorize=true.
func IsUnauthorized(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == http.StatusUnauthorized
}
