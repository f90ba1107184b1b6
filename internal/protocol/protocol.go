// Package protocol defines the custom-transfer-agent wire types exchanged
// over stdin/stdout (https://github.com/git-lfs/git-lfs/blob/main/docs/custom-transfers.md).
package protocol

import "github.com/Hakuyume/git-lfs-cache-agent/internal/lfsapi"

// Request is the union of events git-lfs sends on stdin, discriminated by
// Event.
type Request struct {
	Event               string `json:"event"`
	Operation           string `json:"operation,omitempty"`
	Remote              string `json:"remote,omitempty"`
	Concurrent          bool   `json:"concurrent,omitempty"`
	ConcurrentTransfers int    `json:"concurrenttransfers,omitempty"`
	Oid                 string `json:"oid,omitempty"`
	Size                int64  `json:"size,omitempty"`
	Path                string `json:"path,omitempty"`
}

const (
	EventInit      = "init"
	EventUpload    = "upload"
	EventDownload  = "download"
	EventTerminate = "terminate"
)

// InitResponse answers an init event.
type InitResponse struct {
	Error *lfsapi.Error `json:"error,omitempty"`
}

// ProgressResponse reports incremental download progress.
type ProgressResponse struct {
	Event          string `json:"event"`
	Oid            string `json:"oid"`
	BytesSoFar     int64  `json:"bytesSoFar"`
	BytesSinceLast int64  `json:"bytesSinceLast"`
}

// NewProgress constructs a progress response for oid.
func NewProgress(oid string, bytesSoFar, bytesSinceLast int64) ProgressResponse {
	return ProgressResponse{Event: "progress", Oid: oid, BytesSoFar: bytesSoFar, BytesSinceLast: bytesSinceLast}
}

// CompleteResponse answers an upload or download event.
type CompleteResponse struct {
	Event string        `json:"event"`
	Oid   string        `json:"oid"`
	Path  *string       `json:"path,omitempty"`
	Error *lfsapi.Error `json:"error,omitempty"`
}

// NewComplete constructs a success completion response.
func NewComplete(oid, path string) CompleteResponse {
	return CompleteResponse{Event: "complete", Oid: oid, Path: &path}
}

// NewCompleteError constructs a failure completion response.
func NewCompleteError(oid string, err *lfsapi.Error) CompleteResponse {
	return CompleteResponse{Event: "complete", Oid: oid, Error: err}
}
