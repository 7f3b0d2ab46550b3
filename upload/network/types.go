// Package network implements the transports that move bytes to a storage
// backend: the origin chunk-upload HTTP protocol and an S3-compatible
// multipart fallback.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrUnauthorized marks a rejected or expired upload credential. The engine
// treats it as terminal and never retries it.
var ErrUnauthorized = errors.New("remote rejected the upload credential")

// CredentialProvider supplies the short-lived bearer credential attached to
// every remote call. Refreshing an expired credential is the caller's
// responsibility, not the engine's.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialProvider returning a fixed token.
type StaticCredential string

// Credential returns the fixed token.
func (c StaticCredential) Credential(ctx context.Context) (string, error) {
	return string(c), nil
}

// ChunkRequest carries one chunk to the remote.
type ChunkRequest struct {
	UploadID        string
	FileName        string
	StorageFileName string // empty until the remote assigns one
	ChunkIndex      int
	TotalChunks     int
	Body            io.Reader
	Size            int64
}

// ChunkAck is the remote's acceptance of one chunk. StorageFileName is the
// remote-assigned name every later call for this upload must carry.
type ChunkAck struct {
	StorageFileName string
}

// FinalizeRequest asks the remote to assemble the acknowledged chunks into
// the final stored object.
type FinalizeRequest struct {
	UploadID        string
	FileName        string
	StorageFileName string
	TotalChunks     int
	MimeType        string
}

// FinalizeResult is the remote's confirmation, carrying the final storage
// path of the assembled object.
type FinalizeResult struct {
	Path string
}

// StatusRequest identifies one in-flight upload on the remote.
type StatusRequest struct {
	UploadID        string
	FileName        string
	StorageFileName string
}

// DirectRequest carries a whole file in a single request, used below the
// chunking threshold. StorageFileName is a client-minted unique name the
// remote may override in its response. Progress, when set, is invoked with
// the number of request body bytes written so far.
type DirectRequest struct {
	FileName        string
	StorageFileName string
	MimeType        string
	Body            io.Reader
	Size            int64
	Progress        func(loaded int64)
}

// DirectResult is the remote's confirmation of a direct upload.
type DirectResult struct {
	Path            string
	StorageFileName string
}

// NodeHealth is a storage backend's self-reported state. Capacity and usage
// are zero when the backend does not report them.
type NodeHealth struct {
	Status        string `json:"status"`
	CapacityBytes int64  `json:"capacityBytes"`
	UsedBytes     int64  `json:"usedBytes"`
}

// Transport pushes bytes to one storage backend and answers bookkeeping
// queries about in-flight uploads.
type Transport interface {
	// UploadChunk sends one chunk. Any transport or status failure is an
	// error; the caller decides when to retry.
	UploadChunk(ctx context.Context, params ChunkRequest) (ChunkAck, error)

	// UploadedChunks returns the remote's authoritative set of accepted
	// chunk indices for the upload. An unknown upload yields an empty set.
	UploadedChunks(ctx context.Context, params StatusRequest) ([]int, error)

	// Finalize assembles the chunks into the stored object. A recoverable
	// failure is returned as a *FinalizeError listing repairable chunks.
	Finalize(ctx context.Context, params FinalizeRequest) (FinalizeResult, error)

	// UploadDirect sends the whole file in one request.
	UploadDirect(ctx context.Context, params DirectRequest) (DirectResult, error)

	// Abort abandons an in-flight upload's partial state. Advisory.
	Abort(ctx context.Context, params StatusRequest) error

	// Delete removes a stored object by its final path. Advisory.
	Delete(ctx context.Context, path string) error

	// CheckHealth probes the backend.
	CheckHealth(ctx context.Context) (NodeHealth, error)
}

// FinalizeError is the remote's structured finalize failure. FailedChunks
// lists chunks whose bytes are gone from the backend's temp storage;
// MissingChunks lists indices the backend never recorded. Either list
// drives a targeted re-upload; when both are empty the failure is terminal.
type FinalizeError struct {
	StatusCode    int
	Message       string
	FailedChunks  []int
	MissingChunks []int
}

// Error ...
func (e *FinalizeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("finalize rejected (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("finalize rejected (HTTP %d)", e.StatusCode)
}

// Repairable reports whether the remote identified chunks that a targeted
// re-upload could fix.
func (e *FinalizeError) Repairable() bool {
	return len(e.FailedChunks) > 0 || len(e.MissingChunks) > 0
}

// RepairIndices returns the union of failed and missing chunk indices.
func (e *FinalizeError) RepairIndices() []int {
	seen := make(map[int]bool)
	var indices []int
	for _, i := range append(append([]int{}, e.FailedChunks...), e.MissingChunks...) {
		if !seen[i] {
			seen[i] = true
			indices = append(indices, i)
		}
	}
	return indices
}
