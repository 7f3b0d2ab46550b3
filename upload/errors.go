package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/go-units"

	"github.com/driveport-io/go-uploadkit/upload/network"
)

// TransientNetworkError reports a network-class failure that persisted
// through the bounded retry rounds. The session stays in the store, so the
// caller can resume later.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %s", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// AuthError reports an expired or invalid credential. It is terminal and
// never retried here; refreshing credentials is the caller's job.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// CapacityError reports that no storage node can host the upload. It is
// raised before any network call is made.
type CapacityError struct {
	Required int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("no storage node has %s of free space", units.HumanSizeWithPrecision(float64(e.Required), 3))
}

// IntegrityError reports that the remote could not assemble the uploaded
// chunks into the final object, even after targeted re-uploads.
type IntegrityError struct {
	UploadID      string
	Message       string
	FailedChunks  []int
	MissingChunks []int
}

func (e *IntegrityError) Error() string {
	if len(e.FailedChunks) == 0 && len(e.MissingChunks) == 0 {
		return fmt.Sprintf("upload %s cannot be completed: %s", e.UploadID, e.Message)
	}
	return fmt.Sprintf("upload %s cannot be completed: %s (failed chunks: %v, missing chunks: %v)",
		e.UploadID, e.Message, e.FailedChunks, e.MissingChunks)
}

// LocalStateError reports unusable persisted session state. It is not fatal:
// the orchestrator discards the state and starts fresh.
type LocalStateError struct {
	UploadID string
	Err      error
}

func (e *LocalStateError) Error() string {
	return fmt.Sprintf("local state for upload %s is unusable: %s", e.UploadID, e.Err)
}

func (e *LocalStateError) Unwrap() error {
	return e.Err
}

// classifyTransportError maps a raw transport failure to the error taxonomy.
// Cancellation passes through untouched so callers can tell a pause from a
// failure.
func classifyTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, network.ErrUnauthorized) {
		return &AuthError{Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransientNetworkError{Op: op, Err: err}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
