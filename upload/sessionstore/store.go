// Package sessionstore persists the state of in-flight chunked uploads so an
// interrupted transfer can resume where it stopped, across process restarts.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no session exists for the provided upload ID.
var ErrNotFound = errors.New("no session found for the provided upload ID")

// ErrCorrupt is returned when a persisted session cannot be decoded or fails
// validation. Callers should treat it as "start fresh", not as a fatal error.
var ErrCorrupt = errors.New("persisted session is corrupt")

// Session is the durable record of one resumable chunked upload.
//
// Chunk offsets are never stored: chunk i always covers the byte range
// [i*ChunkSize, min((i+1)*ChunkSize, TotalSize)), so ChunkSize is fixed for
// the lifetime of the session.
type Session struct {
	UploadID            string    `json:"uploadId"`
	FileName            string    `json:"fileName"`
	StorageFileName     string    `json:"storageFileName,omitempty"`
	SourcePath          string    `json:"sourcePath"`
	SourceFingerprint   string    `json:"sourceFingerprint,omitempty"`
	TotalSize           int64     `json:"totalSize"`
	MimeType            string    `json:"mimeType,omitempty"`
	DestinationFolderID string    `json:"destinationFolderId,omitempty"`
	ChunkSize           int64     `json:"chunkSize"`
	TotalChunks         int       `json:"totalChunks"`
	AcknowledgedChunks  []int     `json:"acknowledgedChunks"`
	NodeID              string    `json:"nodeId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Store is the persistence port for upload sessions. Implementations must
// survive process restarts but are allowed to lose data: resume is
// best-effort, and the orchestrator re-derives progress from the remote
// when local state is missing.
type Store interface {
	// Save persists the session. Saving the same session twice is a no-op
	// other than an UpdatedAt bump.
	Save(ctx context.Context, session *Session) error

	// Load returns the session for the upload ID, ErrNotFound if none
	// exists, or an error wrapping ErrCorrupt if the record is unreadable.
	Load(ctx context.Context, uploadID string) (*Session, error)

	// Remove deletes the session. Removing a missing session is not an error.
	Remove(ctx context.Context, uploadID string) error

	// ListAll returns every stored session, skipping corrupt records.
	ListAll(ctx context.Context) ([]*Session, error)

	// PruneExpired removes sessions not updated within maxAge and returns
	// how many were removed.
	PruneExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

// Acknowledge marks the chunk as accepted by the remote. It returns false if
// the chunk was already acknowledged, so duplicate acks never double-count.
func (s *Session) Acknowledge(index int) bool {
	if s.IsAcknowledged(index) {
		return false
	}
	s.AcknowledgedChunks = append(s.AcknowledgedChunks, index)
	return true
}

// IsAcknowledged reports whether the chunk has been accepted by the remote.
func (s *Session) IsAcknowledged(index int) bool {
	for _, i := range s.AcknowledgedChunks {
		if i == index {
			return true
		}
	}
	return false
}

// SetAcknowledged replaces the acknowledged set with the remote's
// authoritative view, dropping duplicates and out-of-range indices.
func (s *Session) SetAcknowledged(indices []int) {
	s.AcknowledgedChunks = nil
	for _, i := range indices {
		if i >= 0 && i < s.TotalChunks {
			s.Acknowledge(i)
		}
	}
}

// UnacknowledgedChunks returns the chunk indices still to upload, ascending.
func (s *Session) UnacknowledgedChunks() []int {
	acked := make(map[int]bool, len(s.AcknowledgedChunks))
	for _, i := range s.AcknowledgedChunks {
		acked[i] = true
	}

	var pending []int
	for i := 0; i < s.TotalChunks; i++ {
		if !acked[i] {
			pending = append(pending, i)
		}
	}
	return pending
}

// Complete reports whether every chunk has been acknowledged.
func (s *Session) Complete() bool {
	return len(s.UnacknowledgedChunks()) == 0
}

// ChunkOffset returns the byte offset of the chunk within the source file.
func (s *Session) ChunkOffset(index int) int64 {
	return int64(index) * s.ChunkSize
}

// ChunkLength returns the byte length of the chunk. Every chunk except the
// last has exactly ChunkSize bytes; the last one carries the remainder.
func (s *Session) ChunkLength(index int) int64 {
	if index == s.TotalChunks-1 {
		return s.TotalSize - s.ChunkSize*int64(s.TotalChunks-1)
	}
	return s.ChunkSize
}

// AcknowledgedBytes returns the number of source bytes already accepted.
func (s *Session) AcknowledgedBytes() int64 {
	var total int64
	for _, i := range s.AcknowledgedChunks {
		total += s.ChunkLength(i)
	}
	return total
}

// Validate checks the structural invariants of a loaded session.
func (s *Session) Validate() error {
	if s.UploadID == "" {
		return fmt.Errorf("missing upload ID")
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", s.ChunkSize)
	}
	if s.TotalChunks < 1 {
		return fmt.Errorf("total chunks must be at least 1, got %d", s.TotalChunks)
	}
	expectedChunks := int((s.TotalSize + s.ChunkSize - 1) / s.ChunkSize)
	if expectedChunks < 1 {
		expectedChunks = 1
	}
	if s.TotalChunks != expectedChunks {
		return fmt.Errorf("chunk math mismatch: %d chunks of %d bytes cannot cover %d bytes", s.TotalChunks, s.ChunkSize, s.TotalSize)
	}
	for _, i := range s.AcknowledgedChunks {
		if i < 0 || i >= s.TotalChunks {
			return fmt.Errorf("acknowledged chunk %d out of range [0, %d)", i, s.TotalChunks)
		}
	}
	return nil
}
