// Package chunkuploader dispatches chunk uploads for a session in parallel
// waves. It reads chunk payloads through a Source, pushes them through a
// network.Transport, and reports acknowledgements back to the caller. Chunks
// that fail inside a wave are left unacknowledged so that a later verification
// sweep can re-dispatch exactly the missing set.
package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Source provides chunk payloads by byte range.
// Implementations must be safe for concurrent reads.
type Source interface {
	// TotalSize returns the full payload size in bytes.
	TotalSize() int64

	// ReadChunk returns the bytes of the range [offset, offset+length).
	// A short read is only legal at the end of the payload.
	ReadChunk(offset, length int64) ([]byte, error)
}

// FileSource reads chunks from a file on disk.
// A single file handle is shared, so reads are serialized with a mutex.
type FileSource struct {
	file *os.File
	size int64
	mu   sync.Mutex
}

// OpenFileSource opens path for chunked reading.
// The caller owns the returned source and must Close it.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

// TotalSize returns the file size captured at open time.
func (s *FileSource) TotalSize() int64 {
	return s.size
}

// ReadChunk reads the given range into memory so the caller can retry
// the upload without re-reading the file.
func (s *FileSource) ReadChunk(offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to offset %d: %w", offset, err)
	}

	chunk := make([]byte, length)
	n, err := io.ReadFull(s.file, chunk)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", length, offset, err)
	}
	if int64(n) < length && offset+int64(n) < s.size {
		return nil, fmt.Errorf("short read at offset %d: got %d of %d bytes", offset, n, length)
	}

	return chunk[:n], nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// BytesSource serves chunks from an in-memory payload.
type BytesSource struct {
	data []byte
}

// NewBytesSource wraps data as a Source. The slice is not copied.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// TotalSize returns the payload length.
func (s *BytesSource) TotalSize() int64 {
	return int64(len(s.data))
}

// ReadChunk slices the requested range out of the payload.
func (s *BytesSource) ReadChunk(offset, length int64) ([]byte, error) {
	if offset < 0 || offset > int64(len(s.data)) {
		return nil, fmt.Errorf("offset %d out of range [0, %d]", offset, len(s.data))
	}
	end := offset + length
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return s.data[offset:end], nil
}

// Reader returns the whole payload as a reader, for direct uploads.
func (s *BytesSource) Reader() *bytes.Reader {
	return bytes.NewReader(s.data)
}
