package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks per-chunk upload metrics across waves for logging and
// throughput reporting.
type Stats struct {
	sum            time.Duration
	bytes          int64
	finishedChunks int64
	mu             sync.Mutex
}

// NewStats creates an empty Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successfully uploaded chunk.
func (s *Stats) Update(size int64, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += took
	s.bytes += size
	s.finishedChunks++
}

// Average returns the mean upload duration of finished chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of chunks uploaded so far.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// TotalBytes returns the bytes uploaded so far.
func (s *Stats) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Throughput returns the observed bytes per second, or 0 before any
// chunk has finished.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}
