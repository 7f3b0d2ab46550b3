package upload

import (
	"sort"
	"time"
)

// Status is the caller-visible phase of an upload.
type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusPaused     Status = "paused"
)

// Progress is one progress event. Events fire after every acknowledged chunk
// on the chunked path and per transport byte counter on the direct path.
// Callbacks may run on a different goroutine than the Upload caller.
type Progress struct {
	Status        Status
	Loaded        int64
	Total         int64
	Percentage    float64
	BytesPerSec   float64
	RemainingTime time.Duration
	// UploadedChunkIndices is the sorted acknowledged set. Empty on the
	// direct path.
	UploadedChunkIndices []int
	// Message carries the human-readable failure description for error
	// events.
	Message string
}

// ProgressFunc consumes progress events.
type ProgressFunc func(Progress)

func newProgress(status Status, loaded, total int64, bytesPerSec float64, indices []int) Progress {
	p := Progress{
		Status:               status,
		Loaded:               loaded,
		Total:                total,
		BytesPerSec:          bytesPerSec,
		UploadedChunkIndices: indices,
	}
	if total > 0 {
		p.Percentage = float64(loaded) / float64(total) * 100
	} else if status == StatusComplete {
		p.Percentage = 100
	}
	if bytesPerSec > 0 && total > loaded {
		p.RemainingTime = time.Duration(float64(total-loaded) / bytesPerSec * float64(time.Second))
	}
	return p
}

func sortedIndices(indices []int) []int {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	return sorted
}
