package hooks

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

const uploadCompletedEvent = "file_upload_completed"

// UsageHook reports completed uploads to the usage analytics backend.
type UsageHook struct {
	tracker analytics.Tracker
}

// NewUsageHook creates a UsageHook reporting through tracker.
func NewUsageHook(tracker analytics.Tracker) *UsageHook {
	return &UsageHook{tracker: tracker}
}

// Name implements Hook.
func (h *UsageHook) Name() string {
	return "usage"
}

// Run enqueues the usage event and flushes the tracker queue so the event
// is on the wire before the dispatcher releases the worker slot.
func (h *UsageHook) Run(ctx context.Context, event Event) error {
	properties := analytics.Properties{
		"upload_id":  event.UploadID,
		"user_id":    event.UserID,
		"file_name":  event.FileName,
		"mime_type":  event.MimeType,
		"size_bytes": event.Size,
		"node_id":    event.NodeID,
		"took_ms":    event.Took.Milliseconds(),
	}
	if event.FolderID != "" {
		properties["folder_id"] = event.FolderID
	}

	h.tracker.Enqueue(uploadCompletedEvent, properties)
	h.tracker.Wait()
	return nil
}
