package upload

import (
	"context"
	"time"
)

// FileRecord is the catalog entry describing a successfully uploaded file.
// The catalog service owns it; the engine only receives it back from
// CreateFileRecord.
type FileRecord struct {
	ID        string
	Name      string
	Path      string
	MimeType  string
	SizeBytes int64
	FolderID  string
	NodeID    string
	CreatedAt time.Time
}

// FileRecordInput is the payload for creating a catalog entry.
type FileRecordInput struct {
	UserID          string
	FolderID        string
	Name            string
	MimeType        string
	SizeBytes       int64
	StoragePath     string
	StorageFileName string
	NodeID          string
}

// CatalogClient is the external file catalog. CreateFileRecord is called
// exactly once per successful upload, strictly after the bytes are finalized
// on the storage node.
type CatalogClient interface {
	CreateFileRecord(ctx context.Context, input FileRecordInput) (*FileRecord, error)
}
