package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	sessionFilePrefix = "session-"
	sessionFileSuffix = ".json"
)

// FileStore persists one JSON file per session under a state directory.
type FileStore struct {
	dir    string
	logger log.Logger
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string, logger log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &FileStore{
		dir:    dir,
		logger: logger,
	}, nil
}

// Save writes the session to disk, bumping UpdatedAt.
func (s *FileStore) Save(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session.UpdatedAt = time.Now()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.UploadID, err)
	}

	if err := os.WriteFile(s.sessionPath(session.UploadID), data, 0600); err != nil {
		return fmt.Errorf("write session %s: %w", session.UploadID, err)
	}

	return nil
}

// Load reads the session for the upload ID. Undecodable or invalid records
// are deleted on sight and reported as ErrCorrupt.
func (s *FileStore) Load(ctx context.Context, uploadID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.sessionPath(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", uploadID, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.discardCorrupt(uploadID, err)
		return nil, fmt.Errorf("decode session %s: %w", uploadID, ErrCorrupt)
	}
	if err := session.Validate(); err != nil {
		s.discardCorrupt(uploadID, err)
		return nil, fmt.Errorf("validate session %s: %s: %w", uploadID, err, ErrCorrupt)
	}

	return &session, nil
}

// Remove deletes the session file if it exists.
func (s *FileStore) Remove(ctx context.Context, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(s.sessionPath(uploadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session %s: %w", uploadID, err)
	}
	return nil
}

// ListAll returns every readable session in the state directory.
func (s *FileStore) ListAll(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list session directory: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, sessionFilePrefix) || !strings.HasSuffix(name, sessionFileSuffix) {
			continue
		}

		uploadID := strings.TrimSuffix(strings.TrimPrefix(name, sessionFilePrefix), sessionFileSuffix)
		session, err := s.Load(ctx, uploadID)
		if err != nil {
			// Corrupt records are already discarded by Load
			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// PruneExpired removes sessions whose last update is older than maxAge.
func (s *FileStore) PruneExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	sessions, err := s.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, session := range sessions {
		if session.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.Remove(ctx, session.UploadID); err != nil {
			s.logger.Warnf("Failed to prune expired session %s: %s", session.UploadID, err)
			continue
		}
		s.logger.Debugf("Pruned expired upload session %s (last updated %s)", session.UploadID, session.UpdatedAt.Format(time.RFC3339))
		pruned++
	}

	return pruned, nil
}

func (s *FileStore) sessionPath(uploadID string) string {
	return filepath.Join(s.dir, sessionFilePrefix+uploadID+sessionFileSuffix)
}

func (s *FileStore) discardCorrupt(uploadID string, cause error) {
	s.logger.Warnf("Discarding corrupt session record %s: %s", uploadID, cause)
	if err := os.Remove(s.sessionPath(uploadID)); err != nil && !os.IsNotExist(err) {
		s.logger.Warnf("Failed to remove corrupt session record %s: %s", uploadID, err)
	}
}
