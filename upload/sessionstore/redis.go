package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "uploadkit:session:"

// RedisStore persists sessions in Redis, one key per upload ID. Useful when
// several client instances behind the same user should see each other's
// resumable uploads.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	logger    log.Logger
}

// NewRedisStore creates a Redis-backed store. Keys expire after retention on
// their own, so PruneExpired is mostly a safety net.
func NewRedisStore(client *redis.Client, retention time.Duration, logger log.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		logger:    logger,
	}
}

// Save writes the session under its upload ID key and refreshes the key TTL.
func (s *RedisStore) Save(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.UploadID, err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+session.UploadID, data, s.retention).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", session.UploadID, err)
	}

	return nil
}

// Load reads the session for the upload ID.
func (s *RedisStore) Load(ctx context.Context, uploadID string) (*Session, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+uploadID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", uploadID, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.discardCorrupt(ctx, uploadID, err)
		return nil, fmt.Errorf("decode session %s: %w", uploadID, ErrCorrupt)
	}
	if err := session.Validate(); err != nil {
		s.discardCorrupt(ctx, uploadID, err)
		return nil, fmt.Errorf("validate session %s: %s: %w", uploadID, err, ErrCorrupt)
	}

	return &session, nil
}

// Remove deletes the session key.
func (s *RedisStore) Remove(ctx context.Context, uploadID string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+uploadID).Err(); err != nil {
		return fmt.Errorf("remove session %s: %w", uploadID, err)
	}
	return nil
}

// ListAll scans for session keys and returns every readable session.
func (s *RedisStore) ListAll(ctx context.Context) ([]*Session, error) {
	var sessions []*Session

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		uploadID := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		session, err := s.Load(ctx, uploadID)
		if err != nil {
			// Keys can expire between scan and load; corrupt ones are discarded
			continue
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	return sessions, nil
}

// PruneExpired removes sessions whose last update is older than maxAge.
// Key TTLs already expire abandoned sessions; this catches keys written
// with a longer retention than the caller now wants.
func (s *RedisStore) PruneExpired(ctx context.Context, maxAge time.Duration) (int, error) {
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
		pruned++
	}

	return pruned, nil
}

func (s *RedisStore) discardCorrupt(ctx context.Context, uploadID string, cause error) {
	s.logger.Warnf("Discarding corrupt session record %s: %s", uploadID, cause)
	if err := s.client.Del(ctx, redisKeyPrefix+uploadID).Err(); err != nil {
		s.logger.Warnf("Failed to remove corrupt session record %s: %s", uploadID, err)
	}
}
