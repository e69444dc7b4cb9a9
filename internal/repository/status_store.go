package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Shi33/trae-test-split-images/internal/models"
)

const statusKeyPrefix = "frame-streaming:session:"

// StatusStore mirrors session state into a Redis hash so any replica can
// answer status queries. Entries expire after ttl.
type StatusStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewStatusStore(client redis.Cmdable, ttl time.Duration) *StatusStore {
	return &StatusStore{client: client, ttl: ttl}
}

func statusKey(id string) string {
	return statusKeyPrefix + id
}

func (s *StatusStore) SessionStarted(ctx context.Context, snap models.SessionSnapshot) error {
	return s.markStatus(ctx, snap)
}

func (s *StatusStore) SessionProgress(ctx context.Context, snap models.SessionSnapshot) error {
	return s.markStatus(ctx, snap)
}

func (s *StatusStore) SessionFinished(ctx context.Context, snap models.SessionSnapshot) error {
	return s.markStatus(ctx, snap)
}

func (s *StatusStore) markStatus(ctx context.Context, snap models.SessionSnapshot) error {
	key := statusKey(snap.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, toFields(snap))
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session status: %w", err)
	}
	return nil
}

// Get loads a session's last known state.
func (s *StatusStore) Get(ctx context.Context, id string) (models.SessionSnapshot, error) {
	fields, err := s.client.HGetAll(ctx, statusKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.SessionSnapshot{}, ErrSessionNotFound
		}
		return models.SessionSnapshot{}, fmt.Errorf("failed to load session status: %w", err)
	}
	if len(fields) == 0 {
		return models.SessionSnapshot{}, ErrSessionNotFound
	}
	return fromFields(fields), nil
}

func toFields(snap models.SessionSnapshot) map[string]any {
	return map[string]any{
		"session_id":      snap.ID,
		"filename":        snap.Filename,
		"status":          snap.Status,
		"total_frames":    snap.TotalFrames,
		"frames_decoded":  snap.FramesDecoded,
		"batches_emitted": snap.BatchesEmitted,
		"progress":        snap.Progress,
		"error":           snap.Error,
		"created_at":      snap.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      snap.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func fromFields(f map[string]string) models.SessionSnapshot {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	parseTime := func(k string) time.Time {
		t, _ := time.Parse(time.RFC3339Nano, f[k])
		return t
	}
	return models.SessionSnapshot{
		ID:             f["session_id"],
		Filename:       f["filename"],
		Status:         f["status"],
		TotalFrames:    atoi("total_frames"),
		FramesDecoded:  atoi("frames_decoded"),
		BatchesEmitted: atoi("batches_emitted"),
		Progress:       atoi("progress"),
		Error:          f["error"],
		CreatedAt:      parseTime("created_at"),
		UpdatedAt:      parseTime("updated_at"),
	}
}
