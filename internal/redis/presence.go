package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PresenceTTL bounds how long a member counts as active without a
// refresh. The room service re-marks presence on a heartbeat well under
// this, so a crashed client stops suppressing pushes within a minute.
const PresenceTTL = 60 * time.Second

// PresenceService tracks which members currently have a room open.
// A member who is looking at the room does not need a push about it.
type PresenceService struct {
	client *Client
	logger *zap.Logger
}

// NewPresenceService creates a new presence service.
func NewPresenceService(client *Client, logger *zap.Logger) *PresenceService {
	return &PresenceService{
		client: client,
		logger: logger,
	}
}

func (s *PresenceService) buildKey(roomID, memberID int64) string {
	return fmt.Sprintf("presence:room:%d:member:%d", roomID, memberID)
}

// SetActive marks a member as viewing a room. Calling it again
// refreshes the TTL.
func (s *PresenceService) SetActive(ctx context.Context, roomID, memberID int64) error {
	if err := s.client.rdb.Set(ctx, s.buildKey(roomID, memberID), "1", PresenceTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// ClearActive removes a member's presence in a room.
func (s *PresenceService) ClearActive(ctx context.Context, roomID, memberID int64) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(roomID, memberID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// IsActive reports whether a member is currently viewing a room.
func (s *PresenceService) IsActive(ctx context.Context, roomID, memberID int64) (bool, error) {
	n, err := s.client.rdb.Exists(ctx, s.buildKey(roomID, memberID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// FilterInactive returns the subset of members not currently viewing
// the room, preserving input order. Presence lookups go through one
// pipeline round trip.
func (s *PresenceService) FilterInactive(ctx context.Context, roomID int64, memberIDs []int64) ([]int64, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(memberIDs))
	for i, memberID := range memberIDs {
		cmds[i] = pipe.Exists(ctx, s.buildKey(roomID, memberID))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	var inactive []int64
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			inactive = append(inactive, memberIDs[i])
		}
	}

	return inactive, nil
}
