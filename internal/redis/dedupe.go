package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DedupeService suppresses repeat deliveries of the same event id. The
// pipeline is at-least-once end to end (the stream append and the sent
// transition are not atomic), so consumers consult this service before
// pushing and mark only after a delivery succeeded.
//
// The service fails open: when Redis is unreachable a delivery goes out
// rather than being dropped, since a duplicate push beats a lost one.
type DedupeService struct {
	client  *Client
	logger  *zap.Logger
	ttl     time.Duration
	enabled bool
}

// NewDedupeService creates a new dedupe service. With enabled false the
// service never reports an event as seen and marking is a no-op.
func NewDedupeService(client *Client, logger *zap.Logger, ttl time.Duration, enabled bool) *DedupeService {
	return &DedupeService{
		client:  client,
		logger:  logger,
		ttl:     ttl,
		enabled: enabled,
	}
}

func (s *DedupeService) buildKey(eventID string) string {
	return fmt.Sprintf("dedupe:event:%s", eventID)
}

// Seen reports whether the event id was already delivered. Redis errors
// are logged and reported as unseen.
func (s *DedupeService) Seen(ctx context.Context, eventID string) bool {
	if !s.enabled {
		return false
	}

	n, err := s.client.rdb.Exists(ctx, s.buildKey(eventID)).Result()
	if err != nil {
		s.logger.Warn("dedupe check failed, treating as unseen",
			zap.Error(err),
			zap.String("event_id", eventID),
		)
		return false
	}

	return n > 0
}

// MarkDelivered records a successful delivery so later redeliveries of
// the same event id are suppressed until the TTL expires.
func (s *DedupeService) MarkDelivered(ctx context.Context, eventID string) error {
	if !s.enabled {
		return nil
	}

	if err := s.client.rdb.SetNX(ctx, s.buildKey(eventID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}

	return nil
}
