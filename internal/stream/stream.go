// Package stream provides the durable delivery log on Redis Streams.
// Publishers append encoded notification events, consumer groups read
// them with explicit acknowledgement, and entries whose consumer died
// mid-flight can be claimed by a peer.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/redis"
)

// payloadField is the entry field holding the encoded event.
const payloadField = "payload"

// Entry is one record of the delivery log. Payload is nil when the
// entry carries no payload field, which consumers treat as malformed.
type Entry struct {
	ID      string
	Payload []byte
}

// Config binds a service to its stream topology.
type Config struct {
	StreamKey    string
	DLQStreamKey string
	Group        string
	MaxLen       int64
}

// Service wraps the stream commands for one stream/group pair.
type Service struct {
	client *redis.Client
	logger *zap.Logger
	cfg    Config
}

// New creates a stream service. Call EnsureGroups before reading.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// DLQGroup returns the consumer group name used on the dead letter
// stream by operational tooling.
func (s *Service) DLQGroup() string {
	return s.cfg.Group + "-dlq"
}

// EnsureGroups creates the consumer groups on the main and dead letter
// streams, creating the streams themselves when missing. Groups start
// at offset 0 so entries appended before the first boot are not lost.
// An already existing group is fine.
func (s *Service) EnsureGroups(ctx context.Context) error {
	groups := []struct {
		stream string
		group  string
	}{
		{s.cfg.StreamKey, s.cfg.Group},
		{s.cfg.DLQStreamKey, s.DLQGroup()},
	}

	for _, g := range groups {
		err := s.client.RDB().XGroupCreateMkStream(ctx, g.stream, g.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", g.group, g.stream, err)
		}
	}

	s.logger.Info("consumer groups ready",
		zap.String("stream", s.cfg.StreamKey),
		zap.String("group", s.cfg.Group),
		zap.String("dlq_stream", s.cfg.DLQStreamKey),
	)

	return nil
}

// Append writes an encoded event to the delivery log and returns the
// assigned entry id.
func (s *Service) Append(ctx context.Context, payload []byte) (string, error) {
	id, err := s.client.RDB().XAdd(ctx, &goredis.XAddArgs{
		Stream: s.cfg.StreamKey,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to %s: %w", s.cfg.StreamKey, err)
	}

	return id, nil
}

// Read fetches up to count undelivered entries for the consumer,
// blocking up to the given duration when the stream is drained. An
// empty read returns nil, nil.
func (s *Service) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := s.client.RDB().XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: consumer,
		Streams:  []string{s.cfg.StreamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup on %s: %w", s.cfg.StreamKey, err)
	}

	var entries []Entry
	for _, stream := range streams {
		entries = append(entries, toEntries(stream.Messages)...)
	}

	return entries, nil
}

// Ack acknowledges processed entries, removing them from the group's
// pending list. Acking an unknown id is a no-op on the Redis side.
func (s *Service) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.client.RDB().XAck(ctx, s.cfg.StreamKey, s.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack on %s: %w", s.cfg.StreamKey, err)
	}

	return nil
}

// DeadLetter parks an undeliverable event on the dead letter stream
// together with the failure reason and timestamp.
func (s *Service) DeadLetter(ctx context.Context, payload []byte, reason string) (string, error) {
	id, err := s.client.RDB().XAdd(ctx, &goredis.XAddArgs{
		Stream: s.cfg.DLQStreamKey,
		Values: map[string]interface{}{
			payloadField: payload,
			"error":      reason,
			"failed_at":  time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to %s: %w", s.cfg.DLQStreamKey, err)
	}

	return id, nil
}

// ClaimAbandoned transfers entries that sat unacknowledged longer than
// minIdle to the given consumer and returns them for reprocessing. The
// group never re-delivers pending entries on a plain read, so this is
// the only path by which a crashed consumer's work gets finished.
func (s *Service) ClaimAbandoned(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	pending, err := s.client.RDB().XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: s.cfg.StreamKey,
		Group:  s.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending on %s: %w", s.cfg.StreamKey, err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.RDB().XClaim(ctx, &goredis.XClaimArgs{
		Stream:   s.cfg.StreamKey,
		Group:    s.cfg.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("xclaim on %s: %w", s.cfg.StreamKey, err)
	}

	if len(msgs) > 0 {
		s.logger.Info("claimed abandoned entries",
			zap.Int("count", len(msgs)),
			zap.String("consumer", consumer),
		)
	}

	return toEntries(msgs), nil
}

// Len returns the length of the delivery log.
func (s *Service) Len(ctx context.Context) (int64, error) {
	n, err := s.client.RDB().XLen(ctx, s.cfg.StreamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen on %s: %w", s.cfg.StreamKey, err)
	}
	return n, nil
}

// DLQLen returns the length of the dead letter stream.
func (s *Service) DLQLen(ctx context.Context) (int64, error) {
	n, err := s.client.RDB().XLen(ctx, s.cfg.DLQStreamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen on %s: %w", s.cfg.DLQStreamKey, err)
	}
	return n, nil
}

// Trim caps the delivery log and the dead letter stream at the
// configured max length and returns how many entries were evicted in
// total. Evicted dead letters are gone for good, so the cap doubles as
// the operators' inspection window.
func (s *Service) Trim(ctx context.Context) (int64, error) {
	var total int64
	for _, key := range []string{s.cfg.StreamKey, s.cfg.DLQStreamKey} {
		evicted, err := s.client.RDB().XTrimMaxLen(ctx, key, s.cfg.MaxLen).Result()
		if err != nil {
			return total, fmt.Errorf("xtrim on %s: %w", key, err)
		}
		total += evicted
	}
	return total, nil
}

func toEntries(msgs []goredis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		var payload []byte
		if raw, ok := m.Values[payloadField]; ok {
			if str, ok := raw.(string); ok {
				payload = []byte(str)
			}
		}
		entries = append(entries, Entry{ID: m.ID, Payload: payload})
	}
	return entries
}
