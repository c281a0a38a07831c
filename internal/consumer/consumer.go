package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/metrics"
	"github.com/relaykit/pushrelay/internal/notification"
	"github.com/relaykit/pushrelay/internal/stream"
)

// Result classifies what processing one entry did. Every result leads
// to an acknowledgement; retried events live on as fresh entries and
// dead lettered ones on the DLQ stream, never as unacked originals.
type Result string

const (
	// ResultDelivered means the push went out.
	ResultDelivered Result = "delivered"
	// ResultSuppressed means presence showed every target watching the
	// room, so no push was needed.
	ResultSuppressed Result = "suppressed"
	// ResultDuplicate means the event id was already delivered.
	ResultDuplicate Result = "duplicate"
	// ResultDiscarded means the entry can never be delivered: payload
	// malformed, event type unknown, or no target resolvable. Retrying
	// would not change any of those.
	ResultDiscarded Result = "discarded"
	// ResultRetried means delivery failed and the event went back onto
	// the log with a bumped retry counter.
	ResultRetried Result = "retried"
	// ResultDeadLettered means delivery failed with the retry budget
	// spent; the event is parked on the DLQ stream.
	ResultDeadLettered Result = "dead_lettered"
)

// StreamLog is the delivery log surface the consumer drives.
type StreamLog interface {
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]stream.Entry, error)
	Ack(ctx context.Context, ids ...string) error
	Append(ctx context.Context, payload []byte) (string, error)
	DeadLetter(ctx context.Context, payload []byte, reason string) (string, error)
	ClaimAbandoned(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]stream.Entry, error)
}

// Directory resolves target member ids to members.
type Directory interface {
	FindByIDs(ctx context.Context, ids []int64) ([]*members.Member, error)
}

// Presence reports whether members are actively viewing a room.
type Presence interface {
	IsActive(ctx context.Context, roomID, memberID int64) (bool, error)
	FilterInactive(ctx context.Context, roomID int64, memberIDs []int64) ([]int64, error)
}

// Deduper suppresses already delivered event ids.
type Deduper interface {
	Seen(ctx context.Context, eventID string) bool
	MarkDelivered(ctx context.Context, eventID string) error
}

type Config struct {
	Name          string
	ReadCount     int64
	ReadBlock     time.Duration
	MaxRetry      int
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	ClaimBatch    int64
	Transport     string
}

// Consumer reads events off the delivery log and pushes them out.
type Consumer struct {
	log      StreamLog
	dir      Directory
	presence Presence
	dedupe   Deduper
	sender   Sender
	config   Config
	logger   *zap.Logger
}

func New(log StreamLog, dir Directory, presence Presence, dedupe Deduper, sender Sender, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.Name == "" {
		cfg.Name = Identity()
	}
	if cfg.ReadCount == 0 {
		cfg.ReadCount = 10
	}
	if cfg.ReadBlock == 0 {
		cfg.ReadBlock = 2 * time.Second
	}
	if cfg.MaxRetry == 0 {
		cfg.MaxRetry = 3
	}
	if cfg.ClaimInterval == 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.ClaimMinIdle == 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.ClaimBatch == 0 {
		cfg.ClaimBatch = 100
	}
	if cfg.Transport == "" {
		cfg.Transport = "log"
	}

	return &Consumer{
		log:      log,
		dir:      dir,
		presence: presence,
		dedupe:   dedupe,
		sender:   sender,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs the read loop until the context is cancelled. Reads block
// on the Redis side, so cancellation surfaces as a read error.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("consumer starting",
		zap.String("consumer", c.config.Name),
		zap.Int64("read_count", c.config.ReadCount),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.String("consumer", c.config.Name))
			return
		default:
		}

		entries, err := c.log.Read(ctx, c.config.Name, c.config.ReadCount, c.config.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", zap.String("consumer", c.config.Name))
				return
			}
			c.logger.Error("failed to read from stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		c.processBatch(ctx, entries)
	}
}

// processBatch handles every entry and acknowledges the whole batch in
// one round trip. Entries are acked regardless of result: failures flow
// into a retry entry or the DLQ instead of rotting in the pending list.
func (c *Consumer) processBatch(ctx context.Context, entries []stream.Entry) {
	acks := make([]string, 0, len(entries))
	for _, entry := range entries {
		c.processEntry(ctx, entry)
		acks = append(acks, entry.ID)
	}

	if err := c.log.Ack(ctx, acks...); err != nil {
		c.logger.Error("failed to ack batch",
			zap.Error(err),
			zap.Int("count", len(acks)),
		)
	}
}

func (c *Consumer) processEntry(ctx context.Context, entry stream.Entry) Result {
	event, err := notification.Decode(entry.Payload)
	if err != nil {
		c.logger.Warn("discarding malformed entry",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		metrics.RecordEventProcessed(string(ResultDiscarded), "unknown")
		return ResultDiscarded
	}

	result := c.handleEvent(ctx, event)
	metrics.RecordEventProcessed(string(result), string(event.Type))

	if result == ResultDelivered {
		metrics.RecordPushLatency(c.config.Transport, time.Since(event.CreatedAt))
	}

	return result
}

func (c *Consumer) handleEvent(ctx context.Context, event notification.Event) Result {
	if !event.Type.Valid() {
		c.logger.Warn("discarding event of unknown type",
			zap.String("event_id", event.EventID),
			zap.String("type", string(event.Type)),
		)
		return ResultDiscarded
	}

	if c.dedupe.Seen(ctx, event.EventID) {
		c.logger.Debug("suppressing duplicate event",
			zap.String("event_id", event.EventID),
		)
		return ResultDuplicate
	}

	result, err := c.deliver(ctx, event)
	if err == nil {
		if result == ResultDelivered {
			if markErr := c.dedupe.MarkDelivered(ctx, event.EventID); markErr != nil {
				c.logger.Warn("failed to mark event delivered",
					zap.Error(markErr),
					zap.String("event_id", event.EventID),
				)
			}
		}
		return result
	}

	return c.escalate(ctx, event, err)
}

// deliver resolves the targets and pushes. The error return is the
// retryable path; terminal conditions come back as a result instead.
func (c *Consumer) deliver(ctx context.Context, event notification.Event) (Result, error) {
	targets, err := c.dir.FindByIDs(ctx, event.TargetMemberIDs)
	if err != nil {
		return "", fmt.Errorf("resolve targets: %w", err)
	}
	if len(targets) == 0 {
		c.logger.Warn("no resolvable targets, discarding event",
			zap.String("event_id", event.EventID),
			zap.Int64s("target_member_ids", event.TargetMemberIDs),
		)
		return ResultDiscarded, nil
	}

	switch event.Type {
	case notification.TypeChatMessage:
		return c.deliverChatMessage(ctx, event, targets[0])
	case notification.TypeReadyRequest:
		return c.deliverReadyRequest(ctx, event, targets)
	default:
		return ResultDiscarded, nil
	}
}

// deliverChatMessage pushes to the single target unless presence shows
// them already looking at the room.
func (c *Consumer) deliverChatMessage(ctx context.Context, event notification.Event, target *members.Member) (Result, error) {
	if roomID, ok := event.RoomID(); ok {
		active, err := c.presence.IsActive(ctx, roomID, target.ID)
		if err != nil {
			// Presence is an optimization; when in doubt, push.
			c.logger.Warn("presence check failed, sending anyway",
				zap.Error(err),
				zap.String("event_id", event.EventID),
			)
		} else if active {
			c.logger.Debug("target active in room, suppressing push",
				zap.String("event_id", event.EventID),
				zap.Int64("member_id", target.ID),
			)
			return ResultSuppressed, nil
		}
	}

	if err := c.sender.Send(ctx, target, event); err != nil {
		return "", fmt.Errorf("send push: %w", err)
	}

	return ResultDelivered, nil
}

// deliverReadyRequest pushes to the targets not currently viewing the
// room, in one batch.
func (c *Consumer) deliverReadyRequest(ctx context.Context, event notification.Event, targets []*members.Member) (Result, error) {
	recipients := targets

	if roomID, ok := event.RoomID(); ok {
		ids := make([]int64, len(targets))
		byID := make(map[int64]*members.Member, len(targets))
		for i, m := range targets {
			ids[i] = m.ID
			byID[m.ID] = m
		}

		inactive, err := c.presence.FilterInactive(ctx, roomID, ids)
		if err != nil {
			c.logger.Warn("presence filter failed, sending to all targets",
				zap.Error(err),
				zap.String("event_id", event.EventID),
			)
		} else {
			recipients = make([]*members.Member, 0, len(inactive))
			for _, id := range inactive {
				recipients = append(recipients, byID[id])
			}
		}
	}

	if len(recipients) == 0 {
		c.logger.Debug("all targets active in room, suppressing push",
			zap.String("event_id", event.EventID),
		)
		return ResultSuppressed, nil
	}

	if err := c.sender.SendBatch(ctx, recipients, event); err != nil {
		return "", fmt.Errorf("send push batch: %w", err)
	}

	return ResultDelivered, nil
}

// escalate re-appends a failed event with a bumped retry counter, or
// parks it on the DLQ once the budget is spent. A failed re-append
// falls through to the DLQ so the event is not lost.
func (c *Consumer) escalate(ctx context.Context, event notification.Event, cause error) Result {
	if event.RetryCount < c.config.MaxRetry {
		retry := event.WithIncrementedRetry()
		payload, err := notification.Encode(retry)
		if err == nil {
			if _, err = c.log.Append(ctx, payload); err == nil {
				c.logger.Warn("delivery failed, event re-queued",
					zap.Error(cause),
					zap.String("event_id", event.EventID),
					zap.Int("retry_count", retry.RetryCount),
				)
				return ResultRetried
			}
		}

		return c.deadLetter(ctx, event, fmt.Sprintf("%v (re-queue failed: %v)", cause, err))
	}

	return c.deadLetter(ctx, event, cause.Error())
}

func (c *Consumer) deadLetter(ctx context.Context, event notification.Event, reason string) Result {
	payload, err := notification.Encode(event)
	if err != nil {
		c.logger.Error("failed to encode event for dlq",
			zap.Error(err),
			zap.String("event_id", event.EventID),
		)
	}

	if _, err := c.log.DeadLetter(ctx, payload, reason); err != nil {
		c.logger.Error("failed to dead letter event, delivery is lost",
			zap.Error(err),
			zap.String("event_id", event.EventID),
			zap.String("reason", reason),
		)
		return ResultDeadLettered
	}

	c.logger.Error("event dead lettered",
		zap.String("event_id", event.EventID),
		zap.String("type", string(event.Type)),
		zap.Int("retry_count", event.RetryCount),
		zap.String("reason", reason),
	)

	return ResultDeadLettered
}
