// Package poller relays pending outbox intents onto the durable
// delivery log.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/outbox"
)

// Outcome describes what publishing one intent did to its outbox row.
type Outcome string

const (
	// OutcomePublished means the event is on the log. The row is
	// normally sent now, but a failed sent transition leaves it
	// pending and the event will be appended again.
	OutcomePublished Outcome = "published"
	// OutcomeRetryScheduled means the append failed and the row stays
	// pending with a bumped retry counter.
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeMarkedFailed means the append failed with the retry
	// budget exhausted; the row is terminally failed.
	OutcomeMarkedFailed Outcome = "marked_failed"
)

// Store is the outbox surface the poller drives.
type Store interface {
	FindPending(ctx context.Context, limit int) ([]*outbox.Intent, error)
	MarkSent(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Log is the durable log intents are published onto.
type Log interface {
	Append(ctx context.Context, payload []byte) (string, error)
	Len(ctx context.Context) (int64, error)
	DLQLen(ctx context.Context) (int64, error)
}

// Publisher moves a single intent from the outbox onto the log.
type Publisher struct {
	store    Store
	log      Log
	maxRetry int
	logger   *zap.Logger
}

// NewPublisher creates a publisher. maxRetry bounds how many append
// failures an intent survives before it is marked failed.
func NewPublisher(store Store, log Log, maxRetry int, logger *zap.Logger) *Publisher {
	if maxRetry == 0 {
		maxRetry = 3
	}

	return &Publisher{
		store:    store,
		log:      log,
		maxRetry: maxRetry,
		logger:   logger,
	}
}

// Publish appends the intent's payload to the log and transitions the
// outbox row accordingly.
func (p *Publisher) Publish(ctx context.Context, intent *outbox.Intent) Outcome {
	entryID, err := p.log.Append(ctx, intent.Payload)
	if err != nil {
		if intent.RetryCount < p.maxRetry {
			if mErr := p.store.MarkRetry(ctx, intent.ID, err.Error()); mErr != nil {
				p.logger.Error("failed to bump intent retry",
					zap.Error(mErr),
					zap.Int64("intent_id", intent.ID),
				)
			}
			p.logger.Warn("publish failed, intent stays pending",
				zap.Error(err),
				zap.Int64("intent_id", intent.ID),
				zap.String("event_id", intent.EventID),
				zap.Int("retry_count", intent.RetryCount+1),
			)
			return OutcomeRetryScheduled
		}

		if mErr := p.store.MarkFailed(ctx, intent.ID, err.Error()); mErr != nil {
			p.logger.Error("failed to mark intent failed",
				zap.Error(mErr),
				zap.Int64("intent_id", intent.ID),
			)
		}
		return OutcomeMarkedFailed
	}

	// Append and sent transition are two operations. When the mark
	// fails the row stays pending and the event goes onto the log a
	// second time next cycle; consumers suppress the duplicate by
	// event id.
	if err := p.store.MarkSent(ctx, intent.ID); err != nil {
		p.logger.Error("intent published but not marked sent",
			zap.Error(err),
			zap.Int64("intent_id", intent.ID),
			zap.String("event_id", intent.EventID),
			zap.String("entry_id", entryID),
		)
		return OutcomePublished
	}

	p.logger.Debug("intent published",
		zap.Int64("intent_id", intent.ID),
		zap.String("event_id", intent.EventID),
		zap.String("entry_id", entryID),
	)

	return OutcomePublished
}
