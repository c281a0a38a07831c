package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/metrics"
	"github.com/relaykit/pushrelay/internal/outbox"
)

// failedWarnThreshold is how many terminally failed intents the status
// report tolerates before escalating to a warning.
const failedWarnThreshold = 10

type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	StatusInterval  time.Duration
	RetentionDays   int
	CleanupInterval time.Duration
}

// Poller drives the outbox: a fast loop that relays pending intents, a
// status loop that reports pipeline health, and a slow loop that purges
// sent history.
type Poller struct {
	store  Store
	log    Log
	pub    *Publisher
	config Config
	logger *zap.Logger
}

func New(store Store, log Log, pub *Publisher, cfg Config, logger *zap.Logger) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = time.Minute
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	return &Poller{
		store:  store,
		log:    log,
		pub:    pub,
		config: cfg,
		logger: logger,
	}
}

// Start runs the publish loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	intents, err := p.store.FindPending(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to fetch pending intents", zap.Error(err))
		return
	}
	if len(intents) == 0 {
		return
	}

	var published, retried, failed int
	for _, intent := range intents {
		outcome := p.pub.Publish(ctx, intent)
		metrics.RecordIntentPublished(string(outcome))

		switch outcome {
		case OutcomePublished:
			published++
		case OutcomeRetryScheduled:
			retried++
		case OutcomeMarkedFailed:
			failed++
		}
	}

	p.logger.Debug("poll cycle complete",
		zap.Int("published", published),
		zap.Int("retry_scheduled", retried),
		zap.Int("marked_failed", failed),
	)
}

// StartStatusLoop periodically reports outbox and stream health until
// the context is cancelled.
func (p *Poller) StartStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("status reporter stopping")
			return
		case <-ticker.C:
			p.reportStatus(ctx)
		}
	}
}

func (p *Poller) reportStatus(ctx context.Context) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		p.logger.Error("failed to count intents", zap.Error(err))
		return
	}

	pending := counts[outbox.StatusPending]
	sent := counts[outbox.StatusSent]
	failed := counts[outbox.StatusFailed]

	metrics.SetOutboxIntents(outbox.StatusPending, pending)
	metrics.SetOutboxIntents(outbox.StatusSent, sent)
	metrics.SetOutboxIntents(outbox.StatusFailed, failed)

	streamLen, err := p.log.Len(ctx)
	if err != nil {
		p.logger.Error("failed to read stream length", zap.Error(err))
		streamLen = -1
	} else {
		metrics.SetStreamLength(streamLen)
	}

	dlqLen, err := p.log.DLQLen(ctx)
	if err != nil {
		p.logger.Error("failed to read dlq length", zap.Error(err))
		dlqLen = -1
	} else {
		metrics.SetDLQLength(dlqLen)
	}

	p.logger.Info("pipeline status",
		zap.Int64("pending", pending),
		zap.Int64("sent", sent),
		zap.Int64("failed", failed),
		zap.Int64("stream_len", streamLen),
		zap.Int64("dlq_len", dlqLen),
	)

	if failed >= failedWarnThreshold {
		p.logger.Warn("failed intents accumulating, manual attention needed",
			zap.Int64("failed", failed),
		)
	}
}

// StartCleanupLoop periodically purges old sent intents until the
// context is cancelled.
func (p *Poller) StartCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox cleanup stopping")
			return
		case <-ticker.C:
			p.cleanupOnce(ctx)
		}
	}
}

func (p *Poller) cleanupOnce(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -p.config.RetentionDays)

	deleted, err := p.store.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to purge sent intents", zap.Error(err))
		return
	}

	if deleted > 0 {
		p.logger.Info("purged sent intents",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}
