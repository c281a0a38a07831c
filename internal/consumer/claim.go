package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/metrics"
)

// StartClaimLoop periodically takes over entries whose consumer read
// them but never acknowledged. The group never re-delivers pending
// entries on a plain read, so without this loop a crashed instance
// would strand its in-flight events forever. Claimed entries run
// through the same processing and batch-ack path as fresh reads.
func (c *Consumer) StartClaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("claim loop stopping")
			return
		case <-ticker.C:
			c.claimOnce(ctx)
		}
	}
}

func (c *Consumer) claimOnce(ctx context.Context) {
	entries, err := c.log.ClaimAbandoned(ctx, c.config.Name, c.config.ClaimMinIdle, c.config.ClaimBatch)
	if err != nil {
		c.logger.Error("failed to claim abandoned entries", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	metrics.RecordEntriesClaimed(len(entries))
	c.logger.Info("reprocessing claimed entries",
		zap.Int("count", len(entries)),
		zap.String("consumer", c.config.Name),
	)

	c.processBatch(ctx, entries)
}
