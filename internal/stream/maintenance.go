package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/metrics"
)

// Maintainer periodically caps the delivery log and the dead letter
// stream so history does not grow without bound. Entries still pending
// in the group can be evicted by XTRIM once the stream is over the cap;
// the cap is sized far above the expected backlog so that only aged,
// acked history goes.
type Maintainer struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewMaintainer creates a maintainer that trims on the given interval.
func NewMaintainer(svc *Service, interval time.Duration, logger *zap.Logger) *Maintainer {
	if interval == 0 {
		interval = time.Hour
	}

	return &Maintainer{
		svc:      svc,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the trim loop until the context is cancelled.
func (m *Maintainer) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stream maintainer stopping")
			return
		case <-ticker.C:
			m.trim(ctx)
		}
	}
}

func (m *Maintainer) trim(ctx context.Context) {
	evicted, err := m.svc.Trim(ctx)
	if err != nil {
		m.logger.Error("failed to trim stream", zap.Error(err))
		return
	}

	if evicted > 0 {
		metrics.RecordStreamTrimmed(evicted)
		m.logger.Info("trimmed delivery stream",
			zap.Int64("evicted", evicted),
			zap.Int64("max_len", m.svc.cfg.MaxLen),
		)
	}

	if n, err := m.svc.Len(ctx); err == nil {
		metrics.SetStreamLength(n)
	}
}
