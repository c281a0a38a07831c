// Package consumer reads notification events off the delivery log and
// pushes them to members through a configurable transport.
package consumer

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/notification"
)

// Sender delivers a notification event to resolved members. Send
// handles the single-target case, SendBatch the multicast one.
type Sender interface {
	Send(ctx context.Context, member *members.Member, event notification.Event) error
	SendBatch(ctx context.Context, targets []*members.Member, event notification.Event) error
}

// LogSender is a simple sender that logs notifications (for testing/development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, member *members.Member, event notification.Event) error {
	s.logger.Info("push sent",
		zap.String("event_id", event.EventID),
		zap.String("type", string(event.Type)),
		zap.Int64("member_id", member.ID),
		zap.String("title", event.Title),
		zap.String("body", event.Body),
	)
	return nil
}

func (s *LogSender) SendBatch(ctx context.Context, targets []*members.Member, event notification.Event) error {
	ids := make([]int64, len(targets))
	for i, m := range targets {
		ids[i] = m.ID
	}

	s.logger.Info("push batch sent",
		zap.String("event_id", event.EventID),
		zap.String("type", string(event.Type)),
		zap.Int64s("member_ids", ids),
		zap.String("title", event.Title),
	)
	return nil
}
