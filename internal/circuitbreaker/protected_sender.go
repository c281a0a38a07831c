package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/notification"
)

// Sender mirrors the consumer's sender interface so the two packages
// stay decoupled.
type Sender interface {
	Send(ctx context.Context, member *members.Member, event notification.Event) error
	SendBatch(ctx context.Context, targets []*members.Member, event notification.Event) error
}

// ProtectedSender wraps a push transport with a circuit breaker. A
// rejected delivery comes back as ErrCircuitOpen without touching the
// transport, which sends the event down the normal retry path.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, member *members.Member, event notification.Event) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("event_id", event.EventID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	if err := p.sender.Send(ctx, member, event); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SendBatch guards the whole batch with a single breaker decision. The
// underlying sender only errors when no target could be reached, so a
// batch error counts as one transport failure.
func (p *ProtectedSender) SendBatch(ctx context.Context, targets []*members.Member, event notification.Event) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push batch",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("event_id", event.EventID),
			zap.Int("targets", len(targets)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	if err := p.sender.SendBatch(ctx, targets, event); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker exposes the underlying breaker for the stats endpoint.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
