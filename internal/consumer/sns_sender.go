package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/notification"
)

// SNSSender delivers pushes through AWS SNS platform endpoints. Each
// member carries the endpoint ARN its device registered.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS push sender
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes one push to the member's platform endpoint. Members
// without a registered device are skipped, not failed: retrying cannot
// conjure an endpoint.
func (s *SNSSender) Send(ctx context.Context, member *members.Member, event notification.Event) error {
	if member.PushEndpoint == nil || *member.PushEndpoint == "" {
		s.logger.Warn("member has no push endpoint, skipping",
			zap.Int64("member_id", member.ID),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	message, err := buildPushMessage(event)
	if err != nil {
		return fmt.Errorf("build push message: %w", err)
	}

	input := &sns.PublishInput{
		TargetArn:        member.PushEndpoint,
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("event_id", event.EventID),
		zap.Int64("member_id", member.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SendBatch publishes the event to every target. Per-target failures
// are logged and tolerated; the batch errors only when no target could
// be reached, so a full transport outage still escalates.
func (s *SNSSender) SendBatch(ctx context.Context, targets []*members.Member, event notification.Event) error {
	if len(targets) == 0 {
		return nil
	}

	var failures int
	for _, member := range targets {
		if err := s.Send(ctx, member, event); err != nil {
			failures++
			s.logger.Error("push failed for member",
				zap.Error(err),
				zap.Int64("member_id", member.ID),
				zap.String("event_id", event.EventID),
			)
		}
	}

	if failures == len(targets) {
		return fmt.Errorf("sns publish failed for all %d targets", failures)
	}

	return nil
}

// buildPushMessage wraps the event as an SNS json-structure message
// with an FCM payload.
func buildPushMessage(event notification.Event) (string, error) {
	gcm, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{
			"title": event.Title,
			"body":  event.Body,
		},
		"data": event.Data,
	})
	if err != nil {
		return "", err
	}

	message, err := json.Marshal(map[string]string{
		"default": event.Body,
		"GCM":     string(gcm),
	})
	if err != nil {
		return "", err
	}

	return string(message), nil
}
