package consumer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/notification"
)

// SESSender delivers notifications as email, for deployments without a
// mobile push pipeline.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send emails the notification to one member. Members without an email
// address are skipped.
func (s *SESSender) Send(ctx context.Context, member *members.Member, event notification.Event) error {
	if member.Email == "" {
		s.logger.Warn("member has no email, skipping",
			zap.Int64("member_id", member.ID),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{member.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(event.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(event.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("event_id", event.EventID),
		zap.Int64("member_id", member.ID),
		zap.String("to", member.Email),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SendBatch emails every target, tolerating per-target failures the
// same way the SNS sender does.
func (s *SESSender) SendBatch(ctx context.Context, targets []*members.Member, event notification.Event) error {
	if len(targets) == 0 {
		return nil
	}

	var failures int
	for _, member := range targets {
		if err := s.Send(ctx, member, event); err != nil {
			failures++
			s.logger.Error("email failed for member",
				zap.Error(err),
				zap.Int64("member_id", member.ID),
				zap.String("event_id", event.EventID),
			)
		}
	}

	if failures == len(targets) {
		return fmt.Errorf("ses send failed for all %d targets", failures)
	}

	return nil
}
