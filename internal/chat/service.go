// Package chat owns the producer side of the pipeline: business writes
// that commit their notification intents in the same transaction, so an
// intent exists if and only if the write it announces does.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/db"
	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/metrics"
	"github.com/relaykit/pushrelay/internal/notification"
	"github.com/relaykit/pushrelay/internal/outbox"
)

// ErrNotRoomMember is returned when the acting member does not belong
// to the room they are writing to.
var ErrNotRoomMember = errors.New("member is not in the room")

// Message is a stored chat message.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	SenderID  int64     `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// IntentStore persists notification intents, optionally inside the
// caller's transaction.
type IntentStore interface {
	Save(ctx context.Context, q db.Querier, intent *outbox.Intent) error
}

// MemberDirectory resolves rooms and members.
type MemberDirectory interface {
	FindByIDs(ctx context.Context, ids []int64) ([]*members.Member, error)
	FindRoomMemberIDs(ctx context.Context, roomID int64) ([]int64, error)
}

type Service struct {
	database *db.DB
	intents  IntentStore
	members  MemberDirectory
	logger   *zap.Logger
}

func NewService(database *db.DB, intents IntentStore, directory MemberDirectory, logger *zap.Logger) *Service {
	return &Service{
		database: database,
		intents:  intents,
		members:  directory,
		logger:   logger,
	}
}

// SaveMessage stores a chat message and queues one notification intent
// per room member other than the sender, all in one transaction. The
// intents become visible to the poller only when the message commits.
func (s *Service) SaveMessage(ctx context.Context, roomID, senderID int64, body string) (*Message, error) {
	targets, err := s.roomTargets(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}

	sender, err := s.findMember(ctx, senderID)
	if err != nil {
		return nil, err
	}

	tx, err := s.database.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg := &Message{
		RoomID:   roomID,
		SenderID: senderID,
		Body:     body,
	}

	insertQuery := `
		INSERT INTO chat_messages (room_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	if err := tx.QueryRow(ctx, insertQuery, roomID, senderID, body).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}

	for _, targetID := range targets {
		event := notification.NewChatMessage(targetID, roomID, msg.ID, sender.Nickname, body)
		intent, err := outbox.NewIntent(event)
		if err != nil {
			return nil, fmt.Errorf("build intent: %w", err)
		}
		if err := s.intents.Save(ctx, tx, intent); err != nil {
			return nil, fmt.Errorf("save intent: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	for range targets {
		metrics.RecordIntentCreated(string(notification.TypeChatMessage))
	}

	s.logger.Info("chat message saved",
		zap.Int64("message_id", msg.ID),
		zap.Int64("room_id", roomID),
		zap.Int64("sender_id", senderID),
		zap.Int("intents", len(targets)),
	)

	return msg, nil
}

// RequestReady queues a single multicast intent asking every room
// member except the requester to ready up. Returns how many members
// were targeted; zero means the requester is alone in the room.
func (s *Service) RequestReady(ctx context.Context, roomID, requesterID int64) (int, error) {
	targets, err := s.roomTargets(ctx, roomID, requesterID)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		s.logger.Debug("ready request has no targets",
			zap.Int64("room_id", roomID),
			zap.Int64("requester_id", requesterID),
		)
		return 0, nil
	}

	event := notification.NewReadyRequest(targets, roomID)
	intent, err := outbox.NewIntent(event)
	if err != nil {
		return 0, fmt.Errorf("build intent: %w", err)
	}

	if err := s.intents.Save(ctx, s.database.Pool(), intent); err != nil {
		return 0, fmt.Errorf("save intent: %w", err)
	}

	metrics.RecordIntentCreated(string(notification.TypeReadyRequest))

	s.logger.Info("ready request queued",
		zap.Int64("room_id", roomID),
		zap.Int64("requester_id", requesterID),
		zap.Int("targets", len(targets)),
	)

	return len(targets), nil
}

// roomTargets returns the room's member ids without the acting member,
// or ErrNotRoomMember when the actor does not belong to the room.
func (s *Service) roomTargets(ctx context.Context, roomID, actorID int64) ([]int64, error) {
	memberIDs, err := s.members.FindRoomMemberIDs(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("find room members: %w", err)
	}

	var actorInRoom bool
	targets := make([]int64, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == actorID {
			actorInRoom = true
			continue
		}
		targets = append(targets, id)
	}

	if !actorInRoom {
		return nil, ErrNotRoomMember
	}

	return targets, nil
}

func (s *Service) findMember(ctx context.Context, id int64) (*members.Member, error) {
	found, err := s.members.FindByIDs(ctx, []int64{id})
	if err != nil {
		return nil, fmt.Errorf("find member: %w", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("member %d not found", id)
	}
	return found[0], nil
}
