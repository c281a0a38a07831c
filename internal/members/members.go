// Package members looks up the recipients that notification events
// target.
package members

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/db"
)

// Member is a push recipient. PushEndpoint holds the platform endpoint
// ARN registered for the member's device and is nil until the device
// registered one.
type Member struct {
	ID           int64     `json:"id"`
	Nickname     string    `json:"nickname"`
	Email        string    `json:"email"`
	PushEndpoint *string   `json:"push_endpoint,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store handles member lookups
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// NewStore creates a new member store
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger,
	}
}

// FindByIDs returns the members with the given ids. Unknown ids are
// silently absent from the result; callers decide what a partial or
// empty resolution means.
func (s *Store) FindByIDs(ctx context.Context, ids []int64) ([]*Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, nickname, email, push_endpoint, created_at
		FROM members
		WHERE id = ANY($1)
		ORDER BY id
	`

	rows, err := s.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var result []*Member
	for rows.Next() {
		var m Member
		err := rows.Scan(
			&m.ID,
			&m.Nickname,
			&m.Email,
			&m.PushEndpoint,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		result = append(result, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return result, nil
}

// FindRoomMemberIDs returns the ids of every member of a room.
func (s *Store) FindRoomMemberIDs(ctx context.Context, roomID int64) ([]int64, error) {
	query := `
		SELECT member_id
		FROM room_members
		WHERE room_id = $1
		ORDER BY member_id
	`

	rows, err := s.db.Pool().Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query room members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}
