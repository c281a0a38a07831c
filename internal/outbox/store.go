package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/db"
)

// ErrDuplicateEvent is returned when an intent with the same event id
// already exists.
var ErrDuplicateEvent = errors.New("duplicate event")

const pgUniqueViolation = "23505"

// Store handles database operations for the notification outbox
type Store struct {
	db     *db.DB
	logger *zap.Logger
}

// NewStore creates a new outbox store
func NewStore(database *db.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger,
	}
}

// Save inserts a pending intent. It runs on the given querier so the
// caller can hand in its own transaction and commit the intent together
// with the business write.
func (s *Store) Save(ctx context.Context, q db.Querier, intent *Intent) error {
	query := `
		INSERT INTO notification_outbox (
			event_id, event_type, payload, status, retry_count
		) VALUES (
			$1, $2, $3, $4, $5
		)
		RETURNING id, created_at, updated_at
	`

	err := q.QueryRow(
		ctx,
		query,
		intent.EventID,
		intent.EventType,
		intent.Payload,
		intent.Status,
		intent.RetryCount,
	).Scan(&intent.ID, &intent.CreatedAt, &intent.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("insert intent: %w", err)
	}

	return nil
}

// FindPending returns up to limit pending intents, oldest first. The
// read takes no row locks; when several publishers race, the append
// side is idempotent enough that occasional double publishes are
// cheaper than lock contention here.
func (s *Store) FindPending(ctx context.Context, limit int) ([]*Intent, error) {
	query := `
		SELECT
			id, event_id, event_type, payload, status,
			retry_count, last_error, sent_at, created_at, updated_at
		FROM notification_outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`

	rows, err := s.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending intents: %w", err)
	}
	defer rows.Close()

	var intents []*Intent
	for rows.Next() {
		var intent Intent
		err := rows.Scan(
			&intent.ID,
			&intent.EventID,
			&intent.EventType,
			&intent.Payload,
			&intent.Status,
			&intent.RetryCount,
			&intent.LastError,
			&intent.SentAt,
			&intent.CreatedAt,
			&intent.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intents = append(intents, &intent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return intents, nil
}

// MarkSent moves a pending intent to sent. Zero rows affected means
// another publisher already transitioned the row, which is not an
// error.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	query := `
		UPDATE notification_outbox
		SET status = 'sent', sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := s.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark intent sent: %w", err)
	}

	if result.RowsAffected() == 0 {
		s.logger.Debug("intent already transitioned", zap.Int64("intent_id", id))
	}

	return nil
}

// MarkRetry bumps the retry counter of a pending intent and records the
// publish error. The row stays pending so the next poll picks it up
// again.
func (s *Store) MarkRetry(ctx context.Context, id int64, lastError string) error {
	query := `
		UPDATE notification_outbox
		SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	_, err := s.db.Pool().Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("mark intent retry: %w", err)
	}

	return nil
}

// MarkFailed moves an intent to the terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string) error {
	query := `
		UPDATE notification_outbox
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := s.db.Pool().Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("mark intent failed: %w", err)
	}

	if result.RowsAffected() > 0 {
		s.logger.Warn("intent marked failed",
			zap.Int64("intent_id", id),
			zap.String("last_error", lastError),
		)
	}

	return nil
}

// CountByStatus returns the number of intents per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM notification_outbox
		GROUP BY status
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count intents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return counts, nil
}

// DeleteSentBefore removes sent intents older than the cutoff and
// returns how many rows went away. Failed intents are kept for manual
// inspection.
func (s *Store) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM notification_outbox
		WHERE status = 'sent' AND created_at < $1
	`

	result, err := s.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sent intents: %w", err)
	}

	return result.RowsAffected(), nil
}
