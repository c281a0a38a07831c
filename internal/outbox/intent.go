// Package outbox persists notification intents in the same database as
// the business writes that produce them, so intent creation and the
// originating change commit or roll back together.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaykit/pushrelay/internal/notification"
)

// Status constants. The set is closed: an intent is pending until a
// publisher moves it to sent or failed, and both of those are terminal.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Intent is one row of the notification outbox.
type Intent struct {
	ID         int64           `json:"id"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  *string         `json:"last_error,omitempty"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewIntent wraps a notification event as a pending outbox row.
func NewIntent(event notification.Event) (*Intent, error) {
	payload, err := notification.Encode(event)
	if err != nil {
		return nil, fmt.Errorf("encode intent payload: %w", err)
	}

	return &Intent{
		EventID:   event.EventID,
		EventType: string(event.Type),
		Payload:   payload,
		Status:    StatusPending,
	}, nil
}

// Event decodes the stored payload back into a notification event.
func (i *Intent) Event() (notification.Event, error) {
	return notification.Decode(i.Payload)
}
