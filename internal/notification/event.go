// Package notification defines the event value carried from the outbox
// through the stream to the push transports.
package notification

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of notification an event describes.
type Type string

// Event types. The string values are part of the wire format.
const (
	TypeChatMessage  Type = "CHAT_MESSAGE"
	TypeReadyRequest Type = "READY_REQUEST"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	return t == TypeChatMessage || t == TypeReadyRequest
}

// Event is the notification payload stored in the outbox and carried by
// stream entries. Events are immutable values: a retry produces a new
// Event via WithIncrementedRetry, the original is never mutated. The
// EventID is the only identity that survives re-publishes.
type Event struct {
	EventID         string            `json:"eventId"`
	Type            Type              `json:"type"`
	TargetMemberIDs []int64           `json:"targetMemberIds"`
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	Data            map[string]string `json:"data"`
	CreatedAt       time.Time         `json:"createdAt"`
	RetryCount      int               `json:"retryCount"`
}

// NewChatMessage builds a chat-message event targeting a single member.
// The body carries "nickname: message" so the consumer can split it back
// apart when building the push.
func NewChatMessage(targetMemberID, roomID, messageID int64, senderNickname, message string) Event {
	return Event{
		EventID:         uuid.NewString(),
		Type:            TypeChatMessage,
		TargetMemberIDs: []int64{targetMemberID},
		Title:           "New chat message",
		Body:            fmt.Sprintf("%s: %s", senderNickname, message),
		Data: map[string]string{
			"type":      "CHAT",
			"roomId":    strconv.FormatInt(roomID, 10),
			"messageId": strconv.FormatInt(messageID, 10),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// NewReadyRequest builds a ready-request event targeting several members.
func NewReadyRequest(targetMemberIDs []int64, roomID int64) Event {
	targets := make([]int64, len(targetMemberIDs))
	copy(targets, targetMemberIDs)

	return Event{
		EventID:         uuid.NewString(),
		Type:            TypeReadyRequest,
		TargetMemberIDs: targets,
		Title:           "Ready check",
		Body:            "The room host asked everyone to ready up",
		Data: map[string]string{
			"type":   "READY_REQUEST",
			"roomId": strconv.FormatInt(roomID, 10),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// WithIncrementedRetry returns a copy of the event with RetryCount + 1.
// Everything else, EventID included, is preserved.
func (e Event) WithIncrementedRetry() Event {
	e.RetryCount++
	return e
}

// RoomID extracts the room id from the data map. The second return is
// false when the field is absent or not a number.
func (e Event) RoomID() (int64, bool) {
	raw, ok := e.Data["roomId"]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Encode serializes the event for storage in an outbox row or a stream
// entry field.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal notification event: %w", err)
	}
	return data, nil
}

// Decode parses an event previously produced by Encode.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal notification event: %w", err)
	}
	return e, nil
}
