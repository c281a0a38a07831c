package notification

import (
	"testing"
	"time"
)

func TestNewChatMessage(t *testing.T) {
	e := NewChatMessage(42, 7, 1001, "alice", "hello there")

	if e.EventID == "" {
		t.Fatal("expected non-empty event id")
	}
	if e.Type != TypeChatMessage {
		t.Errorf("expected type %s, got %s", TypeChatMessage, e.Type)
	}
	if len(e.TargetMemberIDs) != 1 || e.TargetMemberIDs[0] != 42 {
		t.Errorf("expected single target 42, got %v", e.TargetMemberIDs)
	}
	if e.Body != "alice: hello there" {
		t.Errorf("unexpected body: %q", e.Body)
	}
	if e.Data["roomId"] != "7" {
		t.Errorf("expected roomId 7, got %q", e.Data["roomId"])
	}
	if e.Data["messageId"] != "1001" {
		t.Errorf("expected messageId 1001, got %q", e.Data["messageId"])
	}
	if e.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", e.RetryCount)
	}
}

func TestNewReadyRequest_CopiesTargets(t *testing.T) {
	targets := []int64{1, 2, 3}
	e := NewReadyRequest(targets, 9)

	targets[0] = 99
	if e.TargetMemberIDs[0] != 1 {
		t.Error("event should not alias the caller's target slice")
	}
	if e.Data["roomId"] != "9" {
		t.Errorf("expected roomId 9, got %q", e.Data["roomId"])
	}
}

func TestWithIncrementedRetry(t *testing.T) {
	e := NewChatMessage(1, 2, 3, "bob", "hi")
	e.RetryCount = 1

	bumped := e.WithIncrementedRetry()

	if bumped.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", bumped.RetryCount)
	}
	if e.RetryCount != 1 {
		t.Errorf("original event mutated: retry count %d", e.RetryCount)
	}
	if bumped.EventID != e.EventID {
		t.Error("retry must preserve the event id")
	}
	if bumped.Body != e.Body || bumped.Title != e.Title {
		t.Error("retry must preserve title and body")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	orig := NewReadyRequest([]int64{10, 20}, 5)
	orig.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.EventID != orig.EventID {
		t.Errorf("event id mismatch: %s != %s", got.EventID, orig.EventID)
	}
	if got.Type != orig.Type {
		t.Errorf("type mismatch: %s != %s", got.Type, orig.Type)
	}
	if len(got.TargetMemberIDs) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(got.TargetMemberIDs))
	}
	if !got.CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("created at mismatch: %v != %v", got.CreatedAt, orig.CreatedAt)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestRoomID(t *testing.T) {
	tests := []struct {
		name   string
		data   map[string]string
		wantID int64
		wantOK bool
	}{
		{"present", map[string]string{"roomId": "12"}, 12, true},
		{"missing", map[string]string{}, 0, false},
		{"not a number", map[string]string{"roomId": "abc"}, 0, false},
		{"nil map", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Event{Data: tt.data}
			id, ok := e.RoomID()
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if id != tt.wantID {
				t.Errorf("expected id %d, got %d", tt.wantID, id)
			}
		})
	}
}

func TestTypeValid(t *testing.T) {
	if !TypeChatMessage.Valid() || !TypeReadyRequest.Valid() {
		t.Error("known types must be valid")
	}
	if Type("ROOM_DELETED").Valid() {
		t.Error("unknown type must not be valid")
	}
}
