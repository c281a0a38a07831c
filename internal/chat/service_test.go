package chat

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/db"
	"github.com/relaykit/pushrelay/internal/members"
	"github.com/relaykit/pushrelay/internal/notification"
	"github.com/relaykit/pushrelay/internal/outbox"
)

type mockIntents struct {
	saved []*outbox.Intent
	err   error
}

func (m *mockIntents) Save(ctx context.Context, q db.Querier, intent *outbox.Intent) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, intent)
	return nil
}

type mockDirectory struct {
	roomMembers map[int64][]int64
	members     map[int64]*members.Member
	err         error
}

func (m *mockDirectory) FindByIDs(ctx context.Context, ids []int64) ([]*members.Member, error) {
	if m.err != nil {
		return nil, m.err
	}
	var result []*members.Member
	for _, id := range ids {
		if member, ok := m.members[id]; ok {
			result = append(result, member)
		}
	}
	return result, nil
}

func (m *mockDirectory) FindRoomMemberIDs(ctx context.Context, roomID int64) ([]int64, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.roomMembers[roomID], nil
}

func testService(intents *mockIntents, dir *mockDirectory) *Service {
	return NewService(&db.DB{}, intents, dir, zap.NewNop())
}

func TestRequestReady_TargetsOtherMembers(t *testing.T) {
	intents := &mockIntents{}
	dir := &mockDirectory{roomMembers: map[int64][]int64{9: {1, 2, 3}}}
	svc := testService(intents, dir)

	count, err := svc.RequestReady(context.Background(), 9, 1)
	if err != nil {
		t.Fatalf("RequestReady failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 targets, got %d", count)
	}
	if len(intents.saved) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents.saved))
	}

	event, err := intents.saved[0].Event()
	if err != nil {
		t.Fatalf("decode intent payload: %v", err)
	}
	if event.Type != notification.TypeReadyRequest {
		t.Errorf("expected ready request, got %s", event.Type)
	}
	if len(event.TargetMemberIDs) != 2 || event.TargetMemberIDs[0] != 2 || event.TargetMemberIDs[1] != 3 {
		t.Errorf("unexpected targets: %v", event.TargetMemberIDs)
	}
	if roomID, ok := event.RoomID(); !ok || roomID != 9 {
		t.Errorf("expected room 9 in event data, got %v", event.Data)
	}
}

func TestRequestReady_RequesterNotInRoom(t *testing.T) {
	intents := &mockIntents{}
	dir := &mockDirectory{roomMembers: map[int64][]int64{9: {2, 3}}}
	svc := testService(intents, dir)

	_, err := svc.RequestReady(context.Background(), 9, 1)
	if !errors.Is(err, ErrNotRoomMember) {
		t.Fatalf("expected ErrNotRoomMember, got: %v", err)
	}
	if len(intents.saved) != 0 {
		t.Errorf("no intent should be saved, got %d", len(intents.saved))
	}
}

func TestRequestReady_SoloRoom(t *testing.T) {
	intents := &mockIntents{}
	dir := &mockDirectory{roomMembers: map[int64][]int64{9: {1}}}
	svc := testService(intents, dir)

	count, err := svc.RequestReady(context.Background(), 9, 1)
	if err != nil {
		t.Fatalf("RequestReady failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 targets, got %d", count)
	}
	if len(intents.saved) != 0 {
		t.Errorf("no intent should be saved, got %d", len(intents.saved))
	}
}

func TestRequestReady_SaveError(t *testing.T) {
	intents := &mockIntents{err: errors.New("db down")}
	dir := &mockDirectory{roomMembers: map[int64][]int64{9: {1, 2}}}
	svc := testService(intents, dir)

	_, err := svc.RequestReady(context.Background(), 9, 1)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRequestReady_DirectoryError(t *testing.T) {
	intents := &mockIntents{}
	dir := &mockDirectory{err: errors.New("db down")}
	svc := testService(intents, dir)

	_, err := svc.RequestReady(context.Background(), 9, 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(intents.saved) != 0 {
		t.Errorf("no intent should be saved, got %d", len(intents.saved))
	}
}
