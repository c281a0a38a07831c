package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/notification"
	"github.com/relaykit/pushrelay/internal/outbox"
)

type MockStore struct {
	pending    []*outbox.Intent
	sentIDs    []int64
	retryIDs   []int64
	failedIDs  []int64
	lastErrors map[int64]string

	findErr     error
	markSentErr error
}

func (m *MockStore) FindPending(ctx context.Context, limit int) ([]*outbox.Intent, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if len(m.pending) > limit {
		return m.pending[:limit], nil
	}
	return m.pending, nil
}

func (m *MockStore) MarkSent(ctx context.Context, id int64) error {
	if m.markSentErr != nil {
		return m.markSentErr
	}
	m.sentIDs = append(m.sentIDs, id)
	m.removePending(id)
	return nil
}

func (m *MockStore) MarkRetry(ctx context.Context, id int64, lastError string) error {
	m.retryIDs = append(m.retryIDs, id)
	m.recordError(id, lastError)
	for _, intent := range m.pending {
		if intent.ID == id {
			intent.RetryCount++
		}
	}
	return nil
}

func (m *MockStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	m.failedIDs = append(m.failedIDs, id)
	m.recordError(id, lastError)
	m.removePending(id)
	return nil
}

func (m *MockStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{
		outbox.StatusPending: int64(len(m.pending)),
		outbox.StatusSent:    int64(len(m.sentIDs)),
		outbox.StatusFailed:  int64(len(m.failedIDs)),
	}, nil
}

func (m *MockStore) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n := int64(len(m.sentIDs))
	m.sentIDs = nil
	return n, nil
}

func (m *MockStore) removePending(id int64) {
	kept := m.pending[:0]
	for _, intent := range m.pending {
		if intent.ID != id {
			kept = append(kept, intent)
		}
	}
	m.pending = kept
}

func (m *MockStore) recordError(id int64, msg string) {
	if m.lastErrors == nil {
		m.lastErrors = make(map[int64]string)
	}
	m.lastErrors[id] = msg
}

type MockLog struct {
	appended  [][]byte
	appendErr error
}

func (m *MockLog) Append(ctx context.Context, payload []byte) (string, error) {
	if m.appendErr != nil {
		return "", m.appendErr
	}
	m.appended = append(m.appended, payload)
	return fmt.Sprintf("0-%d", len(m.appended)), nil
}

func (m *MockLog) Len(ctx context.Context) (int64, error) {
	return int64(len(m.appended)), nil
}

func (m *MockLog) DLQLen(ctx context.Context) (int64, error) {
	return 0, nil
}

func pendingIntent(t *testing.T, id int64, retryCount int) *outbox.Intent {
	t.Helper()
	intent, err := outbox.NewIntent(notification.NewChatMessage(42, 7, 100+id, "alice", "hi"))
	if err != nil {
		t.Fatalf("new intent: %v", err)
	}
	intent.ID = id
	intent.RetryCount = retryCount
	return intent
}

func TestPublish_Success(t *testing.T) {
	store := &MockStore{}
	log := &MockLog{}
	pub := NewPublisher(store, log, 3, zap.NewNop())

	intent := pendingIntent(t, 1, 0)
	store.pending = []*outbox.Intent{intent}

	outcome := pub.Publish(context.Background(), intent)

	if outcome != OutcomePublished {
		t.Fatalf("expected published, got %s", outcome)
	}
	if len(log.appended) != 1 {
		t.Fatalf("expected 1 appended entry, got %d", len(log.appended))
	}
	if len(store.sentIDs) != 1 || store.sentIDs[0] != 1 {
		t.Errorf("expected intent 1 marked sent, got %v", store.sentIDs)
	}
}

func TestPublish_AppendFails_SchedulesRetry(t *testing.T) {
	store := &MockStore{}
	log := &MockLog{appendErr: errors.New("redis down")}
	pub := NewPublisher(store, log, 3, zap.NewNop())

	intent := pendingIntent(t, 1, 0)

	outcome := pub.Publish(context.Background(), intent)

	if outcome != OutcomeRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", outcome)
	}
	if len(store.retryIDs) != 1 {
		t.Fatalf("expected 1 retry mark, got %d", len(store.retryIDs))
	}
	if len(store.failedIDs) != 0 {
		t.Errorf("intent must not be failed yet: %v", store.failedIDs)
	}
	if store.lastErrors[1] != "redis down" {
		t.Errorf("expected append error recorded, got %q", store.lastErrors[1])
	}
}

func TestPublish_AppendFails_ExhaustedMarksFailed(t *testing.T) {
	store := &MockStore{}
	log := &MockLog{appendErr: errors.New("redis down")}
	pub := NewPublisher(store, log, 3, zap.NewNop())

	intent := pendingIntent(t, 1, 3)

	outcome := pub.Publish(context.Background(), intent)

	if outcome != OutcomeMarkedFailed {
		t.Fatalf("expected marked_failed, got %s", outcome)
	}
	if len(store.failedIDs) != 1 || store.failedIDs[0] != 1 {
		t.Errorf("expected intent 1 failed, got %v", store.failedIDs)
	}
	if len(store.retryIDs) != 0 {
		t.Errorf("exhausted intent must not be retried: %v", store.retryIDs)
	}
}

func TestPublish_EscalatesAcrossCycles(t *testing.T) {
	store := &MockStore{}
	log := &MockLog{appendErr: errors.New("redis down")}
	pub := NewPublisher(store, log, 3, zap.NewNop())

	intent := pendingIntent(t, 1, 0)
	store.pending = []*outbox.Intent{intent}

	// Three failing cycles bump the counter, the fourth gives up.
	for i := 0; i < 3; i++ {
		if outcome := pub.Publish(context.Background(), intent); outcome != OutcomeRetryScheduled {
			t.Fatalf("cycle %d: expected retry_scheduled, got %s", i, outcome)
		}
	}
	if intent.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", intent.RetryCount)
	}

	if outcome := pub.Publish(context.Background(), intent); outcome != OutcomeMarkedFailed {
		t.Fatalf("expected marked_failed on exhausted intent, got %s", outcome)
	}
}

func TestPublish_MarkSentFails_EventAppendsAgain(t *testing.T) {
	store := &MockStore{markSentErr: errors.New("db down")}
	log := &MockLog{}
	pub := NewPublisher(store, log, 3, zap.NewNop())

	intent := pendingIntent(t, 1, 0)
	store.pending = []*outbox.Intent{intent}

	// First cycle: append works, sent transition fails, row stays
	// pending.
	if outcome := pub.Publish(context.Background(), intent); outcome != OutcomePublished {
		t.Fatalf("expected published, got %s", outcome)
	}

	// Second cycle re-publishes the same event.
	store.markSentErr = nil
	if outcome := pub.Publish(context.Background(), intent); outcome != OutcomePublished {
		t.Fatalf("expected published, got %s", outcome)
	}

	if len(log.appended) != 2 {
		t.Fatalf("expected the event on the log twice, got %d", len(log.appended))
	}

	first, err := notification.Decode(log.appended[0])
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	second, err := notification.Decode(log.appended[1])
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.EventID != second.EventID {
		t.Errorf("duplicate entries must share the event id: %s != %s", first.EventID, second.EventID)
	}
}

func TestPollOnce_PublishesBatch(t *testing.T) {
	store := &MockStore{
		pending: []*outbox.Intent{
			pendingIntent(t, 1, 0),
			pendingIntent(t, 2, 0),
		},
	}
	log := &MockLog{}
	pub := NewPublisher(store, log, 3, zap.NewNop())
	p := New(store, log, pub, Config{}, zap.NewNop())

	p.pollOnce(context.Background())

	if len(log.appended) != 2 {
		t.Errorf("expected 2 appended entries, got %d", len(log.appended))
	}
	if len(store.sentIDs) != 2 {
		t.Errorf("expected 2 sent intents, got %d", len(store.sentIDs))
	}
}

func TestPollOnce_OrderPreserved(t *testing.T) {
	store := &MockStore{
		pending: []*outbox.Intent{
			pendingIntent(t, 1, 0),
			pendingIntent(t, 2, 0),
			pendingIntent(t, 3, 0),
		},
	}
	log := &MockLog{}
	pub := NewPublisher(store, log, 3, zap.NewNop())
	p := New(store, log, pub, Config{}, zap.NewNop())

	p.pollOnce(context.Background())

	if len(store.sentIDs) != 3 {
		t.Fatalf("expected 3 sent, got %d", len(store.sentIDs))
	}
	for i, id := range []int64{1, 2, 3} {
		if store.sentIDs[i] != id {
			t.Errorf("position %d: expected intent %d, got %d", i, id, store.sentIDs[i])
		}
	}
}

func TestPollOnce_FindError(t *testing.T) {
	store := &MockStore{findErr: errors.New("db down")}
	log := &MockLog{}
	pub := NewPublisher(store, log, 3, zap.NewNop())
	p := New(store, log, pub, Config{}, zap.NewNop())

	p.pollOnce(context.Background())

	if len(log.appended) != 0 {
		t.Errorf("expected no appends on find error, got %d", len(log.appended))
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	store := &MockStore{}
	log := &MockLog{}
	pub := NewPublisher(store, log, 3, zap.NewNop())
	p := New(store, log, pub, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		p.Start(ctx)
		done <- true
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Success - poller stopped
	case <-time.After(1 * time.Second):
		t.Error("poller did not stop within timeout")
	}
}

func TestNew_Defaults(t *testing.T) {
	store := &MockStore{}
	log := &MockLog{}
	pub := NewPublisher(store, log, 0, zap.NewNop())
	p := New(store, log, pub, Config{}, zap.NewNop())

	if p.config.PollInterval != 500*time.Millisecond {
		t.Errorf("expected default PollInterval 500ms, got %v", p.config.PollInterval)
	}
	if p.config.BatchSize != 100 {
		t.Errorf("expected default BatchSize 100, got %d", p.config.BatchSize)
	}
	if p.config.StatusInterval != time.Minute {
		t.Errorf("expected default StatusInterval 1m, got %v", p.config.StatusInterval)
	}
	if p.config.RetentionDays != 7 {
		t.Errorf("expected default RetentionDays 7, got %d", p.config.RetentionDays)
	}
	if pub.maxRetry != 3 {
		t.Errorf("expected default maxRetry 3, got %d", pub.maxRetry)
	}
}

func TestCleanupOnce(t *testing.T) {
	store := &MockStore{sentIDs: []int64{1, 2, 3}}
	log := &MockLog{}
	pub := NewPublisher(store, log, 3, zap.NewNop())
	p := New(store, log, pub, Config{}, zap.NewNop())

	p.cleanupOnce(context.Background())

	if len(store.sentIDs) != 0 {
		t.Errorf("expected sent intents purged, got %d", len(store.sentIDs))
	}
}
