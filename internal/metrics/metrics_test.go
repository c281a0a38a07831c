package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordIntentCreated(t *testing.T) {
	RecordIntentCreated("CHAT_MESSAGE")
	RecordIntentCreated("READY_REQUEST")
}

func TestRecordIntentPublished(t *testing.T) {
	RecordIntentPublished("published")
	RecordIntentPublished("retry_scheduled")
	RecordIntentPublished("marked_failed")
}

func TestSetOutboxIntents(t *testing.T) {
	SetOutboxIntents("pending", 10)
	SetOutboxIntents("sent", 100)
	SetOutboxIntents("failed", 0)
}

func TestRecordEventProcessed(t *testing.T) {
	RecordEventProcessed("delivered", "CHAT_MESSAGE")
	RecordEventProcessed("dead_lettered", "READY_REQUEST")
}

func TestRecordPushLatency(t *testing.T) {
	RecordPushLatency("log", 500*time.Millisecond)
	RecordPushLatency("sns", 200*time.Millisecond)
}

func TestRecordEntriesClaimed(t *testing.T) {
	RecordEntriesClaimed(3)
	RecordEntriesClaimed(0)
}

func TestStreamGauges(t *testing.T) {
	SetStreamLength(100)
	SetDLQLength(2)
	RecordStreamTrimmed(50)
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("10.0.0.1")
	RecordRateLimitRejection("10.0.0.2")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
