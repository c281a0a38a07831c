package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaykit/pushrelay/internal/chat"
	"github.com/relaykit/pushrelay/internal/circuitbreaker"
	"github.com/relaykit/pushrelay/internal/outbox"
)

// maxMessageLength caps chat message bodies, in bytes.
const maxMessageLength = 2000

// ChatService is the producer surface the API fronts.
type ChatService interface {
	SaveMessage(ctx context.Context, roomID, senderID int64, body string) (*chat.Message, error)
	RequestReady(ctx context.Context, roomID, requesterID int64) (int, error)
}

// OutboxStats reports intent counts by status.
type OutboxStats interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StreamStats reports the delivery log and DLQ lengths.
type StreamStats interface {
	Len(ctx context.Context) (int64, error)
	DLQLen(ctx context.Context) (int64, error)
}

// Presence records which rooms a member is actively viewing.
type Presence interface {
	SetActive(ctx context.Context, roomID, memberID int64) error
	ClearActive(ctx context.Context, roomID, memberID int64) error
}

// ChatMessageRequest represents the incoming chat message body
type ChatMessageRequest struct {
	RoomID   int64  `json:"room_id"`
	SenderID int64  `json:"sender_id"`
	Body     string `json:"body"`
}

// ChatMessageResponse is returned after accepting a chat message
type ChatMessageResponse struct {
	MessageID int64  `json:"message_id"`
	Status    string `json:"status"`
}

// ReadyRequestRequest represents the incoming ready check body
type ReadyRequestRequest struct {
	RoomID      int64 `json:"room_id"`
	RequesterID int64 `json:"requester_id"`
}

// ReadyRequestResponse is returned after accepting a ready check
type ReadyRequestResponse struct {
	Targets int    `json:"targets"`
	Status  string `json:"status"`
}

// StreamStatsResponse reports the delivery log state.
type StreamStatsResponse struct {
	StreamLength int64                 `json:"stream_length"`
	DLQLength    int64                 `json:"dlq_length"`
	Breaker      *circuitbreaker.Stats `json:"breaker,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	chat     ChatService
	outbox   OutboxStats
	stream   StreamStats
	presence Presence
	breaker  *circuitbreaker.CircuitBreaker // nil if the breaker is disabled
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, chatSvc ChatService, outboxStats OutboxStats, streamStats StreamStats, presence Presence) *Handler {
	return &Handler{
		logger:   logger,
		chat:     chatSvc,
		outbox:   outboxStats,
		stream:   streamStats,
		presence: presence,
	}
}

// NewHandlerWithBreaker creates a handler that also reports circuit
// breaker state on the stream stats endpoint.
func NewHandlerWithBreaker(logger *zap.Logger, chatSvc ChatService, outboxStats OutboxStats, streamStats StreamStats, presence Presence, breaker *circuitbreaker.CircuitBreaker) *Handler {
	h := NewHandler(logger, chatSvc, outboxStats, streamStats, presence)
	h.breaker = breaker
	return h
}

// CreateChatMessage handles POST /v1/notifications/chat. The message is
// stored with its notification intents and 202 is returned; delivery
// happens asynchronously.
func (h *Handler) CreateChatMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RoomID <= 0 || req.SenderID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "room_id and sender_id are required")
		return
	}

	if req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing message body", "body is required")
		return
	}

	if len(req.Body) > maxMessageLength {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Message too long",
			fmt.Sprintf("body must be at most %d bytes", maxMessageLength))
		return
	}

	msg, err := h.chat.SaveMessage(ctx, req.RoomID, req.SenderID, req.Body)
	if err != nil {
		if errors.Is(err, chat.ErrNotRoomMember) {
			h.writeError(w, http.StatusForbidden, "not_room_member", "Sender is not in the room", "")
			return
		}
		h.logger.Error("failed to save chat message",
			zap.Error(err),
			zap.Int64("room_id", req.RoomID),
			zap.Int64("sender_id", req.SenderID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save chat message", "")
		return
	}

	h.logger.Info("chat message accepted",
		zap.Int64("message_id", msg.ID),
		zap.Int64("room_id", req.RoomID),
		zap.Int64("sender_id", req.SenderID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ChatMessageResponse{
		MessageID: msg.ID,
		Status:    "accepted",
	})
}

// CreateReadyRequest handles POST /v1/notifications/ready
func (h *Handler) CreateReadyRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReadyRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RoomID <= 0 || req.RequesterID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "room_id and requester_id are required")
		return
	}

	targets, err := h.chat.RequestReady(ctx, req.RoomID, req.RequesterID)
	if err != nil {
		if errors.Is(err, chat.ErrNotRoomMember) {
			h.writeError(w, http.StatusForbidden, "not_room_member", "Requester is not in the room", "")
			return
		}
		h.logger.Error("failed to queue ready request",
			zap.Error(err),
			zap.Int64("room_id", req.RoomID),
			zap.Int64("requester_id", req.RequesterID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to queue ready request", "")
		return
	}

	h.logger.Info("ready request accepted",
		zap.Int64("room_id", req.RoomID),
		zap.Int64("requester_id", req.RequesterID),
		zap.Int("targets", targets),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ReadyRequestResponse{
		Targets: targets,
		Status:  "accepted",
	})
}

// GetOutboxStats handles GET /v1/outbox/stats
func (h *Handler) GetOutboxStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.outbox.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("failed to count outbox intents", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read outbox stats", "")
		return
	}

	// Absent statuses report as zero so the response shape is stable.
	stats := map[string]int64{
		outbox.StatusPending: 0,
		outbox.StatusSent:    0,
		outbox.StatusFailed:  0,
	}
	for status, count := range counts {
		stats[status] = count
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// GetStreamStats handles GET /v1/streams/stats
func (h *Handler) GetStreamStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	length, err := h.stream.Len(ctx)
	if err != nil {
		h.logger.Error("failed to read stream length", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "stream_error", "Failed to read stream stats", "")
		return
	}

	dlqLength, err := h.stream.DLQLen(ctx)
	if err != nil {
		h.logger.Error("failed to read dlq length", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "stream_error", "Failed to read stream stats", "")
		return
	}

	resp := StreamStatsResponse{
		StreamLength: length,
		DLQLength:    dlqLength,
	}
	if h.breaker != nil {
		stats := h.breaker.Stats()
		resp.Breaker = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// SetPresence handles PUT /v1/presence/rooms/{roomID}/members/{memberID}
func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roomID, memberID, ok := h.presenceParams(w, r)
	if !ok {
		return
	}

	if err := h.presence.SetActive(ctx, roomID, memberID); err != nil {
		h.logger.Error("failed to set presence",
			zap.Error(err),
			zap.Int64("room_id", roomID),
			zap.Int64("member_id", memberID),
		)
		h.writeError(w, http.StatusInternalServerError, "presence_error", "Failed to set presence", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearPresence handles DELETE /v1/presence/rooms/{roomID}/members/{memberID}
func (h *Handler) ClearPresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roomID, memberID, ok := h.presenceParams(w, r)
	if !ok {
		return
	}

	if err := h.presence.ClearActive(ctx, roomID, memberID); err != nil {
		h.logger.Error("failed to clear presence",
			zap.Error(err),
			zap.Int64("room_id", roomID),
			zap.Int64("member_id", memberID),
		)
		h.writeError(w, http.StatusInternalServerError, "presence_error", "Failed to clear presence", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) presenceParams(w http.ResponseWriter, r *http.Request) (roomID, memberID int64, ok bool) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid room ID", "room ID must be a positive integer")
		return 0, 0, false
	}

	memberID, err = strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil || memberID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid member ID", "member ID must be a positive integer")
		return 0, 0, false
	}

	return roomID, memberID, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
