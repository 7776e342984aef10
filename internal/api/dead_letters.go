package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rahulbk/email-delivery-service/internal/domain"
	"github.com/rahulbk/email-delivery-service/internal/queue"
)

// DeadLetterStore is the slice of the record store the dead-letter handlers
// need.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, includeRequeued bool, limit int) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	RequeueFailed(ctx context.Context, emailID string) error
	AppendEvent(ctx context.Context, emailID, eventType string, details json.RawMessage) error
	MarkDeadLetterRequeued(ctx context.Context, id, requeuedBy string) error
}

// DeadLetterHandler exposes the dead-letter queue for operator review and
// manual redrive.
type DeadLetterHandler struct {
	store DeadLetterStore
	queue *queue.Queue
}

func NewDeadLetterHandler(s DeadLetterStore, q *queue.Queue) *DeadLetterHandler {
	return &DeadLetterHandler{store: s, queue: q}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	includeRequeued := r.URL.Query().Get("include_requeued") == "true"

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	letters, err := h.store.ListDeadLetters(r.Context(), includeRequeued, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, letters)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	letter, err := h.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}
	if letter == nil {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	respondJSON(w, http.StatusOK, letter)
}

type requeueRequest struct {
	RequeuedBy string `json:"requeued_by"`
}

// Requeue redrives a dead-lettered email: the record gets a fresh attempt
// budget and a new queue entry.
func (h *DeadLetterHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequeuedBy == "" {
		req.RequeuedBy = "manual"
	}

	letter, err := h.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}
	if letter == nil {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if letter.RequeuedAt != nil {
		respondError(w, http.StatusConflict, "dead letter already requeued")
		return
	}

	if err := h.store.RequeueFailed(r.Context(), letter.EmailID); err != nil {
		respondError(w, http.StatusConflict, "email is not in failed status")
		return
	}

	job := queue.Job{EmailID: letter.EmailID, MessageID: letter.MessageID}
	if err := h.queue.Enqueue(r.Context(), job, 0); err != nil {
		// Record is queued but unreferenced; the reconciliation sweep will
		// re-enqueue it.
		respondError(w, http.StatusInternalServerError, "failed to enqueue email")
		return
	}

	// Event append is best-effort; the status transition already happened.
	_ = h.store.AppendEvent(r.Context(), letter.EmailID, domain.EventQueued,
		json.RawMessage(`{"source":"redrive"}`))

	if err := h.store.MarkDeadLetterRequeued(r.Context(), id, req.RequeuedBy); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to mark dead letter requeued")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
