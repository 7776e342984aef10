package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rahulbk/email-delivery-service/internal/domain"
	"github.com/rahulbk/email-delivery-service/internal/engine"
)

// EmailStore is the slice of the record store the email handlers read from.
type EmailStore interface {
	GetEmailByMessageID(ctx context.Context, messageID, apiKeyID string) (*domain.Email, error)
	ListEvents(ctx context.Context, emailID string) ([]domain.EmailEvent, error)
	ListEmails(ctx context.Context, apiKeyID, status string, limit, offset int) ([]domain.Email, int, error)
}

type EmailHandler struct {
	store     EmailStore
	publisher *engine.Publisher
}

func NewEmailHandler(s EmailStore, p *engine.Publisher) *EmailHandler {
	return &EmailHandler{store: s, publisher: p}
}

type sendResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type statusResponse struct {
	domain.Email
	Events []domain.EmailEvent `json:"events"`
}

type listResponse struct {
	Emails []domain.Email `json:"emails"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// Create accepts an email for delivery. The submission never blocks on the
// delivery outcome; callers poll Get for the terminal status.
func (h *EmailHandler) Create(w http.ResponseWriter, r *http.Request) {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email, err := h.publisher.Submit(r.Context(), &req, key)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrRateLimited):
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		case errors.Is(err, domain.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to queue email")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, sendResponse{
		MessageID: email.MessageID,
		Status:    email.Status,
		CreatedAt: email.CreatedAt,
	})
}

// Get returns delivery status, attempt count, last error, and the full
// event log for one email.
func (h *EmailHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	messageID := chi.URLParam(r, "messageID")

	email, err := h.store.GetEmailByMessageID(r.Context(), messageID, key.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get email")
		return
	}
	if email == nil {
		respondError(w, http.StatusNotFound, "email not found")
		return
	}

	events, err := h.store.ListEvents(r.Context(), email.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list email events")
		return
	}

	respondJSON(w, http.StatusOK, statusResponse{Email: *email, Events: events})
}

// List returns the caller's emails with pagination and an optional status
// filter, newest first.
func (h *EmailHandler) List(w http.ResponseWriter, r *http.Request) {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	status := r.URL.Query().Get("status")

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			offset = n
		}
	}

	emails, total, err := h.store.ListEmails(r.Context(), key.ID, status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list emails")
		return
	}

	respondJSON(w, http.StatusOK, listResponse{
		Emails: emails,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
