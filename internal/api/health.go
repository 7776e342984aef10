package api

import (
	"net/http"
	"time"

	"github.com/rahulbk/email-delivery-service/internal/queue"
	"github.com/rahulbk/email-delivery-service/internal/store"
)

// HealthHandler reports connectivity of the service's dependencies.
type HealthHandler struct {
	pgStore    *store.PostgresStore
	redisStore *store.RedisStore
	queue      *queue.Queue
}

func NewHealthHandler(pg *store.PostgresStore, rs *store.RedisStore, q *queue.Queue) *HealthHandler {
	return &HealthHandler{pgStore: pg, redisStore: rs, queue: q}
}

type healthResponse struct {
	Status     string    `json:"status"`
	Database   string    `json:"database"`
	Redis      string    `json:"redis"`
	QueueDepth int64     `json:"queue_depth"`
	DeadDepth  int64     `json:"dead_letter_depth"`
	Timestamp  time.Time `json:"timestamp"`
}

// Health checks every dependency and reports degraded if any is down.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Database:  "healthy",
		Redis:     "healthy",
		Timestamp: time.Now().UTC(),
	}

	if err := h.pgStore.Ping(r.Context()); err != nil {
		resp.Database = "unhealthy"
		resp.Status = "degraded"
	}

	if err := h.redisStore.Client().Ping(r.Context()).Err(); err != nil {
		resp.Redis = "unhealthy"
		resp.Status = "degraded"
	} else {
		resp.QueueDepth, _ = h.queue.Depth(r.Context())
		resp.DeadDepth, _ = h.queue.DeadDepth(r.Context())
	}

	respondJSON(w, http.StatusOK, resp)
}

// Live is the liveness probe: the process is up.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready is the readiness probe: the database is reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.pgStore.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
