package lease

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
)

type Handler struct {
	arbiter *Arbiter
	logger  *zap.Logger
}

func NewHandler(a *Arbiter, logger *zap.Logger) *Handler {
	return &Handler{arbiter: a, logger: logger.Named("lease-api")}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/acquire", h.Acquire)
	r.Post("/release", h.Release)
	r.Get("/", h.List)
	return r
}

func (h *Handler) Acquire(w http.ResponseWriter, r *http.Request) {
	var req domain.GpuLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Client == "" {
		http.Error(w, "client is required", http.StatusBadRequest)
		return
	}

	lease, err := h.arbiter.Acquire(req)
	if err != nil {
		var cErr *domain.CapacityError
		if errors.As(err, &cErr) {
			// Отказ по бюджету — не HTTP-ошибка, а штатный ответ протокола
			writeJSON(w, http.StatusOK, domain.GpuLeaseReply{
				Granted:      false,
				RetryAfterMS: cErr.RetryAfter.Milliseconds(),
			})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, domain.GpuLeaseReply{
		Granted: true,
		LeaseID: lease.ID,
	})
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req domain.GpuLeaseRelease
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Идемпотентно: неизвестный lease_id — тоже ack
	h.arbiter.Release(req.LeaseID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.arbiter.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
