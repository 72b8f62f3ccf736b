package registry

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
)

type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(s *Service, logger *zap.Logger) *Handler {
	return &Handler{service: s, logger: logger.Named("registry-api")}
}

// Routes Маршруты для Chi
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Get("/", h.List)
	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", h.GetEndpoint)
		r.Delete("/", h.Deregister)
		r.Post("/heartbeat", h.Heartbeat)
	})
	return r
}

type registerRequest struct {
	Name            string   `json:"name"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	HealthCheckPort int      `json:"health_check_port"`
	Capabilities    []string `json:"capabilities"`
}

type endpointResponse struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	HealthCheckPort int    `json:"health_check_port"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Host == "" || req.Port == 0 {
		http.Error(w, "name, host and port are required", http.StatusBadRequest)
		return
	}

	identity := domain.AgentIdentity{
		Name:       req.Name,
		Host:       req.Host,
		MainPort:   req.Port,
		HealthPort: req.HealthCheckPort,
	}
	if err := h.service.Register(r.Context(), identity, req.Capabilities); err != nil {
		h.logger.Error("register failed", zap.String("agent", req.Name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	entry, err := h.service.Lookup(name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, endpointResponse{
		Host:            entry.Identity.Host,
		Port:            entry.Identity.MainPort,
		HealthCheckPort: entry.Identity.HealthPort,
	})
}

func (h *Handler) Deregister(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.service.Deregister(r.Context(), name); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.service.Heartbeat(name); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Реестр после рестарта пуст: агент должен перерегистрироваться
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.List())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
