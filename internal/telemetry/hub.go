package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HubServer — один хаб телеметрии. Держит только последний снапшот на
// агента: истории здесь нет, это оперативная картина флота. Два таких
// процесса на разных машинах и образуют dual-hub.
type HubServer struct {
	mu        sync.RWMutex
	snapshots map[string]MetricsEnvelope
	logger    *zap.Logger
}

func NewHubServer(logger *zap.Logger) *HubServer {
	return &HubServer{
		snapshots: make(map[string]MetricsEnvelope),
		logger:    logger.Named("hub"),
	}
}

func (h *HubServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/metrics", h.Ingest)
	r.Get("/metrics", h.List)
	return r
}

func (h *HubServer) Ingest(w http.ResponseWriter, r *http.Request) {
	var env MetricsEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	if env.Agent == "" {
		http.Error(w, "agent is required", http.StatusBadRequest)
		return
	}

	h.store(env)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HubServer) List(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	out := make(map[string]MetricsEnvelope, len(h.snapshots))
	for k, v := range h.snapshots {
		out[k] = v
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// ApplyBusMessage — зеркало с шины: хаб, в который агент не попал по HTTP,
// все равно получает его снапшот через pub/sub.
func (h *HubServer) ApplyBusMessage(payload string) {
	var env MetricsEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.logger.Error("invalid bus envelope", zap.Error(err))
		return
	}
	if env.Agent == "" {
		return
	}
	h.store(env)
}

func (h *HubServer) store(env MetricsEnvelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	h.mu.Lock()
	// Последний снапшот побеждает, более старый timestamp не затирает новый
	if prev, ok := h.snapshots[env.Agent]; !ok || !env.Timestamp.Before(prev.Timestamp) {
		h.snapshots[env.Agent] = env
	}
	h.mu.Unlock()
}

// Snapshot отдает последний известный снапшот агента.
func (h *HubServer) Snapshot(agent string) (MetricsEnvelope, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	env, ok := h.snapshots[agent]
	return env, ok
}
