package agent

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
)

// HealthResponder отвечает на health-пробы на отдельном порту.
// Никаких общих локов с бизнес-трактом: снапшот системных метрик
// собирается на месте запроса, состояние — пара атомиков.
type HealthResponder struct {
	logger    *zap.Logger
	startedAt time.Time

	// 0 = ok, 1 = degraded, 2 = unhealthy
	status atomic.Int32

	// Счетчик запросов в полете на основном endpoint-е, для метрик.
	inFlight *atomic.Int64
}

func NewHealthResponder(inFlight *atomic.Int64, logger *zap.Logger) *HealthResponder {
	return &HealthResponder{
		logger:    logger.Named("health"),
		startedAt: time.Now(),
		inFlight:  inFlight,
	}
}

// SetStatus переводит агента в новое состояние (например, degraded
// при потере лизы или блокировке через kill-switch).
func (h *HealthResponder) SetStatus(s domain.AgentStatus) {
	switch s {
	case domain.StatusDegraded:
		h.status.Store(1)
	case domain.StatusUnhealthy:
		h.status.Store(2)
	default:
		h.status.Store(0)
	}
}

func (h *HealthResponder) currentStatus() domain.AgentStatus {
	switch h.status.Load() {
	case 1:
		return domain.StatusDegraded
	case 2:
		return domain.StatusUnhealthy
	default:
		return domain.StatusOK
	}
}

// Report собирает свежий HealthReport. Ошибки сбора системных метрик
// не фатальны: проба важнее полноты метрик.
func (h *HealthResponder) Report() domain.HealthReport {
	metrics := map[string]interface{}{}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		metrics["cpu_percent"] = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		metrics["mem_used_percent"] = memInfo.UsedPercent
		metrics["mem_available_mb"] = float64(memInfo.Available) / 1024 / 1024
	}
	if h.inFlight != nil {
		metrics["requests_in_flight"] = h.inFlight.Load()
	}

	return domain.HealthReport{
		Status:        h.currentStatus(),
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Metrics:       metrics,
	}
}

func (h *HealthResponder) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	return r
}

func (h *HealthResponder) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.Report()

	code := http.StatusOK
	if report.Status == domain.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", zap.Error(err))
	}
}
