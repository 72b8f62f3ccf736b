package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Saturation: сколько VRAM роздано арбитром прямо сейчас
	LeasedVRAM prometheus.Gauge

	// Denials: отказы по бюджету — это самозащита, не поломка.
	// Отдельный счетчик, чтобы в алертах не путать с ошибками.
	LeaseDenials prometheus.Counter

	// Reclaims: принудительный возврат VRAM по истечении TTL
	LeaseReclaims prometheus.Counter

	// Состояние Circuit Breaker per имя зависимости (0 - closed, 1 - open, 2 - half-open)
	CircuitBreakerState *prometheus.GaugeVec

	// Bulkhead: занятые слоты и мгновенные отказы при переполнении
	BulkheadInFlight *prometheus.GaugeVec
	BulkheadRejects  *prometheus.CounterVec

	// Registry: размер каталога и выпавшие по staleness записи
	RegistrySize    prometheus.Gauge
	RegistryExpired prometheus.Counter

	// Telemetry: переключения активного хаба и потерянные публикации
	HubFailovers   prometheus.Counter
	PublishDropped prometheus.Counter

	// Router: развесовка фактического трафика по бэкендам
	RoutedRequests *prometheus.CounterVec

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		LeasedVRAM: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fleet_gpu_leased_vram_mb",
			Help: "Total VRAM currently granted to active leases, MB.",
		}),

		LeaseDenials: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fleet_gpu_lease_denials_total",
			Help: "Lease requests denied due to budget pressure.",
		}),

		LeaseReclaims: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fleet_gpu_lease_reclaims_total",
			Help: "Leases reclaimed by TTL without explicit release.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"breaker"}),

		BulkheadInFlight: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_bulkhead_in_flight",
			Help: "Calls currently holding a bulkhead slot.",
		}, []string{"pool"}),

		BulkheadRejects: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_bulkhead_rejects_total",
			Help: "Calls rejected because pool and queue were full.",
		}, []string{"pool"}),

		RegistrySize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fleet_registry_agents",
			Help: "Agents currently present in the service registry.",
		}),

		RegistryExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fleet_registry_expired_total",
			Help: "Registry entries dropped for missed heartbeats.",
		}),

		HubFailovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fleet_hub_failovers_total",
			Help: "Active telemetry hub switches.",
		}),

		PublishDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fleet_telemetry_dropped_total",
			Help: "Metric batches dropped after both hubs failed.",
		}),

		RoutedRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_router_requests_total",
			Help: "Requests forwarded per frontend port and backend generation.",
		}, []string{"frontend", "backend"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fleet_journal_buffer_utilization",
			Help: "Current number of events in journal buffer.",
		}),
	}
}
