package domain

import "time"

type AgentStatus string

const (
	StatusOK        AgentStatus = "ok"        // Агент жив и принимает трафик
	StatusDegraded  AgentStatus = "degraded"  // Работает, но с деградацией (медленные ответы, частичные отказы)
	StatusUnhealthy AgentStatus = "unhealthy" // Не готов обслуживать запросы
)

// AgentIdentity — паспорт процесса-агента. Заполняется один раз на старте
// и не меняется до завершения процесса.
type AgentIdentity struct {
	Name       string `json:"name"`        // Уникальное имя в рамках флота (например, "translator-gpu-0")
	Host       string `json:"host"`        // Адрес машины
	MainPort   int    `json:"port"`        // Основной (бизнесовый) порт
	HealthPort int    `json:"health_port"` // Отдельный порт для health-проб
}

// RegistryEntry — запись каталога сервисов. Владелец — только реестр:
// мутации идут исключительно через Register/Deregister/Heartbeat.
type RegistryEntry struct {
	Identity     AgentIdentity `json:"identity"`
	Capabilities []string      `json:"capabilities"` // Что агент умеет ("translate", "vision", ...)
	RegisteredAt time.Time     `json:"registered_at"`
	LastSeen     time.Time     `json:"last_seen"` // Обновляется heartbeat-ом; по нему считается staleness
}

// HealthReport — снимок состояния агента на момент опроса.
// Никуда не персистится, живет только как «последний известный» снапшот.
type HealthReport struct {
	Status        AgentStatus            `json:"status"`
	Timestamp     time.Time              `json:"timestamp"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"` // Произвольные метрики (cpu, mem, очереди)
}
