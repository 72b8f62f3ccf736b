package infra

import "fmt"

const (
	// BusNamespace — базовый префикс для изоляции данных флота в Redis
	BusNamespace = "aifleet"
)

// Ключи для Sets (состояние)
const (
	BusKeyBlockedAgents = BusNamespace + ":agents:blocked_set"
)

// Каналы Pub/Sub (события)
const (
	// BusChanMembership — трансляция изменений каталога: "name:joined" / "name:left".
	BusChanMembership = BusNamespace + ":registry:membership"
	BusChanKillSwitch = BusNamespace + ":agents:kill-switch-signal"

	// BusChanTelemetry — зеркало метрик, не зависящее от доступности хабов.
	BusChanTelemetry = BusNamespace + ":telemetry:snapshots"

	// BusChanRouter — команды раскатки трафика: "frontend_port:percent".
	// Роутер применяет их без рестарта.
	BusChanRouter = BusNamespace + ":router:traffic"
)

// BusChanAgent Генератор именованных каналов per-agent (если нужны адресные сигналы)
func BusChanAgent(name string) string {
	return fmt.Sprintf("%s:agents:%s:signal", BusNamespace, name)
}
