package journal

import "time"

// Kind — класс события control plane.
type Kind string

const (
	KindAgentRegistered   Kind = "agent_registered"
	KindAgentDeregistered Kind = "agent_deregistered"
	KindAgentExpired      Kind = "agent_expired" // Выпал по staleness, не по своей воле
	KindLeaseGranted      Kind = "lease_granted"
	KindLeaseDenied       Kind = "lease_denied" // Самозащита бюджета, не сбой
	KindLeaseReleased     Kind = "lease_released"
	KindLeaseReclaimed    Kind = "lease_reclaimed" // TTL истек без Release
	KindHubFailover       Kind = "hub_failover"
)

// Event — одна строка журнала. Detail — произвольный контекст
// (объем VRAM, адрес хаба и т.п.), уходит в jsonb.
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	AgentName string                 `json:"agent_name"`
	Detail    map[string]interface{} `json:"detail"`
	Timestamp time.Time              `json:"timestamp"`
}
