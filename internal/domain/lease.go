package domain

import "time"

// GpuLease — временная аренда куска VRAM одним клиентом.
// Создает и владеет ею исключительно сервер-арбитр; клиент видит только lease_id.
type GpuLease struct {
	ID             string        `json:"lease_id"` // Непрозрачный токен (UUID)
	ClientName     string        `json:"client_name"`
	ModelName      string        `json:"model_name"`
	VRAMEstimateMB int64         `json:"vram_estimate_mb"`
	Priority       int           `json:"priority"` // Меньше = важнее (advisory, см. арбитра)
	TTL            time.Duration `json:"ttl_seconds"`
	GrantedAt      time.Time     `json:"granted_at"`
}

// Expired — истек ли срок аренды. После этого сервер вправе забрать VRAM
// обратно даже без явного Release (защита от упавших клиентов).
func (l *GpuLease) Expired(now time.Time) bool {
	return now.After(l.GrantedAt.Add(l.TTL))
}

// --- Wire-сообщения протокола аренды ---

type GpuLeaseRequest struct {
	Client         string `json:"client"`
	ModelName      string `json:"model_name"`
	VRAMEstimateMB int64  `json:"vram_estimate_mb"`
	Priority       int    `json:"priority"`
	TTLSeconds     int    `json:"ttl_seconds"`
}

type GpuLeaseReply struct {
	Granted      bool   `json:"granted"`
	LeaseID      string `json:"lease_id,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"` // Подсказка: раньше этого смысла повторять нет
}

type GpuLeaseRelease struct {
	LeaseID string `json:"lease_id"`
}
