package lease

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/journal"
)

// Recorder — подмножество журнала, нужное арбитру.
type Recorder interface {
	Record(kind journal.Kind, agentName string, detail map[string]interface{})
}

// Arbiter — единственный владелец бюджета VRAM. Решение о допуске
// сериализовано одним мьютексом: инвариант "сумма выданного не превышает
// бюджет" держится в любой точке времени, без оптимистичных апдейтов.
type Arbiter struct {
	mu       sync.Mutex
	budgetMB int64
	leasedMB int64
	leases   map[string]*domain.GpuLease

	defaultTTL time.Duration
	metrics    *infra.Metrics
	journal    Recorder
	logger     *zap.Logger
}

func NewArbiter(budgetMB int64, defaultTTL time.Duration, rec Recorder, logger *zap.Logger, metrics *infra.Metrics) *Arbiter {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &Arbiter{
		budgetMB:   budgetMB,
		leases:     make(map[string]*domain.GpuLease),
		defaultTTL: defaultTTL,
		metrics:    metrics,
		journal:    rec,
		logger:     logger.Named("lease-arbiter"),
	}
}

// Acquire выдает аренду, если бюджет вмещает запрос, иначе возвращает
// *domain.CapacityError с подсказкой retry_after.
func (a *Arbiter) Acquire(req domain.GpuLeaseRequest) (*domain.GpuLease, error) {
	if req.VRAMEstimateMB <= 0 {
		return nil, fmt.Errorf("vram_estimate_mb must be positive, got %d", req.VRAMEstimateMB)
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = a.defaultTTL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Ленивое истечение: прежде чем отказывать, выкидываем протухшее.
	// Так Acquire, который блокировала мертвая аренда, проходит сразу.
	a.reclaimLocked(time.Now())

	available := a.budgetMB - a.leasedMB
	if req.VRAMEstimateMB > available {
		retryAfter := a.retryHintLocked(req.Priority)
		a.metrics.LeaseDenials.Inc()
		a.journal.Record(journal.KindLeaseDenied, req.Client, map[string]interface{}{
			"model":        req.ModelName,
			"requested_mb": req.VRAMEstimateMB,
			"available_mb": available,
		})
		// Warn, не Error: отказ по бюджету — здоровая самозащита
		a.logger.Warn("lease denied: budget pressure",
			zap.String("client", req.Client),
			zap.Int64("requested_mb", req.VRAMEstimateMB),
			zap.Int64("available_mb", available),
			zap.Duration("retry_after", retryAfter))
		return nil, &domain.CapacityError{
			Requested:  req.VRAMEstimateMB,
			Available:  available,
			RetryAfter: retryAfter,
		}
	}

	lease := &domain.GpuLease{
		ID:             uuid.New().String(),
		ClientName:     req.Client,
		ModelName:      req.ModelName,
		VRAMEstimateMB: req.VRAMEstimateMB,
		Priority:       req.Priority,
		TTL:            ttl,
		GrantedAt:      time.Now(),
	}
	a.leases[lease.ID] = lease
	a.leasedMB += lease.VRAMEstimateMB
	a.metrics.LeasedVRAM.Set(float64(a.leasedMB))

	a.journal.Record(journal.KindLeaseGranted, req.Client, map[string]interface{}{
		"lease_id": lease.ID,
		"model":    req.ModelName,
		"vram_mb":  lease.VRAMEstimateMB,
		"ttl":      ttl.String(),
	})
	a.logger.Info("lease granted",
		zap.String("lease_id", lease.ID),
		zap.String("client", req.Client),
		zap.Int64("vram_mb", lease.VRAMEstimateMB))

	granted := *lease
	return &granted, nil
}

// Release — идемпотентный возврат VRAM. Неизвестный или уже отданный
// lease_id — no-op: клиент мог проиграть гонку TTL-reclaim-у, это не ошибка.
func (a *Arbiter) Release(leaseID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.leases[leaseID]
	if !ok {
		return
	}
	delete(a.leases, leaseID)
	a.leasedMB -= lease.VRAMEstimateMB
	a.metrics.LeasedVRAM.Set(float64(a.leasedMB))

	a.journal.Record(journal.KindLeaseReleased, lease.ClientName, map[string]interface{}{
		"lease_id": leaseID,
		"vram_mb":  lease.VRAMEstimateMB,
	})
	a.logger.Info("lease released", zap.String("lease_id", leaseID))
}

// ReclaimExpired возвращает VRAM всех арендаторов с истекшим TTL.
// Это единственный механизм очистки после упавших клиентов.
func (a *Arbiter) ReclaimExpired(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reclaimLocked(now)
}

func (a *Arbiter) reclaimLocked(now time.Time) int {
	reclaimed := 0
	for id, lease := range a.leases {
		if !lease.Expired(now) {
			continue
		}
		delete(a.leases, id)
		a.leasedMB -= lease.VRAMEstimateMB
		reclaimed++

		a.metrics.LeaseReclaims.Inc()
		a.journal.Record(journal.KindLeaseReclaimed, lease.ClientName, map[string]interface{}{
			"lease_id": id,
			"vram_mb":  lease.VRAMEstimateMB,
		})
		a.logger.Warn("lease reclaimed by TTL",
			zap.String("lease_id", id),
			zap.String("client", lease.ClientName))
	}
	if reclaimed > 0 {
		a.metrics.LeasedVRAM.Set(float64(a.leasedMB))
	}
	return reclaimed
}

// retryHintLocked — когда просителю имеет смысл вернуться: к моменту
// ближайшего истечения TTL. Приоритет advisory: чем больше номер (менее
// срочный клиент), тем дальше отодвигаем его ретрай, так срочные
// фактически получают освободившуюся емкость первыми.
func (a *Arbiter) retryHintLocked(priority int) time.Duration {
	const (
		floor   = 250 * time.Millisecond
		ceiling = 2 * time.Second
	)

	hint := ceiling
	now := time.Now()
	for _, lease := range a.leases {
		until := lease.GrantedAt.Add(lease.TTL).Sub(now)
		if until < hint {
			hint = until
		}
	}
	if priority > 0 {
		hint += time.Duration(priority) * 50 * time.Millisecond
	}
	if hint < floor {
		hint = floor
	}
	if hint > ceiling {
		hint = ceiling
	}
	return hint
}

// Snapshot отдает копии активных аренд, отсортированные по времени выдачи.
func (a *Arbiter) Snapshot() []domain.GpuLease {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.GpuLease, 0, len(a.leases))
	for _, lease := range a.leases {
		out = append(out, *lease)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out
}

// LeasedMB — сколько VRAM выдано сейчас (для тестов и админки).
func (a *Arbiter) LeasedMB() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leasedMB
}

// StartSweeper запускает периодический TTL-reclaim.
func (a *Arbiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.ReclaimExpired(now)
		}
	}
}
