package resilience

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/aifleet-control-plane/internal/infra"
)

// Protector — единая точка оборачивания исходящих вызовов процесса:
// rate limiter -> bulkhead (опционально) -> circuit breaker -> request_timeout.
// Сама операция передается значением; вся машина состояний живет снаружи
// от оборачиваемой функции.
type Protector struct {
	breakers *BreakerSet
	pools    *PoolSet
	limiter  *rate.Limiter
}

func NewProtector(cfg *infra.Config, logger *zap.Logger, metrics *infra.Metrics) *Protector {
	return &Protector{
		breakers: NewBreakerSet(cfg.Breakers, logger, metrics),
		pools:    NewPoolSet(cfg.Pools, logger, metrics),
		limiter:  rate.NewLimiter(rate.Limit(100), 20),
	}
}

// Call защищает один исходящий вызов. breakerName обязателен, poolName
// пустой — значит без bulkhead-изоляции.
func (p *Protector) Call(ctx context.Context, breakerName, poolName string, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker (внутри него — per-call таймаут)
	protected := func(ctx context.Context) error {
		return p.breakers.Execute(ctx, breakerName, fn)
	}

	// 3. Bulkhead, если вызов идет к лимитируемому ресурсу
	if poolName != "" {
		return p.pools.Pool(poolName).Run(ctx, protected)
	}
	return protected(ctx)
}

// Breakers открывает доступ к таблице предохранителей (админка, тесты).
func (p *Protector) Breakers() *BreakerSet { return p.breakers }

// Pools открывает доступ к таблице пулов.
func (p *Protector) Pools() *PoolSet { return p.pools }
