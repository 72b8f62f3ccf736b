package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
)

// BreakerSet — таблица именованных предохранителей одного процесса.
// Состояние шарится между всеми вызывающими одной зависимости, но разные
// зависимости отказывают независимо: никакого глобального circuit-а.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]infra.BreakerConfig
	defaults infra.BreakerConfig
	logger   *zap.Logger
	metrics  *infra.Metrics
}

func NewBreakerSet(configs map[string]infra.BreakerConfig, logger *zap.Logger, metrics *infra.Metrics) *BreakerSet {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  configs,
		defaults: infra.BreakerConfig{
			FailureThreshold: 5,
			TimeoutDuration:  30 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
		logger:  logger.Named("breaker"),
		metrics: metrics,
	}
}

// breaker лениво создает предохранитель под именем зависимости.
func (s *BreakerSet) breaker(name string) (*gobreaker.CircuitBreaker, infra.BreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[name]
	if !ok {
		cfg = s.defaults
	}
	if cb, ok := s.breakers[name]; ok {
		return cb, cfg
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // half-open: ровно один пробный вызов
		Interval:    60 * time.Second,
		Timeout:     cfg.TimeoutDuration, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// В логах open-состояние должно отличаться от настоящего отказа зависимости
			s.logger.Warn("circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			s.metrics.CircuitBreakerState.WithLabelValues(name).Set(stateGauge(to))
		},
	})
	s.breakers[name] = cb
	return cb, cfg
}

func stateGauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Execute пропускает вызов через предохранитель name, навешивая на него
// собственный request_timeout. Таймаут считается отказом и двигает счетчик.
func (s *BreakerSet) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cb, cfg := s.breaker(name)

	_, err := cb.Execute(func() (interface{}, error) {
		tCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()

		callErr := fn(tCtx)
		if callErr != nil && (errors.Is(callErr, context.DeadlineExceeded) || errors.Is(tCtx.Err(), context.DeadlineExceeded)) {
			return nil, domain.ErrTimeout
		}
		return nil, callErr
	})

	// Открытый предохранитель — отдельный типизированный отказ,
	// downstream даже не вызывался
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrDependencyUnavailable
	}
	return err
}

// State отдает текущее состояние предохранителя (для админки и тестов).
func (s *BreakerSet) State(name string) gobreaker.State {
	cb, _ := s.breaker(name)
	return cb.State()
}
