package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
)

// Bulkhead ограничивает число одновременных вызовов к именованному ресурсу.
// Слот выдается и возвращается только внутри Run: забыть release
// структурно невозможно, это не вопрос дисциплины вызывающего.
type Bulkhead interface {
	// Run выполняет fn под слотом пула. Возвращает ErrBulkheadFull при
	// переполнении очереди и domain.ErrTimeout при истекшем ожидании.
	Run(ctx context.Context, fn func(ctx context.Context) error) error
	Name() string
}

// --- Стратегия "semaphore": вызывающий ждет слот в своей горутине ---

type semaphoreBulkhead struct {
	name       string
	slots      chan struct{}
	queueLimit int
	timeout    time.Duration

	mu      sync.Mutex
	waiting int

	metrics *infra.Metrics
	logger  *zap.Logger
}

func (b *semaphoreBulkhead) Name() string { return b.name }

func (b *semaphoreBulkhead) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	b.metrics.BulkheadInFlight.WithLabelValues(b.name).Inc()

	// Возврат слота на ЛЮБОМ пути выхода, включая панику внутри fn
	defer func() {
		<-b.slots
		b.metrics.BulkheadInFlight.WithLabelValues(b.name).Dec()
	}()

	return fn(ctx)
}

func (b *semaphoreBulkhead) acquire(ctx context.Context) error {
	// 1. Быстрый путь: свободный слот есть прямо сейчас
	select {
	case b.slots <- struct{}{}:
		return nil
	default:
	}

	// 2. Слотов нет. Очередь ограничена: при max_queue_size=0 отказ мгновенный.
	b.mu.Lock()
	if b.waiting >= b.queueLimit {
		b.mu.Unlock()
		b.metrics.BulkheadRejects.WithLabelValues(b.name).Inc()
		b.logger.Warn("bulkhead reject", zap.String("pool", b.name))
		return ErrBulkheadFull
	}
	b.waiting++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.waiting--
		b.mu.Unlock()
	}()

	// 3. Ограниченное ожидание в очереди
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrTimeout
	case <-ctx.Done():
		return domain.ErrTimeout
	}
}

// --- Стратегия "worker_pool": задачи исполняет изолированный пул горутин ---
// Насыщение одного ресурса не может съесть горутины вызывающих другого:
// у каждого пула свои воркеры.

type poolTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type workerBulkhead struct {
	name     string
	tasks    chan poolTask
	capacity int64 // воркеры + очередь
	occupied atomic.Int64
	timeout  time.Duration
	metrics  *infra.Metrics
	logger   *zap.Logger
}

func (b *workerBulkhead) Name() string { return b.name }

func (b *workerBulkhead) start(workers int) {
	for i := 0; i < workers; i++ {
		go func() {
			for t := range b.tasks {
				b.metrics.BulkheadInFlight.WithLabelValues(b.name).Inc()
				t.done <- t.fn(t.ctx)
				b.occupied.Add(-1)
				b.metrics.BulkheadInFlight.WithLabelValues(b.name).Dec()
			}
		}()
	}
}

func (b *workerBulkhead) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	// Занятость считаем явно (в очереди + в работе): отказ только при
	// настоящем насыщении, а не когда планировщик еще не разбудил воркера
	if b.occupied.Add(1) > b.capacity {
		b.occupied.Add(-1)
		b.metrics.BulkheadRejects.WithLabelValues(b.name).Inc()
		b.logger.Warn("bulkhead reject", zap.String("pool", b.name))
		return ErrBulkheadFull
	}

	t := poolTask{ctx: ctx, fn: fn, done: make(chan error, 1)}
	// Буфер канала равен capacity, при принятой задаче отправка не блокирует
	b.tasks <- t

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case err := <-t.done:
		return err
	case <-timer.C:
		return domain.ErrTimeout
	case <-ctx.Done():
		return domain.ErrTimeout
	}
}

// --- Таблица пулов процесса ---

type PoolSet struct {
	mu      sync.Mutex
	pools   map[string]Bulkhead
	configs map[string]infra.BulkheadConfig
	logger  *zap.Logger
	metrics *infra.Metrics
}

func NewPoolSet(configs map[string]infra.BulkheadConfig, logger *zap.Logger, metrics *infra.Metrics) *PoolSet {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &PoolSet{
		pools:   make(map[string]Bulkhead),
		configs: configs,
		logger:  logger.Named("bulkhead"),
		metrics: metrics,
	}
}

// Pool отдает (лениво создавая) пул под именем ресурса.
func (s *PoolSet) Pool(name string) Bulkhead {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pools[name]; ok {
		return p
	}

	cfg, ok := s.configs[name]
	if !ok {
		cfg = infra.BulkheadConfig{MaxConcurrent: 10, MaxQueueSize: 0, Timeout: 5 * time.Second}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	var p Bulkhead
	switch cfg.Strategy {
	case "worker_pool":
		capacity := cfg.MaxConcurrent + cfg.MaxQueueSize
		wb := &workerBulkhead{
			name:     name,
			tasks:    make(chan poolTask, capacity),
			capacity: int64(capacity),
			timeout:  cfg.Timeout,
			metrics:  s.metrics,
			logger:   s.logger,
		}
		wb.start(cfg.MaxConcurrent)
		p = wb
	default:
		p = &semaphoreBulkhead{
			name:       name,
			slots:      make(chan struct{}, cfg.MaxConcurrent),
			queueLimit: cfg.MaxQueueSize,
			timeout:    cfg.Timeout,
			metrics:    s.metrics,
			logger:     s.logger,
		}
	}

	s.pools[name] = p
	return p
}
