package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
)

func testPoolSet(cfg infra.BulkheadConfig) *PoolSet {
	return NewPoolSet(map[string]infra.BulkheadConfig{"gpu": cfg}, zap.NewNop(), infra.NewMetrics(nil))
}

func TestBulkheadRejectsWhenSaturatedNoQueue(t *testing.T) {
	ps := testPoolSet(infra.BulkheadConfig{MaxConcurrent: 2, MaxQueueSize: 0, Timeout: time.Second})
	pool := ps.Pool("gpu")

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(context.Background(), func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	// Дожидаемся, пока оба слота реально заняты
	<-started
	<-started

	// Третий вызов при max_queue_size=0 отбивается сразу, без блокировки
	begin := time.Now()
	err := pool.Run(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrBulkheadFull)
	require.Less(t, time.Since(begin), 100*time.Millisecond)

	close(release)
	wg.Wait()
}

func TestBulkheadQueueWaitsThenTimesOut(t *testing.T) {
	ps := testPoolSet(infra.BulkheadConfig{MaxConcurrent: 1, MaxQueueSize: 1, Timeout: 100 * time.Millisecond})
	pool := ps.Pool("gpu")

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = pool.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Второй встает в очередь и выходит по таймауту
	err := pool.Run(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, domain.ErrTimeout)

	close(release)
}

func TestBulkheadReleasesSlotOnFailurePath(t *testing.T) {
	ps := testPoolSet(infra.BulkheadConfig{MaxConcurrent: 1, MaxQueueSize: 0, Timeout: time.Second})
	pool := ps.Pool("gpu")

	boom := func(ctx context.Context) error { return context.Canceled }

	// Слот обязан вернуться и на ошибочном пути — иначе второй вызов не пройдет
	require.Error(t, pool.Run(context.Background(), boom))
	require.NoError(t, pool.Run(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestWorkerPoolAcceptsTasksWhileIdle(t *testing.T) {
	ps := NewPoolSet(map[string]infra.BulkheadConfig{
		"gpu": {MaxConcurrent: 2, MaxQueueSize: 0, Timeout: time.Second, Strategy: "worker_pool"},
	}, zap.NewNop(), infra.NewMetrics(nil))
	pool := ps.Pool("gpu")

	// Свежий пул без очереди обязан принимать задачи, пока воркеры
	// свободны: отказ допустим только при занятых слотах, а не потому,
	// что воркер еще не успел встать на прием
	for i := 0; i < 20; i++ {
		err := pool.Run(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err, "idle pool rejected task %d", i)
	}
}

func TestWorkerPoolIsolatesResources(t *testing.T) {
	ps := NewPoolSet(map[string]infra.BulkheadConfig{
		"slow-api": {MaxConcurrent: 1, MaxQueueSize: 0, Timeout: time.Second, Strategy: "worker_pool"},
		"fast-api": {MaxConcurrent: 1, MaxQueueSize: 0, Timeout: time.Second, Strategy: "worker_pool"},
	}, zap.NewNop(), infra.NewMetrics(nil))

	release := make(chan struct{})
	started := make(chan struct{})

	// Насыщаем пул slow-api
	go func() {
		_ = ps.Pool("slow-api").Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Воркеры fast-api при этом свободны
	err := ps.Pool("fast-api").Run(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	// А slow-api отбивает новые задачи
	err = ps.Pool("slow-api").Run(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrBulkheadFull)

	close(release)
}
