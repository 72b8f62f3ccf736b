package journal

/*
Журнал событий control plane: кто регистрировался, кому выдали или не выдали
VRAM, когда переключился активный хаб. Пишется в PostgreSQL пачками.

Ключевые свойства:
- Non-blocking: горячий путь (регистрация, выдача аренды) не ждет базу —
  событие уходит в буферизованный канал.
- Batching: bulk insert по таймеру или при наборе пачки.
- Drain Pattern: при остановке канал запирается, воркер дочитывает остаток
  и делает финальный flush — события при перезапуске не теряются.
- Load Shedding: при переполненном буфере событие роняется в обычный лог,
  а не блокирует вызывающего.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/infra"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Nop — журнал-заглушка для запуска без PostgreSQL.
type Nop struct{}

func (Nop) Record(kind Kind, agentName string, detail map[string]interface{}) {}

type Journal struct {
	ch      chan Event
	repo    StorageInterface
	logger  *zap.Logger
	metrics *infra.Metrics
	flush   time.Duration
	wg      sync.WaitGroup

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Log после Stop
	isClosed int32
}

func New(repo StorageInterface, cfg infra.JournalConfig, logger *zap.Logger, metrics *infra.Metrics) *Journal {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 10000
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 500 * time.Millisecond
	}
	return &Journal{
		ch:      make(chan Event, size),
		repo:    repo,
		logger:  logger.With(zap.String("mod", "journal")),
		metrics: metrics,
		flush:   flush,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	atomic.StoreInt32(&j.isClosed, 1)

	// Крошечная пауза, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Record формирует и ставит событие в очередь. Никогда не блокирует.
func (j *Journal) Record(kind Kind, agentName string, detail map[string]interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		AgentName: agentName,
		Detail:    detail,
		Timestamp: time.Now(),
	}

	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("kind", string(kind)))
		return
	}

	select {
	case j.ch <- event:
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	default:
		// Backpressure: буфер полон, не встаем — фиксируем потерю в логе
		j.logger.Error("journal_buffer_overflow",
			zap.String("kind", string(kind)),
			zap.String("agent", agentName),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, 100)
	ticker := time.NewTicker(j.flush)
	defer ticker.Stop()

	flushBatch := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
				j.logger.Error("journal flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): дочитали остаток, финальный flush, выходим
				flushBatch()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				flushBatch()
			}
		case <-ticker.C:
			flushBatch()
		}
	}
}
