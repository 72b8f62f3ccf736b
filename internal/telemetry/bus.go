package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
)

// Bus — общая pub/sub шина флота поверх Redis. Зеркалирование в шину
// независимо от HTTP-доставки в хабы: подписчики не завязаны на то,
// жив ли хоть один хаб.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewBus(rdb *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger.Named("bus")}
}

// Publish сериализует data в JSON и публикует на subject.
// Недоступная шина — это ErrBusUnavailable, НЕ эквивалент отказа хаба.
func (b *Bus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal bus payload: %w", err)
	}

	if err := b.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		b.logger.Warn("bus publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrBusUnavailable, err)
	}
	return nil
}

// Listen — универсальный цикл "живучей" подписки на канал шины.
// Обрабатывает переподключения, логирование и передачу сырого payload.
// onReconnect вызывается при каждом успешном коннекте — точка для
// ресинхронизации состояния подписчика.
func (b *Bus) Listen(
	ctx context.Context,
	channel string,
	onReconnect func() error,
	onMessage func(payload string),
) {
	for {
		pubsub := b.rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			b.logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			pubsub.Close()

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Синхронизация (Init) при каждом успешном коннекте
		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				b.logger.Error("sync failed on reconnect", zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}

// ParseSignal разбирает сигналы формата "agent_name:flag"
// (членство в каталоге, kill-switch). Гибкий парсинг флага: true/on.
func ParseSignal(payload string) (name string, flag bool, ok bool) {
	for i := len(payload) - 1; i >= 0; i-- {
		if payload[i] == ':' {
			v := payload[i+1:]
			return payload[:i], v == "true" || v == "on" || v == "joined", true
		}
	}
	return "", false, false
}
