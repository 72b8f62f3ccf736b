package domain

import (
	"errors"
	"fmt"
	"time"
)

// Базовая таксономия ошибок ядра. Проверять через errors.Is / errors.As,
// а не сравнением строк.
var (
	// ErrNotFound — неизвестное имя агента или lease_id. Для Release это
	// не ошибка вовсе (идемпотентность), для Lookup — типизированный отказ.
	ErrNotFound = errors.New("not found")

	// ErrTimeout — любое ограниченное ожидание вышло за предел.
	// Для circuit breaker-а считается полноценным отказом.
	ErrTimeout = errors.New("operation timed out")

	// ErrBusUnavailable — общая шина pub/sub недоступна. Независима от
	// HTTP-отказов хабов: шина может лежать при живых хабах и наоборот.
	ErrBusUnavailable = errors.New("message bus unavailable")
)

// CapacityError — арбитр отказал: бюджет VRAM не вмещает запрос.
// Это НЕ поломка, а самозащита; в логах различается от настоящих отказов.
// RetryAfter используется клиентом как нижняя граница паузы перед ретраем
// (та же механика, что Retry-After у HTTP 429).
type CapacityError struct {
	Requested  int64 // Сколько просили, MB
	Available  int64 // Сколько оставалось, MB
	RetryAfter time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("vram capacity exceeded: requested %dMB, available %dMB (retry after %v)",
		e.Requested, e.Available, e.RetryAfter)
}
