package resilience

import "errors"

var (
	// ErrDependencyUnavailable — предохранитель открыт: даже не ходим
	// в зависимость, отказ мгновенный. Это штатная самозащита.
	ErrDependencyUnavailable = errors.New("dependency unavailable: circuit open")

	// ErrBulkheadFull — пул и его очередь заполнены. Деградируем быстро,
	// вместо того чтобы копить бесконечную очередь (backpressure).
	ErrBulkheadFull = errors.New("bulkhead rejected: pool saturated")
)
