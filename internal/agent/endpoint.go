package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/wire"
)

// HandlerFunc обрабатывает один бизнес-запрос агента: кадр на входе,
// кадр на выходе. Содержимое кадров endpoint не интерпретирует.
type HandlerFunc func(ctx context.Context, request []byte) ([]byte, error)

// Endpoint — основной (бизнесовый) endpoint агента: length-prefixed
// кадры поверх TCP. Каждое соединение обслуживается в своей горутине,
// поэтому медленный запрос не мешает ни соседям, ни health-пробам.
type Endpoint struct {
	handler HandlerFunc
	logger  *zap.Logger
	timeout time.Duration

	// InFlight и Blocked читаются из других горутин (health, kill-switch).
	InFlight atomic.Int64
	Blocked  atomic.Bool
}

func NewEndpoint(handler HandlerFunc, timeout time.Duration, logger *zap.Logger) *Endpoint {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Endpoint{
		handler: handler,
		logger:  logger.Named("endpoint"),
		timeout: timeout,
	}
}

// Serve принимает соединения до отмены ctx.
func (e *Endpoint) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go e.handleConn(ctx, conn)
	}
}

func (e *Endpoint) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		request, err := wire.ReadFrame(conn)
		if err != nil {
			// Обычное закрытие соединения клиентом — не событие.
			return
		}

		reply, err := e.process(ctx, request)
		if err != nil {
			e.logger.Warn("request failed", zap.Error(err))
			reply = []byte(`{"error":"` + err.Error() + `"}`)
		}

		conn.SetWriteDeadline(time.Now().Add(e.timeout))
		if err := wire.WriteFrame(conn, reply); err != nil {
			e.logger.Warn("failed to write reply", zap.Error(err))
			return
		}
	}
}

func (e *Endpoint) process(ctx context.Context, request []byte) ([]byte, error) {
	if e.Blocked.Load() {
		return nil, errors.New("agent is blocked by operator")
	}

	e.InFlight.Add(1)
	defer e.InFlight.Add(-1)

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	return e.handler(reqCtx, request)
}
