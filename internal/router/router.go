package router

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/wire"
)

// Resolver отдает актуальный адрес агента из каталога сервисов.
// Реализуется registry.Client.
type Resolver interface {
	Lookup(ctx context.Context, name string) (domain.AgentIdentity, error)
}

// Router — взвешенный прокси перед двумя поколениями одного сервиса.
// На каждый запрос бросается кубик [1,100]: выпало не больше текущего
// процента — кадр уходит в новый бэкенд, иначе в легаси. Никакой
// session affinity, решение всегда per-request.
//
// В полезную нагрузку роутер не заглядывает: кадры пересылаются
// байт-в-байт в обе стороны.
type Router struct {
	cfg      *infra.Config
	resolver Resolver // nil — адреса только из конфига
	logger   *zap.Logger
	metrics  *infra.Metrics

	// dice подменяется в тестах детерминированным источником
	dice func() int

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(cfg *infra.Config, resolver Resolver, logger *zap.Logger, metrics *infra.Metrics) *Router {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	rt := &Router{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger.Named("router"),
		metrics:  metrics,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	rt.dice = rt.roll
	return rt
}

func (rt *Router) roll() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rnd.Intn(100) + 1
}

// Start поднимает слушателя на каждом сконфигурированном фронтенде.
func (rt *Router) Start(ctx context.Context) error {
	if len(rt.cfg.Router.Frontends) == 0 {
		return fmt.Errorf("router: no frontends configured")
	}

	for key, fe := range rt.cfg.Router.Frontends {
		if fe.FrontendPort == 0 {
			if p, err := strconv.Atoi(key); err == nil {
				fe.FrontendPort = p
			}
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", fe.FrontendPort))
		if err != nil {
			return fmt.Errorf("router: listen frontend %d: %w", fe.FrontendPort, err)
		}

		rt.logger.Info("frontend listening",
			zap.Int("port", fe.FrontendPort),
			zap.Int("legacy_backend", fe.LegacyBackendPort),
			zap.Int("new_backend", fe.NewBackendPort))

		go rt.ServeListener(ctx, fe, ln)
	}
	return nil
}

// ServeListener гоняет accept-цикл одного фронтенда (отдельно от Start,
// чтобы тесты могли подсовывать свои листенеры).
func (rt *Router) ServeListener(ctx context.Context, fe infra.FrontendConfig, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			rt.logger.Error("accept failed", zap.Error(err))
			return
		}
		go rt.handleConn(fe, conn)
	}
}

// handleConn обслуживает одно клиентское соединение: кадр за кадром,
// каждый запрос — свое короткоживущее соединение к выбранному бэкенду.
func (rt *Router) handleConn(fe infra.FrontendConfig, conn net.Conn) {
	defer conn.Close()

	timeout := rt.cfg.Router.ForwardTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for {
		request, err := wire.ReadFrame(conn)
		if err != nil {
			return // Клиент закрылся или прислал мусор
		}

		reply, backend, err := rt.forward(fe, request, timeout)
		if err != nil {
			rt.logger.Error("forward failed",
				zap.Int("frontend", fe.FrontendPort),
				zap.String("backend", backend),
				zap.Error(err))
			return
		}

		if err := wire.WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

// forward выбирает бэкенд и делает синхронный round-trip.
func (rt *Router) forward(fe infra.FrontendConfig, request []byte, timeout time.Duration) ([]byte, string, error) {
	addr, generation := rt.pickBackend(fe)
	rt.metrics.RoutedRequests.WithLabelValues(strconv.Itoa(fe.FrontendPort), generation).Inc()

	backend, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, addr, fmt.Errorf("dial backend: %w", err)
	}
	defer backend.Close()

	deadline := time.Now().Add(timeout)
	_ = backend.SetDeadline(deadline)

	if err := wire.WriteFrame(backend, request); err != nil {
		return nil, addr, fmt.Errorf("forward request: %w", err)
	}
	reply, err := wire.ReadFrame(backend)
	if err != nil {
		return nil, addr, fmt.Errorf("read backend reply: %w", err)
	}
	return reply, addr, nil
}

// pickBackend бросает кубик против СВЕЖЕГО процента: значение читается
// на каждом запросе, оператор двигает его без рестарта.
func (rt *Router) pickBackend(fe infra.FrontendConfig) (addr string, generation string) {
	host := fe.BackendHost
	if host == "" {
		host = "127.0.0.1"
	}

	percent := rt.cfg.LiveTrafficPercent(fe.FrontendPort)
	if rt.dice() <= percent {
		return rt.resolveBackend(fe.NewAgent, host, fe.NewBackendPort), "new"
	}
	return rt.resolveBackend(fe.LegacyAgent, host, fe.LegacyBackendPort), "legacy"
}

// resolveBackend спрашивает адрес у реестра, конфиг — запасной вариант:
// агент не назван, реестр недоступен или записи нет.
func (rt *Router) resolveBackend(agent, fallbackHost string, fallbackPort int) string {
	if agent != "" && rt.resolver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		identity, err := rt.resolver.Lookup(ctx, agent)
		if err == nil {
			return net.JoinHostPort(identity.Host, strconv.Itoa(identity.MainPort))
		}
		rt.logger.Warn("registry lookup failed, falling back to config",
			zap.String("agent", agent),
			zap.Error(err))
	}
	return net.JoinHostPort(fallbackHost, strconv.Itoa(fallbackPort))
}
