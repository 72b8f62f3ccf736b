package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/registry"
	"github.com/xela07ax/aifleet-control-plane/internal/telemetry"
)

// Runtime связывает жизненный цикл агента с реестром: регистрация на
// старте, heartbeat-ы в фоне, дерегистрация на выходе, подписка на
// kill-switch через шину.
type Runtime struct {
	identity     domain.AgentIdentity
	capabilities []string

	registry  *registry.Client
	bus       *telemetry.Bus
	rdb       *redis.Client
	health    *HealthResponder
	endpoint  *Endpoint
	logger    *zap.Logger
	heartbeat time.Duration

	wg sync.WaitGroup
}

func NewRuntime(
	cfg infra.AgentConfig,
	reg *registry.Client,
	bus *telemetry.Bus,
	rdb *redis.Client,
	health *HealthResponder,
	endpoint *Endpoint,
	logger *zap.Logger,
) *Runtime {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 10 * time.Second
	}
	return &Runtime{
		identity: domain.AgentIdentity{
			Name:       cfg.Name,
			Host:       cfg.Host,
			MainPort:   cfg.MainPort,
			HealthPort: cfg.HealthPort,
		},
		capabilities: cfg.Capabilities,
		registry:     reg,
		bus:          bus,
		rdb:          rdb,
		health:       health,
		endpoint:     endpoint,
		logger:       logger.Named("runtime"),
		heartbeat:    hb,
	}
}

// Start регистрирует агента и запускает фоновые циклы. Недоступный
// реестр после исчерпания попыток — фатальная ошибка старта.
func (rt *Runtime) Start(ctx context.Context) error {
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return rt.registry.Register(ctx, rt.identity, rt.capabilities)
	})
	if err != nil {
		return fmt.Errorf("register in fleet: %w", err)
	}
	rt.logger.Info("registered in fleet",
		zap.String("agent", rt.identity.Name),
		zap.Int("port", rt.identity.MainPort))

	rt.wg.Add(1)
	go rt.heartbeatLoop(ctx)

	if rt.bus != nil {
		rt.wg.Add(1)
		go rt.killSwitchLoop(ctx)
	}
	return nil
}

// Stop дерегистрирует агента и дожидается фоновых циклов. Вызывается
// после отмены ctx, поэтому дерегистрация идет со своим таймаутом.
func (rt *Runtime) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rt.registry.Deregister(ctx, rt.identity.Name); err != nil {
		rt.logger.Warn("deregister failed, registry will expire us", zap.Error(err))
	} else {
		rt.logger.Info("deregistered from fleet", zap.String("agent", rt.identity.Name))
	}
	rt.wg.Wait()
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	defer rt.wg.Done()

	ticker := time.NewTicker(rt.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := rt.registry.Heartbeat(ctx, rt.identity.Name)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrNotFound):
				// Реестр нас забыл (например, после рестарта) —
				// штатный путь восстановления это перерегистрация.
				rt.logger.Warn("registry lost us, re-registering")
				if rerr := rt.registry.Register(ctx, rt.identity, rt.capabilities); rerr != nil {
					rt.logger.Error("re-register failed", zap.Error(rerr))
				}
			default:
				rt.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// killSwitchLoop держит живую подписку на канал блокировок и
// синхронизирует стартовое состояние из набора в Redis при каждом
// (пере)подключении.
func (rt *Runtime) killSwitchLoop(ctx context.Context) {
	defer rt.wg.Done()

	rt.bus.Listen(ctx, infra.BusChanKillSwitch,
		func() error {
			blocked, err := rt.rdb.SMembers(ctx, infra.BusKeyBlockedAgents).Result()
			if err != nil {
				return fmt.Errorf("sync blocked set: %w", err)
			}
			rt.applyBlocked(contains(blocked, rt.identity.Name))
			return nil
		},
		func(payload string) {
			name, flag, ok := telemetry.ParseSignal(payload)
			if !ok || name != rt.identity.Name {
				return
			}
			rt.applyBlocked(flag)
		},
	)
}

func (rt *Runtime) applyBlocked(blocked bool) {
	if rt.endpoint.Blocked.Swap(blocked) == blocked {
		return
	}
	if blocked {
		rt.logger.Warn("agent blocked by kill-switch")
		rt.health.SetStatus(domain.StatusDegraded)
	} else {
		rt.logger.Info("agent unblocked")
		rt.health.SetStatus(domain.StatusOK)
	}
}

func contains(items []string, target string) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}
