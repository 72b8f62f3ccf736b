package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/agent"
	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/journal"
	"github.com/xela07ax/aifleet-control-plane/internal/lease"
	"github.com/xela07ax/aifleet-control-plane/internal/registry"
	"github.com/xela07ax/aifleet-control-plane/internal/resilience"
	"github.com/xela07ax/aifleet-control-plane/internal/telemetry"
)

// agentd — референсный процесс-агент: health-проба на своем порту,
// бизнесовый endpoint с кадрами по TCP, аренда VRAM под каждый запрос
// и публикация телеметрии через координатор двух хабов.
func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Общий защитный слой для всех исходящих вызовов агента
	metrics := infra.NewMetrics(nil)
	protector := resilience.NewProtector(cfg, logger, metrics)

	regClient := registry.NewClient(cfg.Agent.RegistryURL, protector, logger)
	leaseClient := lease.NewClient(cfg.Lease, protector, logger)
	bus := telemetry.NewBus(rdb, logger)
	coordinator := telemetry.NewCoordinator(cfg.Hub, protector, journal.Nop{}, logger, metrics)

	// Бизнесовый endpoint: под каждый запрос арендуем VRAM, отдаем эхо
	// и возвращаем лизу. Реальный агент подставит сюда свою модель.
	endpoint := agent.NewEndpoint(func(ctx context.Context, request []byte) ([]byte, error) {
		leaseID, err := leaseClient.Acquire(ctx, domain.GpuLeaseRequest{
			Client:         cfg.Agent.Name,
			ModelName:      "default",
			VRAMEstimateMB: 4000,
			TTLSeconds:     60,
		})
		if err != nil {
			var cErr *domain.CapacityError
			if errors.As(err, &cErr) {
				return nil, fmt.Errorf("no GPU capacity, retry after %s", cErr.RetryAfter)
			}
			return nil, err
		}
		defer leaseClient.Release(context.Background(), leaseID)

		return request, nil
	}, cfg.Agent.RequestTimeout, logger)

	health := agent.NewHealthResponder(&endpoint.InFlight, logger)
	runtime := agent.NewRuntime(cfg.Agent, regClient, bus, rdb, health, endpoint, logger)

	// Health-сервер на отдельном listener-е: деление на порты гарантирует,
	// что занятый бизнес-тракт не мешает пробам
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Agent.HealthPort),
		Handler: health.Routes(),
	}
	go func() {
		log.Printf("agent health endpoint on %s", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("health listen: %v", err)
		}
	}()

	// Основной endpoint
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Agent.MainPort))
	if err != nil {
		log.Fatalf("failed to listen main port: %v", err)
	}
	go func() {
		log.Printf("agent main endpoint on :%d", cfg.Agent.MainPort)
		if err := endpoint.Serve(appCtx, ln); err != nil {
			log.Fatalf("main endpoint: %v", err)
		}
	}()

	// Регистрация в реестре. Недостижимый реестр после всех попыток —
	// ненулевой код выхода.
	if err := runtime.Start(appCtx); err != nil {
		log.Fatalf("failed to join fleet: %v", err)
	}

	// Публикация телеметрии: HTTP в активный хаб + зеркало на шину
	go func() {
		interval := cfg.Agent.HeartbeatInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				report := health.Report()
				env := telemetry.MetricsEnvelope{
					Agent:     cfg.Agent.Name,
					Payload:   report.Metrics,
					Timestamp: report.Timestamp,
				}
				if !coordinator.PublishMetrics(appCtx, env) {
					logger.Warn("metrics dropped: both hubs unreachable")
				}
				if err := bus.Publish(appCtx, cfg.Hub.BusSubject, env); err != nil {
					logger.Debug("bus mirror publish failed", zap.Error(err))
				}
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Print("agentd stopping...")
	cancel()
	runtime.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("health server shutdown: %v", err)
	}
	log.Print("agentd exited properly")
}
