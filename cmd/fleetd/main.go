package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/aifleet-control-plane/internal/admin"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/infra/auth"
	"github.com/xela07ax/aifleet-control-plane/internal/journal"
	"github.com/xela07ax/aifleet-control-plane/internal/lease"
	"github.com/xela07ax/aifleet-control-plane/internal/registry"
	"github.com/xela07ax/aifleet-control-plane/internal/repository/postgres"
	"github.com/xela07ax/aifleet-control-plane/internal/telemetry"
)

// fleetd — серверная сторона control plane: каталог сервисов, арбитр
// VRAM и операторский API в одном процессе.
func main() {
	// 1. Конфигурация и инфраструктура
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

	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)

	// Контекст жизненного цикла фоновых горутин: sweeper-ы, подписки
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Журнал событий (опционален: без PostgreSQL работаем с заглушкой)
	var rec registry.Recorder = journal.Nop{}
	var jr *journal.Journal
	if cfg.Journal.DatabaseURL != "" {
		repo := postgres.NewJournalRepo(cfg.Journal.DatabaseURL)
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			log.Fatalf("journal database unreachable: %v", err)
		}
		pingCancel()

		jr = journal.New(repo, cfg.Journal, logger, metrics)
		jr.Start()
		rec = jr
	} else {
		logger.Warn("event journal disabled: journal.database_url is empty")
	}

	// 3. Каталог сервисов
	store := registry.NewStore(cfg.Registry.StalenessWindow, metrics)
	regSvc := registry.NewService(store, rdb, rec, cfg.Registry.SweepInterval, logger)
	go regSvc.StartSweeper(appCtx)

	// 4. Арбитр VRAM
	arbiter := lease.NewArbiter(cfg.Lease.BudgetMB, cfg.Lease.DefaultTTL, rec, logger, metrics)
	go arbiter.StartSweeper(appCtx, cfg.Lease.SweepInterval)

	// 5. Операторский API
	bus := telemetry.NewBus(rdb, logger)
	validator := auth.NewBaseValidator([]byte(cfg.Auth.JWTSecret))
	adminSrv := admin.NewServer(cfg, validator, regSvc, arbiter, bus, logger)

	// 6. Метрики для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), mux))
	}()

	// 7. Основной HTTP-сервер
	r := chi.NewRouter()
	r.Mount("/v1/registry/agents", registry.NewHandler(regSvc, logger).Routes())
	r.Mount("/v1/lease", lease.NewHandler(arbiter, logger).Routes())
	r.Mount("/", adminSrv)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("fleetd started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-stop
	log.Print("fleetd stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown failed: %+v", err)
	}
	cancel()
	if jr != nil {
		jr.Stop()
	}
	log.Print("fleetd exited properly")
}
