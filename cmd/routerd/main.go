package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/registry"
	"github.com/xela07ax/aifleet-control-plane/internal/resilience"
	"github.com/xela07ax/aifleet-control-plane/internal/router"
	"github.com/xela07ax/aifleet-control-plane/internal/telemetry"
)

// routerd — взвешенный маршрутизатор трафика между legacy и новым
// поколением бэкендов. Процент раскатки читается на каждом запросе и
// может меняться на лету: правкой конфига или командой с шины.
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

	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Адреса бэкендов спрашиваем у реестра, конфиг — запасной вариант
	var resolver router.Resolver
	if cfg.Router.RegistryURL != "" {
		protector := resilience.NewProtector(cfg, logger, metrics)
		resolver = registry.NewClient(cfg.Router.RegistryURL, protector, logger)
	}

	rt := router.New(cfg, resolver, logger, metrics)
	if err := rt.Start(appCtx); err != nil {
		log.Fatalf("failed to start router: %v", err)
	}

	// Команды раскатки от операторского API
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	bus := telemetry.NewBus(rdb, logger)
	go bus.Listen(appCtx, infra.BusChanRouter, nil, func(payload string) {
		var cmd domain.TrafficCommand
		if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
			logger.Warn("bad traffic command", zap.String("payload", payload))
			return
		}
		cfg.SetLiveTrafficPercent(cmd.FrontendPort, cmd.Percent)
		logger.Info("traffic percent updated",
			zap.Int("frontend", cmd.FrontendPort),
			zap.Int("percent", cmd.Percent))
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), mux))
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Print("routerd started")
	<-stop
	log.Print("routerd stopping...")
	cancel()
	log.Print("routerd exited properly")
}
