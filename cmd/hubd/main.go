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
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/telemetry"
)

// hubd — хаб телеметрии. Два экземпляра этого процесса на разных
// машинах образуют избыточную пару; каждый дополнительно слушает
// зеркало метрик на шине, чтобы не отставать, пока трафик идет в соседа.
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

	hub := telemetry.NewHubServer(logger)

	// Зеркало с шины: снапшоты, ушедшие HTTP-ом в соседний хаб,
	// доезжают сюда через pub/sub
	bus := telemetry.NewBus(rdb, logger)
	go bus.Listen(appCtx, cfg.Hub.BusSubject, nil, hub.ApplyBusMessage)

	r := chi.NewRouter()
	r.Mount("/v1", hub.Routes())

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("hubd started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-stop
	log.Print("hubd stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown failed: %+v", err)
	}
	cancel()
	log.Print("hubd exited properly")
}
