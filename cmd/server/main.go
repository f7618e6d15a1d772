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

	"dukapay/internal/config"
	"dukapay/internal/handler"
	"dukapay/internal/infrastructure/cache"
	"dukapay/internal/infrastructure/database"
	"dukapay/internal/infrastructure/lock"
	"dukapay/internal/infrastructure/mq"
	"dukapay/internal/job"
	"dukapay/internal/mpesa"
	"dukapay/internal/service"
	"dukapay/pkg/idgen"
)

func main() {
	cfg := config.LoadConfig("config/config.yaml")

	idgen.Init(1)

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)

	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	if cfg.Business.SweepEnabled {
		sweep := job.NewPendingOrderSweep(db, cfg)
		go sweep.Start(ctx)
	}

	locker := lock.NewRedisLocker(redisClient)
	gateway := mpesa.NewClient(&cfg.Mpesa)

	h := handler.NewHandler(cfg,
		service.NewCheckoutService(db, cfg, gateway, locker),
		service.NewCallbackService(db, cfg, locker),
		service.NewOrderQueryService(db),
	)
	router := handler.SetupRouter(h)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	log.Println("server stopped")
}
