package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/hub"
	"github.com/xela07ax/agentwatch/internal/infra"
	"github.com/xela07ax/agentwatch/internal/ingest"
	"github.com/xela07ax/agentwatch/internal/metrics"
	"github.com/xela07ax/agentwatch/internal/registry"
	"github.com/xela07ax/agentwatch/internal/storage"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит janitor и heartbeat хаба
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Storage: redis или memory, выбор один раз при старте
	store, err := storage.Open(appCtx, cfg.Storage, cfg.Redis, logger, m)
	if err != nil {
		logger.Fatal("storage unavailable", zap.Error(err))
	}
	storage.StartJanitor(appCtx, store, cfg.Storage.CleanupInterval, logger.Named("janitor"))

	// 3. Hub наблюдателей и реестр агентов
	h := hub.NewHub(hub.Config{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Hub.HeartbeatTimeout,
		SendBuffer:        cfg.Hub.SendBuffer,
	}, logger, m)
	go h.Run(appCtx)

	agents := registry.NewRegistry(store, h, cfg.Storage.MaxAgents, logger, m)

	// 4. HTTP Server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      ingest.NewServer(ingest.NewProcessor(agents), h, store.Name(), reg, logger, m),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("agentwatch started",
			zap.String("addr", srv.Addr), zap.String("storage", store.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 5. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("agentwatch stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()
	h.Close()
	if err := store.Disconnect(shutdownCtx); err != nil {
		logger.Warn("storage disconnect failed", zap.Error(err))
	}
	logger.Info("agentwatch exited properly")
}
