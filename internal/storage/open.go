package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/infra"
	"github.com/xela07ax/agentwatch/internal/metrics"
)

// Open выбирает бэкенд один раз на время жизни процесса.
// Redis: одна попытка подключения с таймаутом, без фонового переподключения.
// При неудаче - memory (если AllowFallback), иначе ошибка.
func Open(ctx context.Context, cfg infra.StorageConfig, redisCfg infra.RedisConfig, logger *zap.Logger, m *metrics.Metrics) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	logger = logger.Named("storage")

	backend, err := open(ctx, cfg, redisCfg, logger)
	if err != nil {
		return nil, err
	}

	m.StorageBackend.WithLabelValues(backend.Name()).Set(1)
	logger.Info("storage backend selected", zap.String("backend", backend.Name()))
	return backend, nil
}

func open(ctx context.Context, cfg infra.StorageConfig, redisCfg infra.RedisConfig, logger *zap.Logger) (Backend, error) {
	retention := cfg.Retention()

	if cfg.Driver == NameMemory {
		return NewMemoryBackend(retention, logger), nil
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        redisCfg.Addr,
		Password:    redisCfg.Password,
		DB:          redisCfg.DB,
		DialTimeout: timeout,
	})
	rb := NewRedisBackend(rdb, retention, logger)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := rb.Connect(cctx)
	if err == nil {
		return rb, nil
	}
	_ = rdb.Close()

	if !cfg.AllowFallback {
		return nil, fmt.Errorf("storage: redis at %s unavailable and fallback is disabled: %w", redisCfg.Addr, err)
	}

	logger.Warn("redis unavailable, falling back to in-memory storage: data will not be persisted",
		zap.String("addr", redisCfg.Addr), zap.Error(err))
	return NewMemoryBackend(retention, logger), nil
}

// StartJanitor запускает периодический Cleanup любого бэкенда до отмены ctx.
// Для Redis это чистка индексов от истекших по TTL записей.
func StartJanitor(ctx context.Context, b Backend, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := b.Cleanup(ctx)
				if err != nil {
					logger.Warn("retention sweep failed", zap.String("backend", b.Name()), zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("retention sweep removed agents", zap.String("backend", b.Name()), zap.Int("count", n))
				}
			}
		}
	}()
}
