package emitter

/*
Файл batcher.go - неблокирующая очередь событий поверх SendBatch.

- Non-blocking: Enqueue никогда не ждет. При переполнении буфера событие сбрасывается
  (Load Shedding), наблюдаемый процесс не тормозит.
- Batching: события копятся и уходят пачкой по таймеру или при достижении лимита.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/domain"
)

// BatchSender: то, что умеет отправить пачку (реализует *Sender)
type BatchSender interface {
	SendBatch(ctx context.Context, events []domain.Event) *Result
}

type BatcherConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

type Batcher struct {
	ch     chan domain.Event
	sender BatchSender
	cfg    BatcherConfig
	logger *zap.Logger
	wg     sync.WaitGroup

	isClosed atomic.Bool
	mu       sync.RWMutex // Защищает отправку в канал от гонки с close
	dropped  atomic.Int64
}

func NewBatcher(sender BatchSender, cfg BatcherConfig, logger *zap.Logger) *Batcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		ch:     make(chan domain.Event, cfg.QueueSize),
		sender: sender,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "batcher")),
	}
}

func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.worker()
}

// Enqueue кладет событие в очередь. false - событие сброшено.
func (b *Batcher) Enqueue(event domain.Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isClosed.Load() {
		b.dropped.Add(1)
		b.logger.Warn("event dropped: batcher is stopping", zap.String("event_type", event.Type))
		return false
	}

	select {
	case b.ch <- event:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Error("emitter_queue_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("event_type", event.Type))
		return false
	}
}

// Dropped: сколько событий было сброшено
func (b *Batcher) Dropped() int64 { return b.dropped.Load() }

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.isClosed.Swap(true) {
		b.mu.Unlock()
		return
	}
	close(b.ch)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("batcher stopped gracefully")
}

func (b *Batcher) worker() {
	defer b.wg.Done()

	batch := make([]domain.Event, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст вызывающего к моменту flush может быть уже закрыт
		out := make([]domain.Event, len(batch))
		copy(out, batch)
		if res := b.sender.SendBatch(context.Background(), out); res == nil {
			b.logger.Warn("batch flush failed", zap.Int("count", len(out)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-b.ch:
			if !ok {
				flush() // Финальный сброс
				return
			}
			batch = append(batch, event)
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
