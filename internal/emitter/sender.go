package emitter

/*
Файл sender.go - клиент доставки событий от инструментированного агента до ingestion endpoint.

Контракт Fire-and-Forget: Send никогда не возвращает ошибку и не паникует наружу.
Любой сбой (сеть, 5xx, открытый предохранитель, сброс нагрузки) логируется, а вызывающий
получает nil. Мониторинг не имеет права блокировать или ронять наблюдаемый процесс.

Цепочка защиты: Rate Limiter (сброс лишнего) -> Circuit Breaker -> Retry с backoff -> HTTP.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentwatch/internal/domain"
	"github.com/xela07ax/agentwatch/internal/metrics"
)

const (
	EventPath = "/api/events"
	BatchPath = "/api/events/batch"

	maxResponseBody = 1 << 20
)

// Config: настройки клиента. Нулевые значения заменяются дефолтами в NewSender.
type Config struct {
	Endpoint   string        // Базовый URL ingestion endpoint
	Timeout    time.Duration // Таймаут одного HTTP запроса
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	BreakerThreshold int
	BreakerTimeout   time.Duration

	RateLimit float64 // событий в секунду, 0 - без ограничения
	RateBurst int

	AgentID     string
	SessionID   string
	ProjectPath string
	PID         int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.PID == 0 {
		c.PID = os.Getpid()
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	return c
}

// Result: ответ ingestion endpoint на успешную доставку
type Result struct {
	StatusCode int             `json:"statusCode"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// PermanentError - ответ 4xx, повтор не поможет, endpoint жив
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ingestion rejected event [%d]: %s", e.StatusCode, e.Body)
}

type Sender struct {
	cfg     Config
	client  *http.Client
	breaker *Breaker
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	jitter  func() float64 // [0,1), подменяется в тестах
	now     func() time.Time
}

func NewSender(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Sender {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	s := &Sender{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		logger:  logger.Named("emitter"),
		metrics: m,
		jitter:  rand.Float64,
		now:     time.Now,
	}
	s.breaker = NewBreaker("ingestion", cfg.BreakerThreshold, cfg.BreakerTimeout, s.logger, func(st BreakerState) {
		m.BreakerState.WithLabelValues("ingestion").Set(stateGauge(st))
	})
	return s
}

func stateGauge(st BreakerState) float64 {
	switch st {
	case BreakerOpen:
		return 1
	case BreakerHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// Breaker отдает предохранитель для наблюдения (тесты, диагностика)
func (s *Sender) Breaker() *Breaker { return s.breaker }

// BuildEvent собирает payload: {type, agentId, sessionId, timestamp, data:{projectPath, pid, ...data}}
func (s *Sender) BuildEvent(eventType string, data map[string]any) domain.Event {
	merged := make(map[string]any, len(data)+2)
	merged["projectPath"] = s.cfg.ProjectPath
	merged["pid"] = s.cfg.PID
	for k, v := range data {
		merged[k] = v
	}
	return domain.Event{
		Type:      eventType,
		AgentID:   s.cfg.AgentID,
		SessionID: s.cfg.SessionID,
		Timestamp: s.now().UTC(),
		Data:      merged,
	}
}

// Send доставляет одно событие. nil означает, что событие потеряно (и это нормально).
func (s *Sender) Send(ctx context.Context, eventType string, data map[string]any) *Result {
	defer s.recoverPanic(eventType)

	if !s.limiter.Allow() {
		s.metrics.EmitterSends.WithLabelValues("event", "shed").Inc()
		s.logger.Debug("event shed by rate limiter", zap.String("event_type", eventType))
		return nil
	}

	body, err := json.Marshal(s.BuildEvent(eventType, data))
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("event_type", eventType), zap.Error(err))
		s.metrics.EmitterSends.WithLabelValues("event", "failed").Inc()
		return nil
	}
	return s.deliver(ctx, "event", s.cfg.Endpoint+EventPath, body)
}

// SendBatch отправляет массив заранее собранных payload на отдельный endpoint.
func (s *Sender) SendBatch(ctx context.Context, events []domain.Event) *Result {
	defer s.recoverPanic("batch")

	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(domain.EventBatch{Events: events})
	if err != nil {
		s.logger.Error("failed to encode batch", zap.Int("count", len(events)), zap.Error(err))
		s.metrics.EmitterSends.WithLabelValues("batch", "failed").Inc()
		return nil
	}
	return s.deliver(ctx, "batch", s.cfg.Endpoint+BatchPath, body)
}

func (s *Sender) recoverPanic(kind string) {
	if r := recover(); r != nil {
		s.logger.Error("emitter panic recovered", zap.String("kind", kind), zap.Any("panic", r))
	}
}

func (s *Sender) deliver(ctx context.Context, kind, url string, body []byte) *Result {
	var res *Result

	// 1. Circuit Breaker: открытый CB отбрасывает вызов без сетевой попытки
	err := s.breaker.Execute(func() error {
		// 2. Retry с экспоненциальным бэкоффом, 4xx не повторяем
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(s.cfg.MaxRetries+1)),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var perm *PermanentError
				return !errors.As(err, &perm)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return s.Backoff(n)
			}),
		)

		attempt := 0
		return r.Do(func() error {
			attempt++
			var callErr error
			res, callErr = s.post(ctx, url, body)
			if callErr != nil {
				s.logger.Debug("delivery attempt failed",
					zap.String("kind", kind), zap.Int("attempt", attempt), zap.Error(callErr))
			}
			return callErr
		})
	})

	if err != nil {
		result := "failed"
		if errors.Is(err, ErrBreakerOpen) {
			result = "breaker_open"
		}
		s.metrics.EmitterSends.WithLabelValues(kind, result).Inc()
		s.logger.Warn("event delivery failed",
			zap.String("kind", kind),
			zap.String("breaker", string(s.breaker.State())),
			zap.Error(err))
		return nil
	}

	s.metrics.EmitterSends.WithLabelValues(kind, "ok").Inc()
	return res
}

// Backoff = min(base * multiplier^attempt + jitter, maxDelay), jitter до 10% base
func (s *Sender) Backoff(attempt uint) time.Duration {
	base := float64(s.cfg.BaseDelay)
	delay := base*math.Pow(s.cfg.Multiplier, float64(attempt)) + s.jitter()*0.1*base
	if delay > float64(s.cfg.MaxDelay) {
		return s.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (s *Sender) post(ctx context.Context, url string, body []byte) (*Result, error) {
	tCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(tCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("ingestion server error [%d]", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	res := &Result{StatusCode: resp.StatusCode}
	if json.Valid(respBody) {
		res.Body = respBody
	}
	return res, nil
}
