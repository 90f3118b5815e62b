package emitter

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerState: состояние предохранителя в терминах протокола
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ErrBreakerOpen: вызов отброшен без сетевой попытки
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerSnapshot: наблюдаемое состояние, принадлежит одному Sender
type BreakerSnapshot struct {
	Failures        int           `json:"failures"`
	LastFailureTime time.Time     `json:"lastFailureTime"`
	State           BreakerState  `json:"state"`
	Threshold       int           `json:"threshold"`
	Timeout         time.Duration `json:"timeout"`
}

// Breaker - обертка над gobreaker, открывается после threshold подряд идущих
// неудачных отправок, через timeout пропускает ровно один пробный вызов.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker
	threshold int
	timeout   time.Duration

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

func NewBreaker(name string, threshold int, timeout time.Duration, logger *zap.Logger, onChange func(BreakerState)) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{threshold: threshold, timeout: timeout}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,       // В half-open пропускаем один пробный вызов
		Interval:    0,       // Счетчики в closed сбрасываются только успехом
		Timeout:     timeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= threshold
		},
		IsSuccessful: func(err error) bool {
			// 4xx: сервер жив, предохранитель не трогаем
			var perm *PermanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))))
			if onChange != nil {
				onChange(mapState(to))
			}
		},
	})
	return b
}

func mapState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Execute прогоняет fn через предохранитель. Открытый CB возвращает ErrBreakerOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}

	var perm *PermanentError
	b.mu.Lock()
	switch {
	case err == nil, errors.As(err, &perm):
		b.failures = 0
	default:
		b.failures++
		b.lastFailure = time.Now()
	}
	b.mu.Unlock()
	return err
}

// IsOpen: будет ли следующий вызов отброшен
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

func (b *Breaker) State() BreakerState {
	return mapState(b.cb.State())
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Failures:        b.failures,
		LastFailureTime: b.lastFailure,
		State:           b.State(),
		Threshold:       b.threshold,
		Timeout:         b.timeout,
	}
}
