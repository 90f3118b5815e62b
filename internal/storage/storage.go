// Package storage - хранилище агентов: один контракт, две реализации (Redis и память),
// бэкенд выбирается один раз при старте процесса.
package storage

import (
	"context"
	"time"

	"github.com/xela07ax/agentwatch/internal/domain"
)

// Backend: контракт хранилища агентов.
// Каждая мутация обновляет основную запись и вторичные индексы (project, status) вместе.
// Get/List возвращают копии: изменение результата не влияет на хранилище.
type Backend interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Create вставляет новую запись. Существующий id -> *domain.ValidationError
	Create(ctx context.Context, agent *domain.Agent) error
	// Save: upsert с переиндексацией
	Save(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, id string) (*domain.Agent, error)
	List(ctx context.Context, q domain.Query) ([]*domain.Agent, error)
	// Delete снимает запись со всех индексов, затем удаляет основную запись
	Delete(ctx context.Context, id string) error

	// UpdateStatus переносит агента между status-индексами и обновляет lastActivity
	UpdateStatus(ctx context.Context, id string, status domain.AgentStatus, at time.Time) (*domain.Agent, error)
	// AppendLog добавляет запись лога (с вытеснением старых) и обновляет lastActivity
	AppendLog(ctx context.Context, id string, entry domain.LogEntry) (*domain.Agent, error)

	ProjectStats(ctx context.Context, projectPath string) (*domain.ProjectStats, error)
	// Cleanup убирает просроченные записи и висячие индексы, возвращает число удаленных
	Cleanup(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

const (
	NameMemory = "memory"
	NameRedis  = "redis"

	DefaultRetention = 30 * 24 * time.Hour
)
