package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/domain"
)

type idSet map[string]struct{}

// MemoryBackend: fallback без персистентности.
// Основная мапа и оба индекса меняются под одним локом: читатель не видит
// индекс без записи и запись без индекса.
type MemoryBackend struct {
	mu        sync.RWMutex
	agents    map[string]*domain.Agent
	byProject map[string]idSet
	byStatus  map[domain.AgentStatus]idSet

	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewMemoryBackend(retention time.Duration, logger *zap.Logger) *MemoryBackend {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		agents:    make(map[string]*domain.Agent),
		byProject: make(map[string]idSet),
		byStatus:  make(map[domain.AgentStatus]idSet),
		retention: retention,
		now:       time.Now,
		logger:    logger.Named("storage.memory"),
	}
}

func (m *MemoryBackend) Name() string { return NameMemory }

func (m *MemoryBackend) Connect(context.Context) error    { return nil }
func (m *MemoryBackend) Disconnect(context.Context) error { return nil }

func (m *MemoryBackend) Create(_ context.Context, agent *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return &domain.ValidationError{Field: "id", Reason: "agent " + agent.ID + " already exists"}
	}
	m.put(agent.Clone())
	return nil
}

func (m *MemoryBackend) Save(_ context.Context, agent *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.agents[agent.ID]; ok {
		m.unindex(old)
	}
	m.put(agent.Clone())
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id string) (*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, &domain.NotFoundError{ID: id}
	}
	return a.Clone(), nil
}

func (m *MemoryBackend) List(_ context.Context, q domain.Query) ([]*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Сужаем по самому селективному индексу, остальные предикаты - в памяти
	var candidates []string
	switch {
	case q.ProjectPath != "":
		candidates = keys(m.byProject[q.ProjectPath])
	case q.Status != "":
		candidates = keys(m.byStatus[q.Status])
	default:
		candidates = make([]string, 0, len(m.agents))
		for id := range m.agents {
			candidates = append(candidates, id)
		}
	}

	out := make([]*domain.Agent, 0, len(candidates))
	for _, id := range candidates {
		if a, ok := m.agents[id]; ok && q.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	return q.Paginate(out), nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return &domain.NotFoundError{ID: id}
	}
	m.unindex(a)
	delete(m.agents, id)
	return nil
}

func (m *MemoryBackend) UpdateStatus(_ context.Context, id string, status domain.AgentStatus, at time.Time) (*domain.Agent, error) {
	return m.mutate(id, func(a *domain.Agent) {
		a.Status = status
		a.LastActivity = at
	})
}

func (m *MemoryBackend) AppendLog(_ context.Context, id string, entry domain.LogEntry) (*domain.Agent, error) {
	return m.mutate(id, func(a *domain.Agent) {
		a.AppendLog(entry)
		a.LastActivity = entry.Timestamp
	})
}

func (m *MemoryBackend) ProjectStats(_ context.Context, projectPath string) (*domain.ProjectStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.NewProjectStats(projectPath)
	for id := range m.byProject[projectPath] {
		if a, ok := m.agents[id]; ok {
			stats.Add(a.Status)
		}
	}
	return stats, nil
}

// Cleanup удаляет записи старше retention, отсчет от created (не от lastActivity).
func (m *MemoryBackend) Cleanup(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.retention)
	removed := 0
	for id, a := range m.agents {
		if a.Created.Before(cutoff) {
			m.unindex(a)
			delete(m.agents, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents), nil
}

// StartSweeper периодически вызывает Cleanup до отмены ctx.
func (m *MemoryBackend) StartSweeper(ctx context.Context, interval time.Duration) {
	StartJanitor(ctx, m, interval, m.logger)
}

func (m *MemoryBackend) mutate(id string, fn func(a *domain.Agent)) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, &domain.NotFoundError{ID: id}
	}
	m.unindex(a)
	fn(a)
	m.index(a)
	return a.Clone(), nil
}

// put/index/unindex вызываются под m.mu
func (m *MemoryBackend) put(a *domain.Agent) {
	m.agents[a.ID] = a
	m.index(a)
}

func (m *MemoryBackend) index(a *domain.Agent) {
	add(m.byProject, a.ProjectPath, a.ID)
	add(m.byStatus, a.Status, a.ID)
}

func (m *MemoryBackend) unindex(a *domain.Agent) {
	remove(m.byProject, a.ProjectPath, a.ID)
	remove(m.byStatus, a.Status, a.ID)
}

func add[K comparable](idx map[K]idSet, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(idSet)
		idx[key] = set
	}
	set[id] = struct{}{}
}

func remove[K comparable](idx map[K]idSet, key K, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func keys(set idSet) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
