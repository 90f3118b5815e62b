package domain

import (
	"slices"
	"time"
)

// AgentStatus Статусы State Machine агента
type AgentStatus string

const (
	StatusIdle      AgentStatus = "idle"      // Зарегистрирован, еще не работал
	StatusActive    AgentStatus = "active"    // Выполняет задачу
	StatusError     AgentStatus = "error"     // Упал или сообщил об ошибке
	StatusHandoff   AgentStatus = "handoff"   // Передал работу другому агенту
	StatusComplete  AgentStatus = "complete"  // Завершил задачу
	StatusDismissed AgentStatus = "dismissed" // Терминальный статус, запись удаляется
)

// AllStatuses порядок важен только для вывода статистики
var AllStatuses = []AgentStatus{
	StatusIdle, StatusActive, StatusError, StatusHandoff, StatusComplete, StatusDismissed,
}

const (
	// MaxLogEntries: сколько последних записей лога храним на агента
	MaxLogEntries = 1000
	// MaxContextKeys: верхняя граница размера context
	MaxContextKeys = 100
	// DefaultListLimit: размер страницы по умолчанию
	DefaultListLimit = 100
)

func (s AgentStatus) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// CanTransitionTo проверяет правила конечного автомата.
// Возвращает *ValidationError, если переход запрещен.
func (s AgentStatus) CanTransitionTo(next AgentStatus) error {
	if !next.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(next)}
	}
	if s == StatusDismissed {
		return &ValidationError{Field: "status", Reason: "agent is dismissed"}
	}
	if s == next {
		return nil
	}

	switch next {
	case StatusActive, StatusDismissed, StatusError:
		return nil
	case StatusComplete, StatusHandoff:
		if s == StatusActive {
			return nil
		}
	}
	return &ValidationError{
		Field:  "status",
		Reason: "transition " + string(s) + " -> " + string(next) + " is not allowed",
	}
}

// Agent: один жизненный цикл наблюдаемого процесса.
type Agent struct {
	ID           string         `json:"id"`
	ParentID     string         `json:"parentId,omitempty"` // Ссылка на агента, передавшего работу
	ProjectPath  string         `json:"projectPath"`
	Status       AgentStatus    `json:"status"`
	Created      time.Time      `json:"created"`
	LastActivity time.Time      `json:"lastActivity"`
	Context      map[string]any `json:"context"`
	Logs         []LogEntry     `json:"logs"`
	Tags         []string       `json:"tags"`
}

// Clone возвращает копию, которую можно менять без гонок с хранилищем.
// Вложенные значения context считаются неизменяемыми.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Context = make(map[string]any, len(a.Context))
	for k, v := range a.Context {
		c.Context[k] = v
	}
	c.Logs = slices.Clone(a.Logs)
	c.Tags = slices.Clone(a.Tags)
	return &c
}

// AppendLog добавляет запись и вытесняет самые старые сверх MaxLogEntries.
func (a *Agent) AppendLog(entry LogEntry) {
	a.Logs = append(a.Logs, entry)
	if over := len(a.Logs) - MaxLogEntries; over > 0 {
		a.Logs = slices.Delete(a.Logs, 0, over)
	}
}

// HasTags: агент несет все перечисленные теги
func (a *Agent) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(a.Tags, t) {
			return false
		}
	}
	return true
}

// Registration: входные данные для регистрации агента
type Registration struct {
	ID          string         `json:"id,omitempty"` // Пустой - сгенерируем UUID
	ParentID    string         `json:"parentId,omitempty"`
	ProjectPath string         `json:"projectPath"`
	Context     map[string]any `json:"context,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// Query: фильтры для выборки агентов
type Query struct {
	Status      AgentStatus `json:"status,omitempty"`
	ProjectPath string      `json:"projectPath,omitempty"`
	ParentID    string      `json:"parentId,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Offset      int         `json:"offset,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// Matches применяет все предикаты запроса к агенту
func (q Query) Matches(a *Agent) bool {
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	if q.ProjectPath != "" && a.ProjectPath != q.ProjectPath {
		return false
	}
	if q.ParentID != "" && a.ParentID != q.ParentID {
		return false
	}
	return a.HasTags(q.Tags)
}

// Paginate сортирует по lastActivity (свежие сверху) и режет страницу.
func (q Query) Paginate(agents []*Agent) []*Agent {
	slices.SortStableFunc(agents, func(x, y *Agent) int {
		return y.LastActivity.Compare(x.LastActivity)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := max(q.Offset, 0)
	if offset >= len(agents) {
		return []*Agent{}
	}
	end := min(offset+limit, len(agents))
	return agents[offset:end]
}

// ProjectStats: количество агентов проекта по статусам
type ProjectStats struct {
	ProjectPath string              `json:"projectPath"`
	Total       int                 `json:"total"`
	Counts      map[AgentStatus]int `json:"counts"`
}

// NewProjectStats гарантирует наличие всех ключей статусов (нули вместо пропусков)
func NewProjectStats(projectPath string) *ProjectStats {
	counts := make(map[AgentStatus]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	return &ProjectStats{ProjectPath: projectPath, Counts: counts}
}

func (p *ProjectStats) Add(status AgentStatus) {
	p.Counts[status]++
	p.Total++
}
