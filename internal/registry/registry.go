// Package registry - конечный автомат агентов поверх storage.Backend
// и источник уведомлений для наблюдателей.
package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/domain"
	"github.com/xela07ax/agentwatch/internal/metrics"
	"github.com/xela07ax/agentwatch/internal/security"
	"github.com/xela07ax/agentwatch/internal/storage"
)

// Notifier получает изменения после успешной записи. Вызывается под локом агента,
// поэтому порядок уведомлений по одному агенту совпадает с порядком мутаций.
// Реализация не должна блокироваться.
type Notifier interface {
	AgentUpdated(agent *domain.Agent)
	LogAppended(agentID string, entry domain.LogEntry)
	Handoff(fromID, toID string, context map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) AgentUpdated(*domain.Agent)             {}
func (nopNotifier) LogAppended(string, domain.LogEntry)    {}
func (nopNotifier) Handoff(string, string, map[string]any) {}

type Registry struct {
	store     storage.Backend
	notifier  Notifier
	locks     *keyedMutex
	maxAgents int

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry: maxAgents <= 0 отключает проверку емкости
func NewRegistry(store storage.Backend, notifier Notifier, maxAgents int, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Registry{
		store:     store,
		notifier:  notifier,
		locks:     newKeyedMutex(),
		maxAgents: maxAgents,
		logger:    logger.Named("registry"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register создает агента в статусе idle с одной записью лога.
func (r *Registry) Register(ctx context.Context, reg domain.Registration) (_ *domain.Agent, err error) {
	defer r.observe("register", &err)

	if reg.ProjectPath == "" {
		return nil, &domain.ValidationError{Field: "projectPath", Reason: "is required"}
	}
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	agentCtx := security.SanitizeMap(reg.Context)
	if len(agentCtx) > domain.MaxContextKeys {
		return nil, contextTooLarge(len(agentCtx))
	}

	unlock := r.locks.Lock(reg.ID)
	defer unlock()

	// 1. Емкость
	if err := r.checkCapacity(ctx); err != nil {
		return nil, err
	}

	// 2. Сборка записи
	now := r.now()
	if agentCtx == nil {
		agentCtx = make(map[string]any)
	}
	agent := &domain.Agent{
		ID:           reg.ID,
		ParentID:     reg.ParentID,
		ProjectPath:  reg.ProjectPath,
		Status:       domain.StatusIdle,
		Created:      now,
		LastActivity: now,
		Context:      agentCtx,
		Tags:         reg.Tags,
	}
	agent.AppendLog(r.entry(now, domain.LevelInfo, "agent registered", map[string]any{"projectPath": reg.ProjectPath}))

	// 3. Вставка: дубликат id отклоняет backend
	if err := r.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	r.logger.Info("agent registered", zap.String("agent_id", agent.ID), zap.String("project", agent.ProjectPath))
	r.notifier.AgentUpdated(agent.Clone())
	return agent, nil
}

func (r *Registry) Get(ctx context.Context, id string) (_ *domain.Agent, err error) {
	defer r.observe("get", &err)
	return r.store.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context, q domain.Query) (_ []*domain.Agent, err error) {
	defer r.observe("list", &err)
	if q.Status != "" && !q.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown status " + string(q.Status)}
	}
	return r.store.List(ctx, q)
}

func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.store.Count(ctx)
}

// UpdateStatus проверяет переход и пишет аудит-запись в лог агента.
// dismissed - терминальный статус, запись удаляется целиком.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) (_ *domain.Agent, err error) {
	defer r.observe("update_status", &err)

	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cur.Status.CanTransitionTo(status); err != nil {
		return nil, err
	}

	if status == domain.StatusDismissed {
		return r.dismiss(ctx, cur)
	}

	now := r.now()
	if _, err := r.store.UpdateStatus(ctx, id, status, now); err != nil {
		return nil, err
	}
	entry := r.entry(now, domain.LevelInfo, fmt.Sprintf("status changed: %s -> %s", cur.Status, status),
		map[string]any{"from": string(cur.Status), "to": string(status)})
	updated, err := r.store.AppendLog(ctx, id, entry)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("agent status changed",
		zap.String("agent_id", id), zap.String("from", string(cur.Status)), zap.String("to", string(status)))
	r.notifier.AgentUpdated(updated.Clone())
	r.notifier.LogAppended(id, entry)
	return updated, nil
}

// AppendLog: пустые ID/Timestamp/Level заполняются, metadata санитизируется.
func (r *Registry) AppendLog(ctx context.Context, id string, entry domain.LogEntry) (_ *domain.Agent, err error) {
	defer r.observe("append_log", &err)

	if strings.TrimSpace(entry.Message) == "" {
		return nil, &domain.ValidationError{Field: "message", Reason: "is required"}
	}
	if entry.Level == "" {
		entry.Level = domain.LevelInfo
	}
	if !entry.Level.Valid() {
		return nil, &domain.ValidationError{Field: "level", Reason: "unknown log level " + string(entry.Level)}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	entry.Message = security.Truncate(entry.Message)
	entry.Metadata = security.SanitizeMap(entry.Metadata)

	unlock := r.locks.Lock(id)
	defer unlock()

	updated, err := r.store.AppendLog(ctx, id, entry)
	if err != nil {
		return nil, err
	}
	r.notifier.LogAppended(id, entry)
	return updated, nil
}

// UpdateContext: поверхностный merge после санитизации
func (r *Registry) UpdateContext(ctx context.Context, id string, partial map[string]any) (_ *domain.Agent, err error) {
	defer r.observe("update_context", &err)

	clean := security.SanitizeMap(partial)

	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == domain.StatusDismissed {
		return nil, &domain.ValidationError{Field: "status", Reason: "agent is dismissed"}
	}
	if err := mergeContext(cur, clean); err != nil {
		return nil, err
	}
	cur.LastActivity = r.now()

	if err := r.store.Save(ctx, cur); err != nil {
		return nil, err
	}
	r.notifier.AgentUpdated(cur.Clone())
	return cur, nil
}

// Handoff: from -> handoff, context вливается в to, to -> active, парные записи в логах.
// Неизвестный to создается в проекте from с parentId = fromID.
func (r *Registry) Handoff(ctx context.Context, fromID, toID string, handoffCtx map[string]any, reason string) (from, to *domain.Agent, err error) {
	defer r.observe("handoff", &err)

	if toID == "" {
		return nil, nil, &domain.ValidationError{Field: "toAgentId", Reason: "is required"}
	}
	if fromID == toID {
		return nil, nil, &domain.ValidationError{Field: "toAgentId", Reason: "cannot hand off to itself"}
	}
	clean := security.SanitizeMap(handoffCtx)

	unlock := r.locks.LockPair(fromID, toID)
	defer unlock()

	// 1. Проверяем обе стороны до любых записей
	from, err = r.store.Get(ctx, fromID)
	if err != nil {
		return nil, nil, err
	}
	if err := from.Status.CanTransitionTo(domain.StatusHandoff); err != nil {
		return nil, nil, err
	}

	now := r.now()
	to, err = r.store.Get(ctx, toID)
	created := false
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := r.checkCapacity(ctx); err != nil {
			return nil, nil, err
		}
		created = true
		to = &domain.Agent{
			ID:          toID,
			ParentID:    fromID,
			ProjectPath: from.ProjectPath,
			Status:      domain.StatusIdle,
			Created:     now,
			Context:     make(map[string]any),
		}
	case err != nil:
		return nil, nil, err
	}
	if err := to.Status.CanTransitionTo(domain.StatusActive); err != nil {
		return nil, nil, err
	}
	// снимки для отката: снаружи handoff либо применен целиком, либо не применен
	prevFrom, prevTo := from.Clone(), to.Clone()
	if err := mergeContext(to, clean); err != nil {
		return nil, nil, err
	}

	// 2. Принимающая сторона
	if to.ParentID == "" {
		to.ParentID = fromID
	}
	to.Status = domain.StatusActive
	to.LastActivity = now
	toEntry := r.entry(now, domain.LevelInfo, "received handoff from "+fromID,
		map[string]any{"fromAgentId": fromID, "reason": reason})
	to.AppendLog(toEntry)

	if created {
		if err := r.store.Create(ctx, to); err != nil {
			return nil, nil, err
		}
	} else if err := r.store.Save(ctx, to); err != nil {
		return nil, nil, err
	}

	// 3. Передающая сторона
	if _, err := r.store.UpdateStatus(ctx, fromID, domain.StatusHandoff, now); err != nil {
		r.rollbackHandoff(ctx, nil, prevTo, created)
		return nil, nil, err
	}
	fromEntry := r.entry(now, domain.LevelInfo, "handed off to "+toID,
		map[string]any{"toAgentId": toID, "reason": reason})
	from, err = r.store.AppendLog(ctx, fromID, fromEntry)
	if err != nil {
		r.rollbackHandoff(ctx, prevFrom, prevTo, created)
		return nil, nil, err
	}

	r.logger.Info("agent handoff",
		zap.String("from", fromID), zap.String("to", toID), zap.String("reason", reason))

	r.notifier.AgentUpdated(from.Clone())
	r.notifier.AgentUpdated(to.Clone())
	r.notifier.LogAppended(fromID, fromEntry)
	r.notifier.LogAppended(toID, toEntry)
	r.notifier.Handoff(fromID, toID, maps.Clone(clean))
	return from, to.Clone(), nil
}

// Delete: жесткое удаление без проверки статуса
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	defer r.observe("delete", &err)

	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.dismiss(ctx, cur)
	return err
}

func (r *Registry) ProjectStats(ctx context.Context, projectPath string) (_ *domain.ProjectStats, err error) {
	defer r.observe("project_stats", &err)
	if projectPath == "" {
		return nil, &domain.ValidationError{Field: "projectPath", Reason: "is required"}
	}
	return r.store.ProjectStats(ctx, projectPath)
}

// dismiss вызывается под локом агента. Наблюдатели получают последнее состояние со статусом dismissed.
func (r *Registry) dismiss(ctx context.Context, cur *domain.Agent) (*domain.Agent, error) {
	if err := r.store.Delete(ctx, cur.ID); err != nil {
		return nil, err
	}
	cur.Status = domain.StatusDismissed
	cur.LastActivity = r.now()

	r.logger.Info("agent dismissed", zap.String("agent_id", cur.ID))
	r.notifier.AgentUpdated(cur.Clone())
	return cur, nil
}

// rollbackHandoff возвращает записанные стороны handoff к состоянию до операции.
// Созданный получатель удаляется. Ошибка отката только логируется: исходная ошибка важнее.
func (r *Registry) rollbackHandoff(ctx context.Context, prevFrom, prevTo *domain.Agent, created bool) {
	var err error
	if created {
		err = r.store.Delete(ctx, prevTo.ID)
	} else {
		err = r.store.Save(ctx, prevTo)
	}
	if err != nil {
		r.logger.Error("handoff rollback failed", zap.String("agent_id", prevTo.ID), zap.Error(err))
	}
	if prevFrom == nil {
		return
	}
	if err := r.store.Save(ctx, prevFrom); err != nil {
		r.logger.Error("handoff rollback failed", zap.String("agent_id", prevFrom.ID), zap.Error(err))
	}
}

// checkCapacity: ValidationError, если реестр заполнен (maxAgents <= 0 - без лимита)
func (r *Registry) checkCapacity(ctx context.Context) error {
	if r.maxAgents <= 0 {
		return nil
	}
	n, err := r.store.Count(ctx)
	if err != nil {
		return err
	}
	if n >= r.maxAgents {
		return &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("registry is full (%d agents)", r.maxAgents)}
	}
	return nil
}

func (r *Registry) entry(at time.Time, level domain.LogLevel, msg string, meta map[string]any) domain.LogEntry {
	return domain.LogEntry{ID: uuid.NewString(), Timestamp: at, Level: level, Message: msg, Metadata: meta}
}

// observe пишет исход операции в метрики
func (r *Registry) observe(op string, errp *error) {
	r.metrics.RegistryOps.WithLabelValues(op, Classify(*errp)).Inc()
}

// Classify возвращает метку результата для метрик и логов (ok, validation, not_found, error)
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func mergeContext(a *domain.Agent, partial map[string]any) error {
	if a.Context == nil {
		a.Context = make(map[string]any, len(partial))
	}
	added := 0
	for k := range partial {
		if _, ok := a.Context[k]; !ok {
			added++
		}
	}
	if total := len(a.Context) + added; total > domain.MaxContextKeys {
		return contextTooLarge(total)
	}
	maps.Copy(a.Context, partial)
	return nil
}

func contextTooLarge(n int) error {
	return &domain.ValidationError{
		Field:  "context",
		Reason: fmt.Sprintf("%d keys exceed the limit of %d", n, domain.MaxContextKeys),
	}
}
