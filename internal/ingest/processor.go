package ingest

/*
Файл processor.go - перевод событий hook-клиента в операции реестра.

  session_start, register                     -> Register (существующий id допустим)
  pre_tool_use, post_tool_use, notification,
  log                                         -> ensure, idle -> active, AppendLog
  прочие                                      -> ensure, AppendLog(info)
  status                                      -> UpdateStatus(data.status)
  error                                       -> AppendLog(error) + UpdateStatus(error)
  stop, session_end, complete                 -> UpdateStatus(complete)
  handoff                                     -> Handoff(agentId, data.toAgentId, data.context, data.reason)
  context_update                              -> UpdateContext(data.context)
  dismiss                                     -> UpdateStatus(dismissed)
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/agentwatch/internal/domain"
)

// Registry: то, что ingestion требует от реестра агентов
type Registry interface {
	Register(ctx context.Context, reg domain.Registration) (*domain.Agent, error)
	Get(ctx context.Context, id string) (*domain.Agent, error)
	UpdateStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error)
	AppendLog(ctx context.Context, id string, entry domain.LogEntry) (*domain.Agent, error)
	UpdateContext(ctx context.Context, id string, partial map[string]any) (*domain.Agent, error)
	Handoff(ctx context.Context, fromID, toID string, handoffCtx map[string]any, reason string) (*domain.Agent, *domain.Agent, error)
}

// служебные ключи data, которые не дублируем в metadata логов
var envelopeKeys = map[string]struct{}{"projectPath": {}, "pid": {}}

type Processor struct {
	registry Registry
}

func NewProcessor(registry Registry) *Processor {
	return &Processor{registry: registry}
}

// Apply применяет одно событие и возвращает итоговое состояние агента
func (p *Processor) Apply(ctx context.Context, ev domain.Event) (*domain.Agent, error) {
	if ev.AgentID == "" {
		return nil, &domain.ValidationError{Field: "agentId", Reason: "is required"}
	}
	if ev.Type == "" {
		return nil, &domain.ValidationError{Field: "type", Reason: "is required"}
	}

	switch ev.Type {
	case domain.EventDismiss:
		return p.registry.UpdateStatus(ctx, ev.AgentID, domain.StatusDismissed)

	case domain.EventSessionStart, domain.EventRegister:
		return p.ensure(ctx, ev)

	case domain.EventStatus:
		if _, err := p.ensure(ctx, ev); err != nil {
			return nil, err
		}
		status := domain.AgentStatus(ev.String("status"))
		if status == "" {
			return nil, &domain.ValidationError{Field: "data.status", Reason: "is required"}
		}
		return p.registry.UpdateStatus(ctx, ev.AgentID, status)

	case domain.EventError:
		if _, err := p.ensure(ctx, ev); err != nil {
			return nil, err
		}
		if _, err := p.appendLog(ctx, ev, domain.LevelError, messageOr(ev, "agent reported an error")); err != nil {
			return nil, err
		}
		return p.registry.UpdateStatus(ctx, ev.AgentID, domain.StatusError)

	case domain.EventStop, domain.EventSessionEnd, domain.EventComplete:
		return p.complete(ctx, ev)

	case domain.EventHandoff:
		if _, err := p.activate(ctx, ev); err != nil {
			return nil, err
		}
		from, _, err := p.registry.Handoff(ctx, ev.AgentID, ev.String("toAgentId"), ev.Map("context"), ev.String("reason"))
		return from, err

	case domain.EventContextUpdate:
		if _, err := p.ensure(ctx, ev); err != nil {
			return nil, err
		}
		return p.registry.UpdateContext(ctx, ev.AgentID, ev.Map("context"))

	case domain.EventPreToolUse, domain.EventPostToolUse, domain.EventNotification, domain.EventLog:
		if _, err := p.activate(ctx, ev); err != nil {
			return nil, err
		}
		return p.appendLog(ctx, ev, levelOf(ev), describe(ev))

	default:
		// неизвестный тип не двигает автомат, только попадает в лог
		if _, err := p.ensure(ctx, ev); err != nil {
			return nil, err
		}
		return p.appendLog(ctx, ev, domain.LevelInfo, describe(ev))
	}
}

// ensure регистрирует агента при первом событии. Гонка двух первых событий
// разрешается повторным Get после отказа по дубликату.
func (p *Processor) ensure(ctx context.Context, ev domain.Event) (*domain.Agent, error) {
	a, err := p.registry.Get(ctx, ev.AgentID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	a, err = p.registry.Register(ctx, domain.Registration{
		ID:          ev.AgentID,
		ParentID:    ev.String("parentId"),
		ProjectPath: ev.String("projectPath"),
		Context:     ev.Map("context"),
		Tags:        ev.Strings("tags"),
	})
	if errors.Is(err, domain.ErrValidation) {
		if existing, getErr := p.registry.Get(ctx, ev.AgentID); getErr == nil {
			return existing, nil
		}
	}
	return a, err
}

// activate: ensure + idle -> active
func (p *Processor) activate(ctx context.Context, ev domain.Event) (*domain.Agent, error) {
	a, err := p.ensure(ctx, ev)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.StatusIdle {
		return p.registry.UpdateStatus(ctx, ev.AgentID, domain.StatusActive)
	}
	return a, nil
}

// complete: idle проходит через active; error и handoff сохраняются, конец сессии только логируется.
func (p *Processor) complete(ctx context.Context, ev domain.Event) (*domain.Agent, error) {
	a, err := p.activate(ctx, ev)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case domain.StatusActive, domain.StatusComplete:
		return p.registry.UpdateStatus(ctx, ev.AgentID, domain.StatusComplete)
	default:
		return p.appendLog(ctx, ev, domain.LevelInfo, "session ended in status "+string(a.Status))
	}
}

func (p *Processor) appendLog(ctx context.Context, ev domain.Event, level domain.LogLevel, msg string) (*domain.Agent, error) {
	return p.registry.AppendLog(ctx, ev.AgentID, domain.LogEntry{
		Timestamp: ev.Timestamp,
		Level:     level,
		Message:   msg,
		Metadata:  metadata(ev),
	})
}

func describe(ev domain.Event) string {
	switch ev.Type {
	case domain.EventPreToolUse, domain.EventPostToolUse:
		if tool := ev.String("tool_name"); tool != "" {
			return fmt.Sprintf("%s: %s", ev.Type, tool)
		}
	case domain.EventLog, domain.EventNotification:
		return messageOr(ev, ev.Type)
	}
	return ev.Type
}

func messageOr(ev domain.Event, fallback string) string {
	if msg := ev.String("message"); strings.TrimSpace(msg) != "" {
		return msg
	}
	return fallback
}

func levelOf(ev domain.Event) domain.LogLevel {
	if l := domain.LogLevel(ev.String("level")); l.Valid() {
		return l
	}
	return domain.LevelInfo
}

func metadata(ev domain.Event) map[string]any {
	meta := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		if _, skip := envelopeKeys[k]; !skip {
			meta[k] = v
		}
	}
	meta["eventType"] = ev.Type
	if ev.SessionID != "" {
		meta["sessionId"] = ev.SessionID
	}
	return meta
}
