package emitter

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/security"
)

// EventSender: минимальный контракт отправки для Hook
type EventSender interface {
	Send(ctx context.Context, eventType string, data map[string]any) *Result
}

// Hook проверяет исходящие данные hook-а и отправляет их санитизированными.
type Hook struct {
	sender EventSender
	logger *zap.Logger
}

func NewHook(sender EventSender, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{sender: sender, logger: logger.Named("hook")}
}

// Inspect проверяет поля tool-событий: имя инструмента, команду и пути к файлам.
func Inspect(data map[string]any) security.Result {
	if name, ok := data["tool_name"].(string); ok {
		if res := security.ValidateTool(name); !res.Valid {
			return res
		}
	}

	input, _ := data["tool_input"].(map[string]any)
	if input == nil {
		return security.Result{Valid: true}
	}

	if cmd, ok := input["command"].(string); ok {
		if res := security.ValidateCommand(cmd); !res.Valid {
			return res
		}
	}
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if p, ok := input[key].(string); ok && p != "" {
			if res := security.ValidateFilePath(p); !res.Valid {
				return res
			}
		}
	}
	return security.Result{Valid: true}
}

// Emit: отказ валидатора блокирует отправку и никогда не ретраится.
// Возвращает вердикт проверки и результат доставки (nil, если не доставлено).
func (h *Hook) Emit(ctx context.Context, eventType string, data map[string]any) (security.Result, *Result) {
	verdict := Inspect(data)
	if !verdict.Valid {
		h.logger.Warn("event blocked by security validator",
			zap.String("event_type", eventType),
			zap.String("reason", verdict.Reason))
		return verdict, nil
	}

	sanitized := security.SanitizeMap(data)
	return verdict, h.sender.Send(ctx, eventType, sanitized)
}
