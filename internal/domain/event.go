package domain

import "time"

// Event: payload, который инструментированный агент шлет на ingestion endpoint.
type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"` // projectPath, pid и данные события
}

// EventBatch: тело запроса пакетной отправки
type EventBatch struct {
	Events []Event `json:"events"`
}

// Типы событий, которые понимает ingestion
const (
	EventSessionStart  = "session_start"
	EventRegister      = "register"
	EventPreToolUse    = "pre_tool_use"
	EventPostToolUse   = "post_tool_use"
	EventNotification  = "notification"
	EventLog           = "log"
	EventStatus        = "status"
	EventError         = "error"
	EventStop          = "stop"
	EventSessionEnd    = "session_end"
	EventComplete      = "complete"
	EventHandoff       = "handoff"
	EventContextUpdate = "context_update"
	EventDismiss       = "dismiss"
)

// String достает строковое поле из data без паники на чужих типах
func (e Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Map достает вложенный объект из data
func (e Event) Map(key string) map[string]any {
	if e.Data == nil {
		return nil
	}
	m, _ := e.Data[key].(map[string]any)
	return m
}

// Strings достает список строк из data ([]any после JSON или []string)
func (e Event) Strings(key string) []string {
	switch v := e.Data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
