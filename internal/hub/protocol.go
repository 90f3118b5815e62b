package hub

import (
	"encoding/json"
	"time"

	"github.com/xela07ax/agentwatch/internal/domain"
)

// Типы сообщений протокола
const (
	// Client -> Server
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePong        = "pong"

	// Server -> Client
	TypePing        = "ping"
	TypeAgentUpdate = "agent_update"
	TypeLogEntry    = "log_entry"
	TypeHandoff     = "handoff"
)

// Message: исходящий кадр {type, data, timestamp}
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Inbound: входящий кадр, data разбирается по type
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ChannelsData struct {
	Channels []string `json:"channels"`
}

type PingData struct {
	ConnectionID string `json:"connectionId"`
}

type LogEntryData struct {
	AgentID  string          `json:"agentId"`
	LogEntry domain.LogEntry `json:"logEntry"`
}

type HandoffData struct {
	FromAgentID string         `json:"fromAgentId"`
	ToAgentID   string         `json:"toAgentId"`
	Context     map[string]any `json:"context"`
}

func AgentChannel(id string) string { return "agent:" + id }

func ProjectChannel(path string) string { return "project:" + path }
