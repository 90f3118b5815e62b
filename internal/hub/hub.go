// Package hub - fan-out изменений агентов подписанным наблюдателям.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/domain"
	"github.com/xela07ax/agentwatch/internal/metrics"
)

// Conn: транспорт одного наблюдателя. Write вызывается только из writer-горутины соединения.
type Conn interface {
	Write(data []byte) error
	Close() error
}

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

var errQueueFull = errors.New("send queue is full")

// client: состояние одного соединения. Очередь send не закрывается никогда,
// writer выходит по done.
type client struct {
	id   string
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	subs     map[string]struct{}
	lastSeen time.Time
}

func (c *client) subscribedToAny(channels []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if _, ok := c.subs[ch]; ok {
			return true
		}
	}
	return false
}

type Hub struct {
	cfg Config

	mu      sync.RWMutex
	clients map[string]*client

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewHub(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Hub{
		cfg:     cfg.withDefaults(),
		clients: make(map[string]*client),
		logger:  logger.With(zap.String("mod", "hub")),
		metrics: m,
		now:     time.Now,
	}
}

// Register подключает соединение: новый id, пустые подписки, сразу ping.
func (h *Hub) Register(conn Conn) string {
	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		subs:     make(map[string]struct{}),
		lastSeen: h.now(),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.HubConnections.Set(float64(count))
	h.logger.Info("observer connected", zap.String("conn_id", c.id), zap.Int("connections", count))

	go h.writer(c)
	if err := h.enqueue(c, h.ping(c.id)); err != nil {
		h.drop(c.id, err)
	}
	return c.id
}

// Unregister убирает соединение и его подписки. Повторный вызов безопасен.
func (h *Hub) Unregister(id string) {
	h.remove(id, "disconnected")
}

// HandleMessage обрабатывает входящий кадр соединения
func (h *Hub) HandleMessage(id string, raw []byte) {
	c := h.client(id)
	if c == nil {
		return
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.logger.Warn("malformed inbound frame", zap.String("conn_id", id), zap.Error(err))
		return
	}

	switch in.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var data ChannelsData
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &data); err != nil {
				h.logger.Warn("malformed channels payload", zap.String("conn_id", id), zap.Error(err))
				return
			}
		}
		c.mu.Lock()
		for _, ch := range data.Channels {
			if in.Type == TypeSubscribe {
				c.subs[ch] = struct{}{}
			} else {
				delete(c.subs, ch)
			}
		}
		c.mu.Unlock()
		h.logger.Debug("subscriptions changed",
			zap.String("conn_id", id), zap.String("op", in.Type), zap.Strings("channels", data.Channels))

	case TypePong:
		c.mu.Lock()
		c.lastSeen = h.now()
		c.mu.Unlock()

	default:
		h.logger.Debug("unknown message type ignored", zap.String("conn_id", id), zap.String("type", in.Type))
	}
}

// Publish доставляет сообщение подписчикам любого из каналов (каждому один раз).
// Без каналов - всем соединениям. Возвращает число соединений, принявших сообщение.
func (h *Hub) Publish(msg Message, channels ...string) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode message", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}

	// 1. Снимок получателей под RLock
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if len(channels) == 0 || c.subscribedToAny(channels) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	// 2. Неблокирующая постановка в очередь, сбойное соединение выкидываем
	delivered := 0
	for _, c := range targets {
		if err := h.enqueue(c, data); err != nil {
			h.drop(c.id, err)
			continue
		}
		delivered++
	}

	h.metrics.HubMessages.WithLabelValues(msg.Type).Inc()
	return delivered
}

// Sweep: соединение без pong дольше HeartbeatTimeout закрывается, остальным уходит ping.
func (h *Hub) Sweep() {
	now := h.now()

	h.mu.RLock()
	var stale, alive []*client
	for _, c := range h.clients {
		c.mu.Lock()
		idle := now.Sub(c.lastSeen)
		c.mu.Unlock()
		if idle > h.cfg.HeartbeatTimeout {
			stale = append(stale, c)
		} else {
			alive = append(alive, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.drop(c.id, errors.New("heartbeat timeout"))
	}
	for _, c := range alive {
		if err := h.enqueue(c, h.ping(c.id)); err != nil {
			h.drop(c.id, err)
		}
	}
}

// Run крутит heartbeat sweep до отмены ctx, затем закрывает все соединения.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Close отключает всех наблюдателей
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.remove(id, "hub closed")
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscriptions: отсортированный список каналов соединения (nil для неизвестного id)
func (h *Hub) Subscriptions(id string) []string {
	c := h.client(id)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// --- registry.Notifier ---

func (h *Hub) AgentUpdated(a *domain.Agent) {
	h.Publish(Message{Type: TypeAgentUpdate, Data: a}, AgentChannel(a.ID), ProjectChannel(a.ProjectPath))
}

func (h *Hub) LogAppended(agentID string, entry domain.LogEntry) {
	h.Publish(Message{Type: TypeLogEntry, Data: LogEntryData{AgentID: agentID, LogEntry: entry}}, AgentChannel(agentID))
}

func (h *Hub) Handoff(fromID, toID string, handoffCtx map[string]any) {
	h.Publish(Message{
		Type: TypeHandoff,
		Data: HandoffData{FromAgentID: fromID, ToAgentID: toID, Context: handoffCtx},
	}, AgentChannel(fromID), AgentChannel(toID))
}

// --- internals ---

func (h *Hub) client(id string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

func (h *Hub) ping(connID string) []byte {
	data, _ := json.Marshal(Message{Type: TypePing, Data: PingData{ConnectionID: connID}, Timestamp: h.now().UTC()})
	return data
}

func (h *Hub) enqueue(c *client, data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errQueueFull
	}
}

// writer - единственный писатель в Conn, порядок доставки = порядок постановки в очередь
func (h *Hub) writer(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.Write(data); err != nil {
				h.drop(c.id, err)
				return
			}
		}
	}
}

// drop - самоизлечение: сбойное соединение удаляется, остальные не затрагиваются
func (h *Hub) drop(id string, cause error) {
	if h.remove(id, cause.Error()) {
		h.metrics.HubDropped.Inc()
	}
}

func (h *Hub) remove(id, reason string) bool {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return false
	}

	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	h.metrics.HubConnections.Set(float64(count))
	h.logger.Info("observer removed", zap.String("conn_id", id), zap.String("reason", reason), zap.Int("connections", count))
	return true
}
