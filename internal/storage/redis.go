package storage

/*
Файл redis.go - durable backend.

Раскладка ключей:
  agentwatch:agent:{id}              - JSON агента, EX = retention, продлевается на каждом чтении и записи
  agentwatch:idx:project:{path}      - SET id агентов проекта
  agentwatch:idx:status:{status}     - SET id агентов в статусе

Записи идут через WATCH/MULTI: индексы меняются в одной транзакции с основной записью.
Id, чья основная запись истекла по TTL, вычищаются из индексов лениво при чтении и в Cleanup.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/domain"
	"github.com/xela07ax/agentwatch/internal/infra"
)

// maxTxRetries: сколько раз повторяем транзакцию при конфликте WATCH
const maxTxRetries = 5

type RedisBackend struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisBackend(rdb *redis.Client, retention time.Duration, logger *zap.Logger) *RedisBackend {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{rdb: rdb, ttl: retention, logger: logger.Named("storage.redis")}
}

func (b *RedisBackend) Name() string { return NameRedis }

func (b *RedisBackend) Connect(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: failed to ping: %w", err)
	}
	return nil
}

func (b *RedisBackend) Disconnect(context.Context) error {
	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("redis: failed to close client: %w", err)
	}
	return nil
}

func (b *RedisBackend) Create(ctx context.Context, agent *domain.Agent) error {
	payload, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("redis: failed to encode agent %s: %w", agent.ID, err)
	}

	key := infra.RedisKeyAgent(agent.ID)
	return b.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis: failed to check agent %s: %w", agent.ID, err)
		}
		if n > 0 {
			return &domain.ValidationError{Field: "id", Reason: "agent " + agent.ID + " already exists"}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			b.write(ctx, pipe, nil, agent, payload)
			return nil
		})
		return err
	})
}

func (b *RedisBackend) Save(ctx context.Context, agent *domain.Agent) error {
	payload, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("redis: failed to encode agent %s: %w", agent.ID, err)
	}

	key := infra.RedisKeyAgent(agent.ID)
	return b.watch(ctx, key, func(tx *redis.Tx) error {
		old, err := b.load(ctx, tx, agent.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			b.write(ctx, pipe, old, agent, payload)
			return nil
		})
		return err
	})
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*domain.Agent, error) {
	agents, missing, err := b.fetch(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &domain.NotFoundError{ID: id}
	}
	return agents[0], nil
}

func (b *RedisBackend) List(ctx context.Context, q domain.Query) ([]*domain.Agent, error) {
	// 1. Кандидаты из самого селективного индекса
	var (
		ids []string
		err error
	)
	switch {
	case q.ProjectPath != "":
		ids, err = b.rdb.SMembers(ctx, infra.RedisKeyProjectIndex(q.ProjectPath)).Result()
	case q.Status != "":
		ids, err = b.rdb.SMembers(ctx, infra.RedisKeyStatusIndex(string(q.Status))).Result()
	default:
		ids, err = b.rdb.SUnion(ctx, statusKeys()...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to read index: %w", err)
	}

	// 2. Загрузка записей, истекшие id убираем из индексов
	agents, missing, err := b.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		var extra []string
		if q.ProjectPath != "" {
			extra = append(extra, infra.RedisKeyProjectIndex(q.ProjectPath))
		}
		b.dropStale(ctx, missing, extra...)
	}

	// 3. Остальные предикаты и пагинация в памяти
	out := agents[:0]
	for _, a := range agents {
		if q.Matches(a) {
			out = append(out, a)
		}
	}
	return q.Paginate(out), nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	key := infra.RedisKeyAgent(id)
	return b.watch(ctx, key, func(tx *redis.Tx) error {
		old, err := b.load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, infra.RedisKeyProjectIndex(old.ProjectPath), id)
			pipe.SRem(ctx, infra.RedisKeyStatusIndex(string(old.Status)), id)
			pipe.Del(ctx, key)
			return nil
		})
		return err
	})
}

func (b *RedisBackend) UpdateStatus(ctx context.Context, id string, status domain.AgentStatus, at time.Time) (*domain.Agent, error) {
	return b.mutate(ctx, id, func(a *domain.Agent) {
		a.Status = status
		a.LastActivity = at
	})
}

func (b *RedisBackend) AppendLog(ctx context.Context, id string, entry domain.LogEntry) (*domain.Agent, error) {
	return b.mutate(ctx, id, func(a *domain.Agent) {
		a.AppendLog(entry)
		a.LastActivity = entry.Timestamp
	})
}

func (b *RedisBackend) ProjectStats(ctx context.Context, projectPath string) (*domain.ProjectStats, error) {
	idxKey := infra.RedisKeyProjectIndex(projectPath)
	ids, err := b.rdb.SMembers(ctx, idxKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to read project index: %w", err)
	}

	agents, missing, err := b.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		b.dropStale(ctx, missing, idxKey)
	}

	stats := domain.NewProjectStats(projectPath)
	for _, a := range agents {
		stats.Add(a.Status)
	}
	return stats, nil
}

// Cleanup: записи истекают сами по TTL, здесь вычищаются висячие id из всех индексов.
// Возвращает количество уникальных удаленных id.
func (b *RedisBackend) Cleanup(ctx context.Context) (int, error) {
	removed := make(map[string]struct{})

	prune := func(idxKey string) error {
		ids, err := b.rdb.SMembers(ctx, idxKey).Result()
		if err != nil {
			return fmt.Errorf("redis: failed to read index %s: %w", idxKey, err)
		}
		stale, err := b.missing(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range stale {
			ok, err := b.unindex(ctx, id, idxKey)
			if err != nil {
				return fmt.Errorf("redis: failed to prune index %s: %w", idxKey, err)
			}
			if ok {
				removed[id] = struct{}{}
			}
		}
		return nil
	}

	// 1. Индексы статусов - фиксированный набор ключей
	for _, key := range statusKeys() {
		if err := prune(key); err != nil {
			return len(removed), err
		}
	}

	// 2. Индексы проектов - находим через SCAN
	iter := b.rdb.Scan(ctx, 0, infra.RedisPatternProjectIndexAll, 100).Iterator()
	for iter.Next(ctx) {
		if err := prune(iter.Val()); err != nil {
			return len(removed), err
		}
	}
	if err := iter.Err(); err != nil {
		return len(removed), fmt.Errorf("redis: failed to scan project indexes: %w", err)
	}

	if len(removed) > 0 {
		b.logger.Info("pruned stale index entries", zap.Int("count", len(removed)))
	}
	return len(removed), nil
}

// Count: агент состоит ровно в одном status-индексе, поэтому SUNION == число агентов
func (b *RedisBackend) Count(ctx context.Context) (int, error) {
	ids, err := b.rdb.SUnion(ctx, statusKeys()...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count agents: %w", err)
	}
	return len(ids), nil
}

// watch повторяет транзакцию при конфликте (redis.TxFailedErr)
func (b *RedisBackend) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := b.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		b.logger.Debug("optimistic lock conflict, retrying", zap.String("key", key), zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("redis: transaction on %s failed after %d attempts: %w", key, maxTxRetries, redis.TxFailedErr)
}

func (b *RedisBackend) mutate(ctx context.Context, id string, fn func(a *domain.Agent)) (*domain.Agent, error) {
	key := infra.RedisKeyAgent(id)
	var result *domain.Agent

	err := b.watch(ctx, key, func(tx *redis.Tx) error {
		old, err := b.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next := old.Clone()
		fn(next)

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("redis: failed to encode agent %s: %w", id, err)
		}
		if _, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			b.write(ctx, pipe, old, next, payload)
			return nil
		}); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *RedisBackend) load(ctx context.Context, c redis.Cmdable, id string) (*domain.Agent, error) {
	data, err := c.Get(ctx, infra.RedisKeyAgent(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get agent %s: %w", id, err)
	}
	return decode(id, data)
}

// write ставит в pipeline основную запись и переносы индексов. old == nil - новая запись.
func (b *RedisBackend) write(ctx context.Context, pipe redis.Pipeliner, old, next *domain.Agent, payload []byte) {
	pipe.Set(ctx, infra.RedisKeyAgent(next.ID), payload, b.ttl)
	if old != nil && old.ProjectPath != next.ProjectPath {
		pipe.SRem(ctx, infra.RedisKeyProjectIndex(old.ProjectPath), next.ID)
	}
	if old != nil && old.Status != next.Status {
		pipe.SRem(ctx, infra.RedisKeyStatusIndex(string(old.Status)), next.ID)
	}
	pipe.SAdd(ctx, infra.RedisKeyProjectIndex(next.ProjectPath), next.ID)
	pipe.SAdd(ctx, infra.RedisKeyStatusIndex(string(next.Status)), next.ID)
}

// fetch читает записи пачкой и продлевает их TTL. missing - id без основной записи.
func (b *RedisBackend) fetch(ctx context.Context, ids []string) ([]*domain.Agent, []string, error) {
	if len(ids) == 0 {
		return []*domain.Agent{}, nil, nil
	}

	pipe := b.rdb.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		key := infra.RedisKeyAgent(id)
		gets[i] = pipe.Get(ctx, key)
		pipe.Expire(ctx, key, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("redis: failed to fetch agents: %w", err)
	}

	agents := make([]*domain.Agent, 0, len(ids))
	var missing []string
	for i, cmd := range gets {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			missing = append(missing, ids[i])
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("redis: failed to get agent %s: %w", ids[i], err)
		}
		a, err := decode(ids[i], data)
		if err != nil {
			return nil, nil, err
		}
		agents = append(agents, a)
	}
	return agents, missing, nil
}

// missing: какие из ids не имеют основной записи
func (b *RedisBackend) missing(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := b.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, infra.RedisKeyAgent(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: failed to check agents: %w", err)
	}

	var out []string
	for i, c := range checks {
		if c.Val() == 0 {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

// dropStale - ленивая чистка, ошибка не мешает чтению, добьет Cleanup
func (b *RedisBackend) dropStale(ctx context.Context, ids []string, extraKeys ...string) {
	keys := append(statusKeys(), extraKeys...)
	var dropped []string
	for _, id := range ids {
		ok, err := b.unindex(ctx, id, keys...)
		if err != nil {
			b.logger.Warn("failed to drop stale index entries", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		if ok {
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		b.logger.Debug("dropped stale index entries", zap.Strings("ids", dropped))
	}
}

// unindex убирает id из индексов, только если основной записи нет. WATCH на ключ записи
// отменяет удаление, если агент создан заново между проверкой и SREM.
func (b *RedisBackend) unindex(ctx context.Context, id string, idxKeys ...string) (bool, error) {
	key := infra.RedisKeyAgent(id)
	removed := false
	err := b.watch(ctx, key, func(tx *redis.Tx) error {
		removed = false
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, idx := range idxKeys {
				pipe.SRem(ctx, idx, id)
			}
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	})
	return removed, err
}

func decode(id string, data []byte) (*domain.Agent, error) {
	var a domain.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("redis: failed to decode agent %s: %w", id, err)
	}
	return &a, nil
}

func statusKeys() []string {
	out := make([]string, 0, len(domain.AllStatuses))
	for _, s := range domain.AllStatuses {
		out = append(out, infra.RedisKeyStatusIndex(string(s)))
	}
	return out
}
