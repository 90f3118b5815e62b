package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentwatch/internal/domain"
	"github.com/xela07ax/agentwatch/internal/infra"
)

func TestRedisBackend_KeyLayoutAndTTL(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))

	assert.True(t, mr.Exists("agentwatch:agent:a1"))
	assert.Equal(t, 24*time.Hour, mr.TTL("agentwatch:agent:a1"))

	inProject, err := b.rdb.SIsMember(ctx, "agentwatch:idx:project:/p", "a1").Result()
	require.NoError(t, err)
	assert.True(t, inProject)
	inStatus, err := b.rdb.SIsMember(ctx, "agentwatch:idx:status:idle", "a1").Result()
	require.NoError(t, err)
	assert.True(t, inStatus)
}

func TestRedisBackend_ReadRefreshesTTL(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))

	mr.FastForward(20 * time.Hour)
	assert.Equal(t, 4*time.Hour, mr.TTL(infra.RedisKeyAgent("a1")))

	_, err := b.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, mr.TTL(infra.RedisKeyAgent("a1")))

	// скользящее окно: активный агент живет дольше retention от создания
	mr.FastForward(20 * time.Hour)
	_, err = b.AppendLog(ctx, "a1", domain.LogEntry{ID: "l1", Timestamp: base, Level: domain.LevelInfo})
	require.NoError(t, err)
	mr.FastForward(20 * time.Hour)
	_, err = b.Get(ctx, "a1")
	assert.NoError(t, err)
}

func TestRedisBackend_ExpiredRecordDroppedFromIndexes(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusActive, base)))
	require.NoError(t, b.Create(ctx, newAgent("a2", "/p", domain.StatusActive, base)))

	mr.FastForward(23 * time.Hour)
	_, err := b.Get(ctx, "a2")
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	_, err = b.Get(ctx, "a1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := b.List(ctx, domain.Query{ProjectPath: "/p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(list))

	// ленивая чистка убрала висячий id из обоих индексов
	inProject, err := b.rdb.SIsMember(ctx, infra.RedisKeyProjectIndex("/p"), "a1").Result()
	require.NoError(t, err)
	assert.False(t, inProject)
	inStatus, err := b.rdb.SIsMember(ctx, infra.RedisKeyStatusIndex("active"), "a1").Result()
	require.NoError(t, err)
	assert.False(t, inStatus)
}

func TestRedisBackend_CleanupPrunesAllIndexes(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))
	require.NoError(t, b.Create(ctx, newAgent("a2", "/q", domain.StatusError, base)))

	mr.FastForward(25 * time.Hour)
	require.NoError(t, b.Create(ctx, newAgent("a3", "/q", domain.StatusIdle, base)))

	n, err := b.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	members, err := b.rdb.SMembers(ctx, infra.RedisKeyProjectIndex("/q")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, members)

	again, err := b.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestRedisBackend_ConnectFailure(t *testing.T) {
	b, mr := newRedisBackend(t)
	require.NoError(t, b.Connect(t.Context()))

	mr.Close()
	err := b.Connect(t.Context())
	assert.ErrorContains(t, err, "redis: failed to ping")
}

// Агент пересоздан после того, как чтение сочло его устаревшим: индексы не трогаются
func TestRedisBackend_StalePruneSkipsRecreatedAgent(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := t.Context()
	require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))
	mr.FastForward(25 * time.Hour)
	require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))

	b.dropStale(ctx, []string{"a1"}, infra.RedisKeyProjectIndex("/p"))

	assert.Equal(t, 1, statusMembership(t, b, "a1"))
	inProject, err := b.rdb.SIsMember(ctx, infra.RedisKeyProjectIndex("/p"), "a1").Result()
	require.NoError(t, err)
	assert.True(t, inProject)

	removed, err := b.unindex(ctx, "a1", infra.RedisKeyStatusIndex("idle"))
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := b.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
