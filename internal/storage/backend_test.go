package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentwatch/internal/domain"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newAgent(id, project string, status domain.AgentStatus, at time.Time) *domain.Agent {
	return &domain.Agent{
		ID:           id,
		ProjectPath:  project,
		Status:       status,
		Created:      at,
		LastActivity: at,
		Context:      map[string]any{"task": "demo"},
		Logs:         []domain.LogEntry{{ID: id + "-0", Timestamp: at, Level: domain.LevelInfo, Message: "registered"}},
	}
}

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBackend(rdb, 24*time.Hour, nil), mr
}

// eachBackend гоняет один и тот же контракт на обеих реализациях
func eachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run(NameMemory, func(t *testing.T) {
		fn(t, NewMemoryBackend(24*time.Hour, nil))
	})
	t.Run(NameRedis, func(t *testing.T) {
		b, _ := newRedisBackend(t)
		fn(t, b)
	})
}

// statusMembership: в скольких status-индексах числится агент
func statusMembership(t *testing.T, b Backend, id string) int {
	t.Helper()
	n := 0
	for _, s := range domain.AllStatuses {
		list, err := b.List(t.Context(), domain.Query{Status: s, Limit: 1000})
		require.NoError(t, err)
		for _, a := range list {
			if a.ID == id {
				n++
			}
		}
	}
	return n
}

func TestBackend_CreateAndGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()
		require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))

		got, err := b.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "/p", got.ProjectPath)
		assert.Equal(t, domain.StatusIdle, got.Status)
		assert.Len(t, got.Logs, 1)
		assert.Equal(t, "demo", got.Context["task"])
		assert.True(t, got.Created.Equal(base))

		// копия не связана с хранилищем
		got.Context["task"] = "mutated"
		again, err := b.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "demo", again.Context["task"])
	})
}

func TestBackend_CreateDuplicate(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()
		require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))

		dup := newAgent("a1", "/other", domain.StatusActive, base.Add(time.Hour))
		err := b.Create(ctx, dup)

		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.ErrorIs(t, err, domain.ErrValidation)

		got, err := b.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "/p", got.ProjectPath)
		assert.Equal(t, domain.StatusIdle, got.Status)

		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBackend_GetMissing(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		_, err := b.Get(t.Context(), "ghost")
		var nf *domain.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "ghost", nf.ID)

		_, err = b.UpdateStatus(t.Context(), "ghost", domain.StatusActive, base)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = b.AppendLog(t.Context(), "ghost", domain.LogEntry{ID: "x", Timestamp: base})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, b.Delete(t.Context(), "ghost"), domain.ErrNotFound)
	})
}

func TestBackend_StatusIndexExactlyOne(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()
		require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusIdle, base)))
		assert.Equal(t, 1, statusMembership(t, b, "a1"))

		path := []domain.AgentStatus{
			domain.StatusActive, domain.StatusError, domain.StatusActive,
			domain.StatusComplete, domain.StatusActive, domain.StatusHandoff,
		}
		for i, s := range path {
			at := base.Add(time.Duration(i+1) * time.Minute)
			got, err := b.UpdateStatus(ctx, "a1", s, at)
			require.NoError(t, err)
			assert.Equal(t, s, got.Status)
			assert.True(t, got.LastActivity.Equal(at))
			assert.Equal(t, 1, statusMembership(t, b, "a1"), "after transition to %s", s)
		}
	})
}

func TestBackend_AppendLogEvictsOldest(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()
		a := newAgent("a1", "/p", domain.StatusActive, base)
		a.Logs = make([]domain.LogEntry, 0, domain.MaxLogEntries)
		for i := 0; i < domain.MaxLogEntries; i++ {
			a.Logs = append(a.Logs, domain.LogEntry{ID: fmt.Sprintf("l%d", i), Timestamp: base, Level: domain.LevelInfo})
		}
		require.NoError(t, b.Save(ctx, a))

		at := base.Add(time.Minute)
		got, err := b.AppendLog(ctx, "a1", domain.LogEntry{ID: "l1000", Timestamp: at, Level: domain.LevelError, Message: "boom"})
		require.NoError(t, err)

		require.Len(t, got.Logs, domain.MaxLogEntries)
		assert.Equal(t, "l1", got.Logs[0].ID)
		assert.Equal(t, "l2", got.Logs[1].ID)
		assert.Equal(t, "l1000", got.Logs[len(got.Logs)-1].ID)
		assert.True(t, got.LastActivity.Equal(at))

		stored, err := b.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Len(t, stored.Logs, domain.MaxLogEntries)
	})
}

func TestBackend_ListFiltersSortAndPaginate(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()

		a1 := newAgent("a1", "/p", domain.StatusActive, base)
		a2 := newAgent("a2", "/p", domain.StatusIdle, base.Add(2*time.Minute))
		a2.Tags = []string{"ci", "nightly"}
		a3 := newAgent("a3", "/q", domain.StatusActive, base.Add(time.Minute))
		a3.ParentID = "a1"
		a3.Tags = []string{"ci"}
		for _, a := range []*domain.Agent{a1, a2, a3} {
			require.NoError(t, b.Create(ctx, a))
		}

		all, err := b.List(ctx, domain.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a2", "a3", "a1"}, ids(all))

		byProject, err := b.List(ctx, domain.Query{ProjectPath: "/p"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a2", "a1"}, ids(byProject))

		byStatus, err := b.List(ctx, domain.Query{Status: domain.StatusActive})
		require.NoError(t, err)
		assert.Equal(t, []string{"a3", "a1"}, ids(byStatus))

		combined, err := b.List(ctx, domain.Query{ProjectPath: "/p", Status: domain.StatusActive})
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, ids(combined))

		byParent, err := b.List(ctx, domain.Query{ParentID: "a1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a3"}, ids(byParent))

		byTags, err := b.List(ctx, domain.Query{Tags: []string{"ci"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a2", "a3"}, ids(byTags))

		page, err := b.List(ctx, domain.Query{Offset: 1, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"a3"}, ids(page))

		empty, err := b.List(ctx, domain.Query{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestBackend_SaveReindexes(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()
		a := newAgent("a1", "/p", domain.StatusIdle, base)
		require.NoError(t, b.Create(ctx, a))

		a.ProjectPath = "/moved"
		a.Status = domain.StatusActive
		require.NoError(t, b.Save(ctx, a))

		old, err := b.List(ctx, domain.Query{ProjectPath: "/p"})
		require.NoError(t, err)
		assert.Empty(t, old)

		moved, err := b.List(ctx, domain.Query{ProjectPath: "/moved"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, ids(moved))
		assert.Equal(t, 1, statusMembership(t, b, "a1"))
	})
}

func TestBackend_DeleteRemovesIndexes(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()
		require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusActive, base)))
		require.NoError(t, b.Create(ctx, newAgent("a2", "/p", domain.StatusIdle, base)))

		require.NoError(t, b.Delete(ctx, "a1"))

		_, err := b.Get(ctx, "a1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, 0, statusMembership(t, b, "a1"))

		left, err := b.List(ctx, domain.Query{ProjectPath: "/p"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a2"}, ids(left))

		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBackend_ProjectStats(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := t.Context()
		require.NoError(t, b.Create(ctx, newAgent("a1", "/p", domain.StatusActive, base)))
		require.NoError(t, b.Create(ctx, newAgent("a2", "/p", domain.StatusActive, base)))
		require.NoError(t, b.Create(ctx, newAgent("a3", "/p", domain.StatusError, base)))
		require.NoError(t, b.Create(ctx, newAgent("a4", "/q", domain.StatusIdle, base)))

		stats, err := b.ProjectStats(ctx, "/p")
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.Counts[domain.StatusActive])
		assert.Equal(t, 1, stats.Counts[domain.StatusError])
		assert.Equal(t, 0, stats.Counts[domain.StatusIdle])
		assert.Len(t, stats.Counts, len(domain.AllStatuses))

		empty, err := b.ProjectStats(ctx, "/nowhere")
		require.NoError(t, err)
		assert.Zero(t, empty.Total)
	})
}

func ids(agents []*domain.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}
