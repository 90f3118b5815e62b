package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentwatch/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Message
	fail   bool
	closed bool
	block  chan struct{}
}

func (f *fakeConn) Write(data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) setFail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, m := range f.frames {
		out[i] = m.Type
	}
	return out
}

func (f *fakeConn) count(msgType string) int {
	n := 0
	for _, t := range f.types() {
		if t == msgType {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const wait = time.Second

func newTestHub() *Hub {
	return NewHub(Config{}, nil, nil)
}

func subscribe(t *testing.T, h *Hub, id string, channels ...string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": TypeSubscribe, "data": ChannelsData{Channels: channels}})
	require.NoError(t, err)
	h.HandleMessage(id, raw)
}

func TestRegister_SendsImmediatePing(t *testing.T) {
	h := newTestHub()
	conn := &fakeConn{}
	id := h.Register(conn)

	assert.NotEmpty(t, id)
	assert.Equal(t, 1, h.ConnectionCount())
	assert.Empty(t, h.Subscriptions(id))
	assert.Eventually(t, func() bool { return conn.count(TypePing) == 1 }, wait, time.Millisecond)
}

func TestPublish_ChannelIsolation(t *testing.T) {
	h := newTestHub()
	cx, cy := &fakeConn{}, &fakeConn{}
	idX, idY := h.Register(cx), h.Register(cy)
	subscribe(t, h, idX, AgentChannel("X"))
	subscribe(t, h, idY, AgentChannel("Y"))

	n := h.Publish(Message{Type: TypeAgentUpdate, Data: map[string]any{"id": "X"}}, AgentChannel("X"))
	assert.Equal(t, 1, n)

	assert.Eventually(t, func() bool { return cx.count(TypeAgentUpdate) == 1 }, wait, time.Millisecond)
	// небольшой запас, чтобы лишняя доставка успела бы дойти
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, cy.count(TypeAgentUpdate))
}

func TestPublish_BroadcastWithoutChannel(t *testing.T) {
	h := newTestHub()
	c1, c2 := &fakeConn{}, &fakeConn{}
	h.Register(c1)
	h.Register(c2)

	assert.Equal(t, 2, h.Publish(Message{Type: "announcement"}))
	assert.Eventually(t, func() bool {
		return c1.count("announcement") == 1 && c2.count("announcement") == 1
	}, wait, time.Millisecond)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newTestHub()
	id := h.Register(&fakeConn{})

	subscribe(t, h, id, "project:/p", "agent:a1", "agent:a2")
	assert.Equal(t, []string{"agent:a1", "agent:a2", "project:/p"}, h.Subscriptions(id))

	h.HandleMessage(id, []byte(`{"type":"unsubscribe","data":{"channels":["agent:a1"]}}`))
	assert.Equal(t, []string{"agent:a2", "project:/p"}, h.Subscriptions(id))

	// мусор и неизвестные типы игнорируются, соединение живо
	h.HandleMessage(id, []byte(`not json`))
	h.HandleMessage(id, []byte(`{"type":"dance","data":{}}`))
	h.HandleMessage(id, []byte(`{"type":"subscribe","data":"oops"}`))
	assert.Equal(t, 1, h.ConnectionCount())
	assert.Equal(t, []string{"agent:a2", "project:/p"}, h.Subscriptions(id))

	assert.Nil(t, h.Subscriptions("ghost"))
	assert.NotPanics(t, func() { h.HandleMessage("ghost", []byte(`{"type":"pong"}`)) })
}

func TestAgentUpdated_DeliveredOncePerConnection(t *testing.T) {
	h := newTestHub()
	both, project := &fakeConn{}, &fakeConn{}
	idBoth, idProject := h.Register(both), h.Register(project)
	subscribe(t, h, idBoth, AgentChannel("a1"), ProjectChannel("/p"))
	subscribe(t, h, idProject, ProjectChannel("/p"))

	h.AgentUpdated(&domain.Agent{ID: "a1", ProjectPath: "/p", Status: domain.StatusActive})

	assert.Eventually(t, func() bool {
		return both.count(TypeAgentUpdate) == 1 && project.count(TypeAgentUpdate) == 1
	}, wait, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, both.count(TypeAgentUpdate))
}

func TestNotifierShapes(t *testing.T) {
	h := newTestHub()
	a, b := &fakeConn{}, &fakeConn{}
	idA, idB := h.Register(a), h.Register(b)
	subscribe(t, h, idA, AgentChannel("A"))
	subscribe(t, h, idB, AgentChannel("B"))

	h.LogAppended("A", domain.LogEntry{ID: "l1", Level: domain.LevelWarn, Message: "hi"})
	h.Handoff("A", "B", map[string]any{"task": "deploy"})

	assert.Eventually(t, func() bool {
		return a.count(TypeLogEntry) == 1 && a.count(TypeHandoff) == 1 && b.count(TypeHandoff) == 1
	}, wait, time.Millisecond)
	assert.Zero(t, b.count(TypeLogEntry))

	b.mu.Lock()
	handoff := b.frames[len(b.frames)-1]
	b.mu.Unlock()
	data := handoff.Data.(map[string]any)
	assert.Equal(t, "A", data["fromAgentId"])
	assert.Equal(t, "B", data["toAgentId"])
	assert.Equal(t, "deploy", data["context"].(map[string]any)["task"])
	assert.False(t, handoff.Timestamp.IsZero())
}

func TestPublish_FailingConnectionIsRemoved(t *testing.T) {
	h := newTestHub()
	bad, good := &fakeConn{}, &fakeConn{}
	h.Register(bad)
	h.Register(good)
	assert.Eventually(t, func() bool { return bad.count(TypePing) == 1 }, wait, time.Millisecond)

	bad.setFail()
	h.Publish(Message{Type: "announcement"})

	assert.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, wait, time.Millisecond)
	assert.True(t, bad.isClosed())
	assert.Eventually(t, func() bool { return good.count("announcement") == 1 }, wait, time.Millisecond)

	h.Publish(Message{Type: "announcement"})
	assert.Eventually(t, func() bool { return good.count("announcement") == 2 }, wait, time.Millisecond)
}

func TestPublish_FullQueueDropsSlowConnection(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1}, nil, nil)
	slow := &fakeConn{block: make(chan struct{})}
	defer close(slow.block)
	fast := &fakeConn{}

	slowID := h.Register(slow)
	h.Register(fast)

	// writer забрал ping и висит в Write, буфер свободен
	c := h.client(slowID)
	require.NotNil(t, c)
	assert.Eventually(t, func() bool { return len(c.send) == 0 }, wait, time.Millisecond)

	assert.Equal(t, 2, h.Publish(Message{Type: "m1"}))
	assert.Equal(t, 1, h.Publish(Message{Type: "m2"}))

	assert.Equal(t, 1, h.ConnectionCount())
	assert.Nil(t, h.client(slowID))
	assert.Eventually(t, func() bool { return fast.count("m2") == 1 }, wait, time.Millisecond)
}

func TestPublish_PreservesOrderPerConnection(t *testing.T) {
	h := newTestHub()
	conn := &fakeConn{}
	h.Register(conn)

	want := []string{TypePing}
	for _, typ := range []string{"m1", "m2", "m3", "m4", "m5"} {
		h.Publish(Message{Type: typ})
		want = append(want, typ)
	}
	assert.Eventually(t, func() bool { return len(conn.types()) == len(want) }, wait, time.Millisecond)
	assert.Equal(t, want, conn.types())
}

func TestSweep_RemovesSilentConnections(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := newTestHub()
	h.now = clock.Now

	silent, chatty := &fakeConn{}, &fakeConn{}
	h.Register(silent)
	chattyID := h.Register(chatty)

	clock.Advance(40 * time.Second)
	h.HandleMessage(chattyID, []byte(`{"type":"pong","data":{}}`))

	clock.Advance(21 * time.Second) // silent: 61s без pong, chatty: 21s
	h.Sweep()

	assert.Equal(t, 1, h.ConnectionCount())
	assert.True(t, silent.isClosed())
	assert.False(t, chatty.isClosed())
	assert.Eventually(t, func() bool { return chatty.count(TypePing) == 2 }, wait, time.Millisecond)
}

func TestSweep_KeepsConnectionAtExactlyTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := newTestHub()
	h.now = clock.Now
	h.Register(&fakeConn{})

	clock.Advance(60 * time.Second)
	h.Sweep()
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestRun_ClosesAllOnCancel(t *testing.T) {
	h := NewHub(Config{HeartbeatInterval: 5 * time.Millisecond, HeartbeatTimeout: time.Minute}, nil, nil)
	conn := &fakeConn{}
	h.Register(conn)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	// несколько тиков sweep -> несколько ping
	assert.Eventually(t, func() bool { return conn.count(TypePing) >= 3 }, wait, time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, h.ConnectionCount())
	assert.True(t, conn.isClosed())
}

func TestUnregister_Idempotent(t *testing.T) {
	h := newTestHub()
	conn := &fakeConn{}
	id := h.Register(conn)

	h.Unregister(id)
	h.Unregister(id)
	assert.Zero(t, h.ConnectionCount())
	assert.True(t, conn.isClosed())
	assert.Zero(t, h.Publish(Message{Type: "x"}))
}
