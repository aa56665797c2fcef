package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/mailbox"
	"github.com/agenthub/hubd/pkg/metrics"
	"github.com/agenthub/hubd/pkg/routing"
	"github.com/agenthub/hubd/pkg/trust"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{HubDir: t.TempDir()}
	cfg.Server.MaxFrameBytes = 1 << 20
	cfg.Server.MaxStreamChunkBytes = 256 << 10
	cfg.Board.LockTTL = time.Second
	require.NoError(t, os.MkdirAll(cfg.TokensDir(), 0o700))
	return cfg
}

func writeToken(t *testing.T, cfg *config.Config, account, token string) {
	t.Helper()
	path := filepath.Join(cfg.TokensDir(), account+".token")
	require.NoError(t, os.WriteFile(path, []byte(token), 0o600))
}

// startServer wires a server over in-memory stores. mutate may add
// optional components before start.
func startServer(t *testing.T, cfg *config.Config, mutate func(*Deps)) *Server {
	t.Helper()

	bus := events.NewBus(100)
	deps := Deps{
		Config:   cfg,
		Features: config.Features{Streaming: true},
		Bus:      bus,
		Registry: events.NewRegistry(events.RegistryConfig{MaxPendingWrites: 50, DrainTimeout: time.Second}),
		Board:    board.NewStore(cfg.TasksPath(), cfg.Board.LockTTL),
		Machine:  &board.Machine{EscalationThreshold: 3},
	}
	bus.On(events.Wildcard, deps.Registry.Broadcast)
	if mutate != nil {
		mutate(&deps)
	}

	srv := NewServer(deps)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

type testClient struct {
	t  *testing.T
	nc net.Conn
	sc *bufio.Scanner
}

func dial(t *testing.T, cfg *config.Config) *testClient {
	t.Helper()
	nc, err := net.Dial("unix", cfg.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() }) //nolint:errcheck
	sc := bufio.NewScanner(nc)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &testClient{t: t, nc: nc, sc: sc}
}

func (c *testClient) send(frame map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(c.t, err)
	_, err = c.nc.Write(append(data, '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.True(c.t, c.sc.Scan(), "expected a frame, got: %v", c.sc.Err())
	var frame map[string]any
	require.NoError(c.t, json.Unmarshal(c.sc.Bytes(), &frame))
	return frame
}

// closed reports whether the peer closed the connection.
func (c *testClient) closed() bool {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(time.Second)))
	return !c.sc.Scan()
}

func (c *testClient) request(frame map[string]any) map[string]any {
	c.t.Helper()
	c.send(frame)
	return c.recv()
}

func (c *testClient) auth(account, token string) map[string]any {
	c.t.Helper()
	return c.request(map[string]any{"type": "auth", "account": account, "token": token})
}

// waitFrame reads frames until pred matches, skipping heartbeats and
// unrelated stream traffic.
func (c *testClient) waitFrame(pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		frame := c.recv()
		if pred(frame) {
			return frame
		}
	}
	c.t.Fatal("frame not observed")
	return nil
}

func TestAuthHandshake(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T\n")
	startServer(t, cfg, nil)

	t.Run("trimmed token accepted", func(t *testing.T) {
		c := dial(t, cfg)
		reply := c.auth("alice", "T")
		assert.Equal(t, "auth_ok", reply["type"])
	})

	t.Run("wrong token rejected and closed", func(t *testing.T) {
		c := dial(t, cfg)
		reply := c.auth("alice", "X")
		assert.Equal(t, "auth_fail", reply["type"])
		assert.Equal(t, "Invalid token", reply["error"])
		assert.True(t, c.closed())
	})

	t.Run("unknown account rejected", func(t *testing.T) {
		c := dial(t, cfg)
		reply := c.auth("mallory", "T")
		assert.Equal(t, "auth_fail", reply["type"])
	})

	t.Run("malformed account name rejected", func(t *testing.T) {
		c := dial(t, cfg)
		reply := c.auth("../etc/passwd", "T")
		assert.Equal(t, "auth_fail", reply["type"])
	})

	t.Run("request before auth closes connection", func(t *testing.T) {
		c := dial(t, cfg)
		reply := c.request(map[string]any{"type": "ping"})
		assert.Equal(t, "auth_fail", reply["type"])
		assert.True(t, c.closed())
	})
}

func TestUnknownType(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	startServer(t, cfg, nil)

	c := dial(t, cfg)
	c.auth("alice", "T")
	reply := c.request(map[string]any{"type": "make_coffee", "requestId": "r1"})
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "unknown type", reply["error"])
	assert.Equal(t, "validation", reply["kind"])
	assert.Equal(t, "r1", reply["requestId"])
}

func TestInvalidJSONFrameIsSkipped(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	startServer(t, cfg, nil)

	c := dial(t, cfg)
	c.auth("alice", "T")
	_, err := c.nc.Write([]byte("{not json\n"))
	require.NoError(t, err)
	reply := c.request(map[string]any{"type": "ping"})
	assert.Equal(t, "result", reply["type"])
	assert.Equal(t, true, reply["pong"])
}

func TestUpdateTaskStatusAndStream(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	srv := startServer(t, cfg, nil)

	require.NoError(t, srv.deps.Board.Update(func(b *board.Board) error {
		return b.Add(&board.Task{ID: "t1", Title: "wire the socket", Status: board.StatusTodo, CreatedAt: time.Now().UTC()})
	}))

	c := dial(t, cfg)
	c.auth("alice", "T")

	sub := c.request(map[string]any{"type": "subscribe", "patterns": []string{"TASK_*"}})
	require.Equal(t, "result", sub["type"])

	reply := c.request(map[string]any{
		"type": "update_task_status", "requestId": "r7",
		"taskId": "t1", "status": "in_progress",
	})
	require.Equal(t, "result", reply["type"], "unexpected reply: %v", reply)
	assert.Equal(t, "r7", reply["requestId"])
	task := reply["task"].(map[string]any)
	assert.Equal(t, "in_progress", task["status"])
	assert.Equal(t, "alice", task["assignee"])

	frame := c.waitFrame(func(f map[string]any) bool { return f["type"] == "stream_event" })
	event := frame["event"].(map[string]any)
	assert.Equal(t, "TASK_STARTED", event["type"])
	assert.Equal(t, "t1", event["taskId"])
	assert.Equal(t, "alice", event["agent"])
}

func TestUpdateTaskStatusRejectionEscalation(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "lead", "T")
	srv := startServer(t, cfg, func(d *Deps) {
		d.Machine = &board.Machine{EscalationThreshold: 2}
		store, err := trust.NewStore("")
		require.NoError(t, err)
		d.Trust = store
	})

	require.NoError(t, srv.deps.Board.Update(func(b *board.Board) error {
		t1 := &board.Task{ID: "t1", Title: "flaky", Status: board.StatusTodo, CreatedAt: time.Now().UTC()}
		if err := b.Add(t1); err != nil {
			return err
		}
		return srv.deps.Machine.Start(t1, "worker")
	}))

	c := dial(t, cfg)
	c.auth("lead", "T")

	submit := func() {
		reply := c.request(map[string]any{"type": "update_task_status", "taskId": "t1", "status": "ready_for_review"})
		require.Equal(t, "result", reply["type"], "unexpected reply: %v", reply)
	}

	submit()
	reply := c.request(map[string]any{"type": "update_task_status", "taskId": "t1", "status": "rejected", "reason": "tests fail"})
	require.Equal(t, "result", reply["type"])
	assert.Nil(t, reply["escalated"])
	assert.Equal(t, "in_progress", reply["task"].(map[string]any)["status"])

	submit()
	reply = c.request(map[string]any{"type": "update_task_status", "taskId": "t1", "status": "rejected", "reason": "still failing"})
	require.Equal(t, "result", reply["type"])
	assert.Equal(t, true, reply["escalated"])
	assert.Equal(t, "needs_review", reply["task"].(map[string]any)["status"])

	// Two rejections at -3 each, starting from the baseline.
	rec, found := srv.deps.Trust.Get("worker")
	require.True(t, found)
	assert.Equal(t, trust.Baseline-6, rec.TrustScore)
}

func TestUpdateTaskStatusErrors(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	srv := startServer(t, cfg, nil)

	require.NoError(t, srv.deps.Board.Update(func(b *board.Board) error {
		return b.Add(&board.Task{ID: "t1", Title: "x", Status: board.StatusTodo, CreatedAt: time.Now().UTC()})
	}))

	c := dial(t, cfg)
	c.auth("alice", "T")

	t.Run("missing task", func(t *testing.T) {
		reply := c.request(map[string]any{"type": "update_task_status", "taskId": "nope", "status": "in_progress"})
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, "not_found", reply["kind"])
	})

	t.Run("illegal transition", func(t *testing.T) {
		reply := c.request(map[string]any{"type": "update_task_status", "taskId": "t1", "status": "accepted"})
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, "validation", reply["kind"])
	})

	t.Run("unsupported status", func(t *testing.T) {
		reply := c.request(map[string]any{"type": "update_task_status", "taskId": "t1", "status": "paused"})
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, "validation", reply["kind"])
	})
}

func TestCreateAndListTasks(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	startServer(t, cfg, nil)

	c := dial(t, cfg)
	c.auth("alice", "T")

	created := c.request(map[string]any{
		"type": "create_task", "title": "index the docs",
		"tags": []string{"docs"}, "skills": []string{"go"},
	})
	require.Equal(t, "result", created["type"])
	id := created["task"].(map[string]any)["id"].(string)
	require.NotEmpty(t, id)

	got := c.request(map[string]any{"type": "get_task", "taskId": id})
	require.Equal(t, "result", got["type"])
	assert.Equal(t, "index the docs", got["task"].(map[string]any)["title"])

	listed := c.request(map[string]any{"type": "list_tasks", "status": "todo"})
	require.Equal(t, "result", listed["type"])
	assert.Len(t, listed["tasks"].([]any), 1)

	none := c.request(map[string]any{"type": "list_tasks", "assignee": "bob"})
	assert.Empty(t, none["tasks"])

	missingTitle := c.request(map[string]any{"type": "create_task"})
	assert.Equal(t, "error", missingTitle["type"])
	assert.Equal(t, "validation", missingTitle["kind"])
}

func TestMessagingRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "A")
	writeToken(t, cfg, "bob", "B")
	startServer(t, cfg, func(d *Deps) {
		store, err := mailbox.Open(cfg.MailboxPath())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() }) //nolint:errcheck
		d.Mailbox = store
	})

	alice := dial(t, cfg)
	alice.auth("alice", "A")
	bob := dial(t, cfg)
	bob.auth("bob", "B")

	sent := alice.request(map[string]any{"type": "send_message", "to": "bob", "body": "review please", "taskId": "t1"})
	require.Equal(t, "result", sent["type"])

	count := bob.request(map[string]any{"type": "count_unread"})
	assert.Equal(t, float64(1), count["count"])

	read := bob.request(map[string]any{"type": "read_messages", "markRead": true})
	msgs := read["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "review please", msgs[0].(map[string]any)["body"])

	count = bob.request(map[string]any{"type": "count_unread"})
	assert.Equal(t, float64(0), count["count"])
}

func TestHandoffFlow(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "lead", "L")
	writeToken(t, cfg, "worker", "W")
	srv := startServer(t, cfg, func(d *Deps) {
		store, err := mailbox.Open(cfg.MailboxPath())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() }) //nolint:errcheck
		d.Mailbox = store
	})

	require.NoError(t, srv.deps.Board.Update(func(b *board.Board) error {
		return b.Add(&board.Task{ID: "t1", Title: "port the parser", Status: board.StatusTodo, CreatedAt: time.Now().UTC()})
	}))

	lead := dial(t, cfg)
	lead.auth("lead", "L")
	worker := dial(t, cfg)
	worker.auth("worker", "W")

	handed := lead.request(map[string]any{
		"type": "handoff_task", "to": "worker", "taskId": "t1",
		"content": `{"goal":"port the parser","run_commands":["go test ./..."]}`,
	})
	require.Equal(t, "result", handed["type"])
	handoffID := handed["handoff"].(map[string]any)["id"].(string)

	// The handoff rides the mailbox as a notification.
	count := worker.request(map[string]any{"type": "count_unread"})
	assert.Equal(t, float64(1), count["count"])

	accepted := worker.request(map[string]any{"type": "handoff_accept", "handoffId": handoffID})
	require.Equal(t, "result", accepted["type"])
	assert.Equal(t, true, accepted["taskStarted"])

	b, err := srv.deps.Board.Load()
	require.NoError(t, err)
	assert.Equal(t, board.StatusInProgress, b.Get("t1").Status)
	assert.Equal(t, "worker", b.Get("t1").Assignee)

	missing := worker.request(map[string]any{"type": "handoff_accept", "handoffId": "nope"})
	assert.Equal(t, "error", missing["type"])
	assert.Equal(t, "not_found", missing["kind"])
}

func TestSuggestAssignee(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "lead", "L")
	startServer(t, cfg, func(d *Deps) {
		caps, err := routing.NewStore("")
		require.NoError(t, err)
		require.NoError(t, caps.Upsert(routing.Capability{AccountName: "gopher", Skills: []string{"go"}}))
		require.NoError(t, caps.Upsert(routing.Capability{AccountName: "pythonista", Skills: []string{"python"}}))
		d.Caps = caps
	})

	c := dial(t, cfg)
	c.auth("lead", "L")

	reply := c.request(map[string]any{"type": "suggest_assignee", "skills": []string{"go"}})
	require.Equal(t, "result", reply["type"])
	suggestions := reply["suggestions"].([]any)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "gopher", suggestions[0].(map[string]any)["accountName"])

	excluded := c.request(map[string]any{
		"type": "suggest_assignee", "skills": []string{"go"},
		"excludeAccounts": []string{"gopher"},
	})
	for _, s := range excluded["suggestions"].([]any) {
		assert.NotEqual(t, "gopher", s.(map[string]any)["accountName"])
	}
}

func TestEmitEventTaxonomy(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	srv := startServer(t, cfg, nil)

	c := dial(t, cfg)
	c.auth("alice", "T")

	ok := c.request(map[string]any{
		"type": "emit_event", "eventType": "AGENT_STREAM_CHUNK",
		"taskId": "t1", "data": map[string]any{"chunk": "hello"},
	})
	require.Equal(t, "result", ok["type"])
	assert.NotEmpty(t, ok["eventId"])

	recent := srv.deps.Bus.Recent(events.RecentFilter{Type: "AGENT_STREAM_CHUNK"})
	require.Len(t, recent, 1)
	assert.Equal(t, "alice", recent[0].Agent)

	bad := c.request(map[string]any{"type": "emit_event", "eventType": "TOTALLY_MADE_UP"})
	assert.Equal(t, "error", bad["type"])
	assert.Equal(t, "validation", bad["kind"])
}

func TestRecentEventsOverRPC(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	srv := startServer(t, cfg, nil)

	srv.deps.Bus.Emit(events.Event{Type: events.TaskCreated, TaskID: "t1"})
	srv.deps.Bus.Emit(events.Event{Type: events.TaskStarted, TaskID: "t1"})
	srv.deps.Bus.Emit(events.Event{Type: events.TaskStarted, TaskID: "t2"})

	c := dial(t, cfg)
	c.auth("alice", "T")

	reply := c.request(map[string]any{"type": "get_recent_events", "eventType": "TASK_*", "taskId": "t1"})
	require.Equal(t, "result", reply["type"])
	assert.Len(t, reply["events"].([]any), 2)
}

func TestHealthAndAnalytics(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	startServer(t, cfg, func(d *Deps) {
		d.Metrics = metrics.New()
	})

	c := dial(t, cfg)
	c.auth("alice", "T")

	health := c.request(map[string]any{"type": "health_check"})
	require.Equal(t, "result", health["type"])
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "alice", health["account"])

	c.request(map[string]any{"type": "ping"})

	analytics := c.request(map[string]any{"type": "get_analytics"})
	require.Equal(t, "result", analytics["type"])
	snap := analytics["metrics"].(map[string]any)
	assert.Equal(t, float64(1), snap[`hubd_rpc_requests_total{status="ok",type="health_check"}`])
}

func TestDisabledComponent(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	startServer(t, cfg, nil)

	c := dial(t, cfg)
	c.auth("alice", "T")

	reply := c.request(map[string]any{"type": "search_knowledge", "query": "anything"})
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "validation", reply["kind"])
	assert.Contains(t, reply["error"], "not enabled")
}

func TestSubscribePatternFiltering(t *testing.T) {
	cfg := testConfig(t)
	writeToken(t, cfg, "alice", "T")
	srv := startServer(t, cfg, nil)

	c := dial(t, cfg)
	c.auth("alice", "T")
	c.request(map[string]any{"type": "subscribe", "patterns": []string{"SLA_*"}})

	srv.deps.Bus.Emit(events.Event{Type: events.TaskStarted, TaskID: "t1"})
	srv.deps.Bus.Emit(events.Event{Type: events.SLAWarning, TaskID: "t1"})

	frame := c.waitFrame(func(f map[string]any) bool { return f["type"] == "stream_event" })
	assert.Equal(t, "SLA_WARNING", frame["event"].(map[string]any)["type"])
}
