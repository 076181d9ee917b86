package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/procmadatelzobak/iris-relay/internal/gen"
	"github.com/procmadatelzobak/iris-relay/internal/hub"
	"github.com/procmadatelzobak/iris-relay/internal/persistence/store"
	"github.com/procmadatelzobak/iris-relay/internal/protocol"
	"github.com/procmadatelzobak/iris-relay/internal/sim/env"
	"github.com/procmadatelzobak/iris-relay/internal/sim/tuning"
	"github.com/procmadatelzobak/iris-relay/internal/sim/window"
)

type fixture struct {
	d   *Dispatcher
	env *env.Env
	win *window.Tracker
	hub *hub.Hub
	st  *store.Store
	gen *gen.Scripted
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := tuning.Defaults()
	e := env.New(cfg)
	w := window.NewTracker()
	h := hub.New(cfg.TotalSessions)
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	g := &gen.Scripted{}
	d := New(cfg, e, w, h, st, g, DefaultPrompts("test"), log.New(io.Discard, "", 0), nil)
	return &fixture{d: d, env: e, win: w, hub: h, st: st, gen: g}
}

func client(role string, unit int, name string) *hub.Client {
	return &hub.Client{Role: role, Unit: unit, Name: name, Out: make(chan []byte, 32)}
}

func frame(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

type decoded struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Content string `json:"content"`
	Role    string `json:"role"`
	Sender  string `json:"sender"`
	Locked  bool   `json:"locked"`
	IsLock  bool   `json:"is_locked"`
	Status  string `json:"status"`
	Credits int64  `json:"credits"`
	Mode    string `json:"mode"`
	Hyper   string `json:"hyper_mode"`
}

func drain(c *hub.Client) []decoded {
	var out []decoded
	for {
		select {
		case b := <-c.Out:
			var m decoded
			json.Unmarshal(b, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func find(msgs []decoded, typ string) *decoded {
	for i := range msgs {
		if msgs[i].Type == typ {
			return &msgs[i]
		}
	}
	return nil
}

func TestOperatorBlockedWithoutPrompt(t *testing.T) {
	f := newFixture(t)
	op := client(protocol.RoleOperator, 3, "A-3")
	f.hub.Register(op)

	f.d.Dispatch(context.Background(), op, frame(map[string]any{"type": "chat", "content": "hello"}))

	msgs := drain(op)
	e := find(msgs, protocol.TypeError)
	if e == nil || e.Code != protocol.ErrNoPrompt {
		t.Fatalf("messages = %+v, want E_NO_PROMPT", msgs)
	}
}

func TestOperatorBlockedAfterTimeout(t *testing.T) {
	f := newFixture(t)
	op := client(protocol.RoleOperator, 3, "A-3")
	f.hub.Register(op)
	f.win.StartPending(3, timeZero())
	f.win.Sweep(timeZero().Add(1<<40), 1)

	f.d.Dispatch(context.Background(), op, frame(map[string]any{"type": "chat", "content": "late"}))

	e := find(drain(op), protocol.TypeError)
	if e == nil || e.Code != protocol.ErrWindowClosed {
		t.Fatalf("want E_WINDOW_CLOSED, got %+v", e)
	}
}

func TestChatRoundTripUnlocksSubject(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 2, "U-2")
	op := client(protocol.RoleOperator, 2, "A-2")
	f.hub.Register(sub)
	f.hub.Register(op)

	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "chat", "content": "status report?"}))

	subMsgs := drain(sub)
	if lock := find(subMsgs, protocol.TypeLockUpdate); lock == nil || !lock.Locked {
		t.Fatalf("subject not locked: %+v", subMsgs)
	}
	opMsgs := drain(op)
	if chat := find(opMsgs, protocol.TypeChat); chat == nil || chat.Content != "status report?" {
		t.Fatalf("operator missed relay: %+v", opMsgs)
	}
	if !f.win.IsPending(2) {
		t.Fatal("window not pending after subject chat")
	}

	f.d.Dispatch(context.Background(), op, frame(map[string]any{"type": "chat", "content": "all nominal"}))

	subMsgs = drain(sub)
	if lock := find(subMsgs, protocol.TypeLockUpdate); lock == nil || lock.Locked {
		t.Fatalf("subject not unlocked: %+v", subMsgs)
	}
	if f.win.IsPending(2) {
		t.Fatal("window still pending after reply")
	}
}

func TestSubjectMessageRestartsWindow(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 1, "U-1")
	op := client(protocol.RoleOperator, 1, "A-1")
	f.hub.Register(sub)
	f.hub.Register(op)

	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "chat", "content": "first"}))
	drain(sub)
	drain(op)

	// A second message while the first is still unanswered is accepted and
	// restarts the window.
	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "chat", "content": "second"}))

	msgs := drain(sub)
	if e := find(msgs, protocol.TypeError); e != nil {
		t.Fatalf("second message rejected: %+v", e)
	}
	if chat := find(drain(op), protocol.TypeChat); chat == nil || chat.Content != "second" {
		t.Fatalf("operator missed the second message: %+v", chat)
	}
	if !f.win.IsPending(1) {
		t.Fatal("window not pending after restart")
	}

	// And a message after a timeout clears the timed-out state too.
	f.win.Sweep(time.Now().Add(1<<40), 1)
	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "chat", "content": "third"}))
	if f.win.IsTimedOut(1) || !f.win.IsPending(1) {
		t.Fatal("timed-out window must restart on a fresh message")
	}
}

func TestSubjectChatBlockedWhenLocked(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 1, "U-1")
	op := client(protocol.RoleOperator, 1, "A-1")
	f.hub.Register(sub)
	f.hub.Register(op)
	ctx := context.Background()

	if err := f.st.SetLocked(ctx, protocol.RoleSubject, 1, true); err != nil {
		t.Fatal(err)
	}
	f.d.Dispatch(ctx, sub, frame(map[string]any{"type": "chat", "content": "anyone?"}))

	e := find(drain(sub), protocol.TypeError)
	if e == nil || e.Code != protocol.ErrLocked {
		t.Fatalf("want E_LOCKED, got %+v", e)
	}
	if got := drain(op); len(got) != 0 {
		t.Fatalf("locked chat relayed: %+v", got)
	}
	if f.win.IsPending(1) {
		t.Fatal("locked chat opened a window")
	}

	// Tasks still work while locked.
	f.d.Dispatch(ctx, sub, frame(map[string]any{"type": "task_request", "content": "sweep bay 3"}))
	if find(drain(sub), protocol.TypeTaskUpdate) == nil {
		t.Fatal("locked subject could not request a task")
	}
}

func TestLockCommandNotifiesSubject(t *testing.T) {
	f := newFixture(t)
	obs := client(protocol.RoleObserver, 0, "OBS")
	sub := client(protocol.RoleSubject, 2, "U-2")
	f.hub.Register(obs)
	f.hub.Register(sub)
	ctx := context.Background()

	f.d.Dispatch(ctx, obs, frame(map[string]any{"type": "lock_command", "value": 2, "enabled": true}))

	if locked, _ := f.st.Locked(ctx, protocol.RoleSubject, 2); !locked {
		t.Fatal("lock not persisted")
	}
	status := find(drain(sub), protocol.TypeUserStatus)
	if status == nil || !status.IsLock {
		t.Fatalf("subject status = %+v", status)
	}
	if find(drain(obs), protocol.TypeObserverAck) == nil {
		t.Fatal("observer not acked")
	}
}

func TestPanicCensorshipFallback(t *testing.T) {
	f := newFixture(t)
	op := client(protocol.RoleOperator, 4, "A-4")
	sub := client(protocol.RoleSubject, 4, "U-4")
	f.hub.Register(op)
	f.hub.Register(sub)

	f.env.SetPanic(4, env.SideAgent, true)
	f.gen.Err = errors.New("backend down")
	f.win.StartPending(4, timeZero())

	f.d.Dispatch(context.Background(), op, frame(map[string]any{"type": "chat", "content": "the secret truth"}))

	chat := find(drain(sub), protocol.TypeChat)
	if chat == nil || chat.Content != censorFallback {
		t.Fatalf("relayed %+v, want censor fallback", chat)
	}
}

func TestOperatorReplyDroppedWhenWindowExpiresDuringCensor(t *testing.T) {
	f := newFixture(t)
	op := client(protocol.RoleOperator, 4, "A-4")
	sub := client(protocol.RoleSubject, 4, "U-4")
	f.hub.Register(op)
	f.hub.Register(sub)

	f.env.SetPanic(4, env.SideAgent, true)
	f.win.StartPending(4, timeZero())

	// The censor call is slow enough for the sweep to expire the window.
	f.d.gen = genFunc(func(ctx context.Context, cfg gen.Config, turns []gen.Turn) (string, error) {
		f.win.Sweep(timeZero().Add(1<<40), 1)
		return "censored text", nil
	})

	f.d.Dispatch(context.Background(), op, frame(map[string]any{"type": "chat", "content": "too slow"}))

	e := find(drain(op), protocol.TypeError)
	if e == nil || e.Code != protocol.ErrWindowClosed {
		t.Fatalf("want E_WINDOW_CLOSED, got %+v", e)
	}
	if got := drain(sub); len(got) != 0 {
		t.Fatalf("stale reply delivered: %+v", got)
	}
	hist, _ := f.st.History(context.Background(), 4, 0)
	if len(hist) != 0 {
		t.Fatalf("stale reply persisted: %+v", hist)
	}
	if !f.win.IsTimedOut(4) {
		t.Fatal("timeout must survive the rejected reply")
	}
}

func TestOperatorReplyDroppedWhenWindowRestartsDuringCensor(t *testing.T) {
	f := newFixture(t)
	op := client(protocol.RoleOperator, 4, "A-4")
	f.hub.Register(op)

	f.env.SetPanic(4, env.SideAgent, true)
	f.win.StartPending(4, timeZero())

	// Window consumed while the censor call is in flight.
	f.d.gen = genFunc(func(ctx context.Context, cfg gen.Config, turns []gen.Turn) (string, error) {
		f.win.ClearPending(4)
		return "censored text", nil
	})

	f.d.Dispatch(context.Background(), op, frame(map[string]any{"type": "chat", "content": "late"}))

	e := find(drain(op), protocol.TypeError)
	if e == nil || e.Code != protocol.ErrNoPrompt {
		t.Fatalf("want E_NO_PROMPT, got %+v", e)
	}
}

func TestOptimizerPreviewToSenderOnly(t *testing.T) {
	f := newFixture(t)
	op := client(protocol.RoleOperator, 1, "A-1")
	sub := client(protocol.RoleSubject, 1, "U-1")
	f.hub.Register(op)
	f.hub.Register(sub)

	f.env.SetOptimizer(true, "be gentle")
	f.gen.Replies = []string{"rewritten reply"}
	f.win.StartPending(1, timeZero())

	f.d.Dispatch(context.Background(), op, frame(map[string]any{"type": "chat", "content": "raw reply"}))

	opMsgs := drain(op)
	if find(opMsgs, protocol.TypeOptimizingStart) == nil {
		t.Fatalf("no optimizing_start: %+v", opMsgs)
	}
	if find(opMsgs, protocol.TypeOptimizerPreview) == nil {
		t.Fatalf("no preview: %+v", opMsgs)
	}
	if got := drain(sub); len(got) != 0 {
		t.Fatalf("subject saw preview traffic: %+v", got)
	}
	if !f.win.IsPending(1) {
		t.Fatal("preview must not consume the window")
	}

	// Confirming delivers the optimized line.
	f.d.Dispatch(context.Background(), op, frame(map[string]any{
		"type": "chat", "content": "rewritten reply", "confirm_opt": true,
	}))
	chat := find(drain(sub), protocol.TypeChat)
	if chat == nil || chat.Content != "rewritten reply" {
		t.Fatalf("confirm did not deliver: %+v", chat)
	}
}

func TestAutopilotRepliesAndRevalidates(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 5, "U-5")
	f.hub.Register(sub)
	f.env.SetAutopilot(5, true)
	f.gen.Replies = []string{"synthetic reply"}

	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "chat", "content": "anyone there?"}))

	msgs := drain(sub)
	if start := find(msgs, protocol.TypeOptimizingStart); start == nil || start.Mode != "hyper" {
		t.Fatalf("no optimizing_start announcement: %+v", msgs)
	}
	var reply *decoded
	for i := range msgs {
		if msgs[i].Role == protocol.RoleOperator {
			reply = &msgs[i]
		}
	}
	if reply == nil || reply.Content != "synthetic reply" {
		t.Fatalf("no autopilot reply: %+v", msgs)
	}
	if f.win.IsPending(5) {
		t.Fatal("autopilot reply must clear the window")
	}
}

func TestAutopilotDroppedWhenShiftMovesDuringCensor(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 5, "U-5")
	f.hub.Register(sub)
	f.env.SetAutopilot(5, true)
	f.env.SetPanic(5, env.SideAgent, true)

	// First call synthesizes the reply, second is the censor rewrite; the
	// shift moves between them.
	calls := 0
	f.d.gen = genFunc(func(ctx context.Context, cfg gen.Config, turns []gen.Turn) (string, error) {
		calls++
		if calls == 2 {
			f.env.IncrementOffset()
		}
		return "generated", nil
	})

	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "chat", "content": "hello"}))

	for _, m := range drain(sub) {
		if m.Role == protocol.RoleOperator {
			t.Fatalf("stale autopilot reply delivered: %+v", m)
		}
	}
	if !f.win.IsPending(5) {
		t.Fatal("window must stay pending when the reply is dropped")
	}
}

func TestAutopilotDroppedWhenShiftMovesAway(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 5, "U-5")
	f.hub.Register(sub)
	f.env.SetAutopilot(5, true)

	// The generator moves the shift mid-call, simulating a slow backend.
	moved := false
	f.d.gen = genFunc(func(ctx context.Context, cfg gen.Config, turns []gen.Turn) (string, error) {
		if !moved {
			moved = true
			f.env.IncrementOffset()
		}
		return "stale reply", nil
	})

	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "chat", "content": "hello"}))

	for _, m := range drain(sub) {
		if m.Role == protocol.RoleOperator {
			t.Fatalf("stale autopilot reply delivered: %+v", m)
		}
	}
	if !f.win.IsPending(5) {
		t.Fatal("window must stay pending when the reply is dropped")
	}
}

type genFunc func(context.Context, gen.Config, []gen.Turn) (string, error)

func (f genFunc) Generate(ctx context.Context, cfg gen.Config, turns []gen.Turn) (string, error) {
	return f(ctx, cfg, turns)
}

func TestReportOptimizedMessageDenied(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 2, "U-2")
	f.hub.Register(sub)

	id, err := f.st.AppendChat(context.Background(), store.ChatRecord{
		Session: 2, Sender: "A-2", Role: protocol.RoleOperator, Content: "x", Optimized: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "report_message", "id": id}))

	if find(drain(sub), protocol.TypeReportDenied) == nil {
		t.Fatal("optimized message must be immune to reports")
	}
	if got := f.env.Temperature(); got != 20 {
		t.Fatalf("denied report heated reactor: %v", got)
	}
}

func TestReportAcceptedHeatsReactor(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 2, "U-2")
	f.hub.Register(sub)

	id, _ := f.st.AppendChat(context.Background(), store.ChatRecord{
		Session: 2, Sender: "A-2", Role: protocol.RoleOperator, Content: "x",
	})

	f.d.Dispatch(context.Background(), sub, frame(map[string]any{"type": "report_message", "id": id}))

	if find(drain(sub), protocol.TypeReportAccepted) == nil {
		t.Fatal("report not accepted")
	}
	if got := f.env.Temperature(); got != 35 {
		t.Fatalf("temperature = %v, want 35", got)
	}
}

func TestTaskPaySettlement(t *testing.T) {
	f := newFixture(t)
	obs := client(protocol.RoleObserver, 0, "OBS")
	sub := client(protocol.RoleSubject, 3, "U-3")
	f.hub.Register(obs)
	f.hub.Register(sub)
	ctx := context.Background()

	task, err := f.st.CreateTask(ctx, 3, "recalibrate sensors", 1000)
	if err != nil {
		t.Fatal(err)
	}
	f.st.ApproveTask(ctx, task.ID)
	f.st.SubmitTask(ctx, task.ID, "done")

	f.d.Dispatch(ctx, obs, frame(map[string]any{"type": "task_pay", "task_id": task.ID, "rating": 100}))

	if f.env.Treasury() != 200 {
		t.Fatalf("treasury = %d, want 200", f.env.Treasury())
	}
	credits, _ := f.st.Credits(ctx, protocol.RoleSubject, 3)
	if credits != 800 {
		t.Fatalf("credits = %d, want 800", credits)
	}
	status := find(drain(sub), protocol.TypeUserStatus)
	if status == nil || status.Credits != 800 {
		t.Fatalf("subject status = %+v", status)
	}
	if find(drain(obs), protocol.TypeObserverAck) == nil {
		t.Fatal("observer not acked")
	}
}

func TestBuyPowerRejectedWithoutFunds(t *testing.T) {
	f := newFixture(t)
	obs := client(protocol.RoleObserver, 0, "OBS")
	f.hub.Register(obs)

	f.d.Dispatch(context.Background(), obs, frame(map[string]any{"type": "buy_power_command"}))

	e := find(drain(obs), protocol.TypeError)
	if e == nil || e.Code != protocol.ErrNoFunds {
		t.Fatalf("want E_NO_FUNDS, got %+v", e)
	}
}

func TestVisibilityCommandBroadcastsMode(t *testing.T) {
	f := newFixture(t)
	obs := client(protocol.RoleObserver, 0, "OBS")
	sub := client(protocol.RoleSubject, 1, "U-1")
	f.hub.Register(obs)
	f.hub.Register(sub)

	f.d.Dispatch(context.Background(), obs, frame(map[string]any{"type": "visibility_command", "mode": "blackbox"}))

	if f.env.Visibility() != env.VisBlackbox {
		t.Fatalf("visibility = %s", f.env.Visibility())
	}
	gs := find(drain(sub), protocol.TypeGamestateUpdate)
	if gs == nil || gs.Hyper != "blackbox" {
		t.Fatalf("gamestate broadcast = %+v, want hyper_mode blackbox", gs)
	}
}

func TestResetClearsStateAndAlerts(t *testing.T) {
	f := newFixture(t)
	obs := client(protocol.RoleObserver, 0, "OBS")
	sub := client(protocol.RoleSubject, 1, "U-1")
	f.hub.Register(obs)
	f.hub.Register(sub)

	f.env.SetTemperature(900)
	f.env.SetAllPanic(true)
	f.win.StartPending(1, timeZero())

	f.d.Dispatch(context.Background(), obs, frame(map[string]any{"type": "reset_command"}))

	if f.env.Temperature() != 20 || f.env.AnyPanic() || f.win.IsPending(1) {
		t.Fatal("reset left state behind")
	}
	if find(drain(sub), protocol.TypeSystemAlert) == nil {
		t.Fatal("no failover alert broadcast")
	}
}

func TestMalformedFrameDegradesToChat(t *testing.T) {
	f := newFixture(t)
	sub := client(protocol.RoleSubject, 6, "U-6")
	op := client(protocol.RoleOperator, 6, "A-6")
	f.hub.Register(sub)
	f.hub.Register(op)

	f.d.Dispatch(context.Background(), sub, []byte("not json at all"))

	chat := find(drain(op), protocol.TypeChat)
	if chat == nil || chat.Content != "not json at all" {
		t.Fatalf("raw frame not relayed as chat: %+v", chat)
	}
}

func timeZero() time.Time { return time.Unix(1000, 0) }
