// Package dispatch routes inbound frames to their handlers. Each role has a
// closed switch over message types; anything unrecognized is treated as chat,
// so a malformed frame degrades instead of killing the connection.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/procmadatelzobak/iris-relay/internal/gen"
	"github.com/procmadatelzobak/iris-relay/internal/hub"
	"github.com/procmadatelzobak/iris-relay/internal/persistence/store"
	"github.com/procmadatelzobak/iris-relay/internal/protocol"
	"github.com/procmadatelzobak/iris-relay/internal/sim/env"
	"github.com/procmadatelzobak/iris-relay/internal/sim/rotation"
	"github.com/procmadatelzobak/iris-relay/internal/sim/tuning"
	"github.com/procmadatelzobak/iris-relay/internal/sim/window"
)

// Fallback literals used when the generation backend is down or test mode is
// on. The relay must keep moving either way.
const (
	censorFallback    = "[TRANSMISSION CORRUPTED]"
	autopilotFallback = "..."
)

// Prompts frames the three generation call sites.
type Prompts struct {
	Censor    gen.Config
	Autopilot gen.Config
	Optimizer gen.Config
}

func DefaultPrompts(model string) Prompts {
	return Prompts{
		Censor: gen.Config{
			Model:        model,
			SystemPrompt: "Rewrite the given reply as a corrupted, partially unreadable transmission. Keep it short.",
			Temperature:  0.9,
			MaxTokens:    120,
		},
		Autopilot: gen.Config{
			Model:        model,
			SystemPrompt: "You are a terse station operator answering a crew terminal. Reply in one or two sentences.",
			Temperature:  0.7,
			MaxTokens:    200,
		},
		Optimizer: gen.Config{
			Model:        model,
			SystemPrompt: "Rewrite the operator's reply according to the optimization instruction. Preserve the meaning.",
			Temperature:  0.4,
			MaxTokens:    200,
		},
	}
}

type Dispatcher struct {
	cfg     tuning.Tuning
	env     *env.Env
	win     *window.Tracker
	hub     *hub.Hub
	store   *store.Store
	gen     gen.Generator
	prompts Prompts
	logger  *log.Logger
	events  func(kind, detail string)

	mu      sync.Mutex
	history map[int][]gen.Turn // autopilot context per operator
}

func New(cfg tuning.Tuning, e *env.Env, w *window.Tracker, h *hub.Hub, s *store.Store,
	g gen.Generator, prompts Prompts, logger *log.Logger, events func(kind, detail string)) *Dispatcher {
	if events == nil {
		events = func(string, string) {}
	}
	return &Dispatcher{
		cfg: cfg, env: e, win: w, hub: h, store: s,
		gen: g, prompts: prompts, logger: logger, events: events,
		history: make(map[int][]gen.Turn),
	}
}

// Dispatch handles one inbound frame from a connection.
func (d *Dispatcher) Dispatch(ctx context.Context, c *hub.Client, raw []byte) {
	e := protocol.DecodeEnvelope(raw)
	switch c.Role {
	case protocol.RoleOperator:
		d.operator(ctx, c, e)
	case protocol.RoleSubject:
		d.subject(ctx, c, e)
	case protocol.RoleObserver:
		d.observer(ctx, c, e)
	}
}

func (d *Dispatcher) operator(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	switch e.Type {
	case protocol.TypeTypingSync:
		d.hub.SendToUnit(protocol.RoleOperator, c.Unit, marshal(protocol.TypingSignal{
			Type: protocol.TypeTypingSync, Sender: c.Name, Content: e.Content,
		}), c)
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		session := rotation.SessionForOperator(c.Unit, d.env.Offset(), d.cfg.TotalSessions)
		d.hub.SendToUnit(protocol.RoleSubject, session, marshal(protocol.TypingSignal{
			Type: e.Type, Sender: c.Name, Role: protocol.RoleOperator, SessionID: session,
		}), nil)
	case protocol.TypeAutopilotToggle:
		d.env.SetAutopilot(c.Unit, e.Enabled)
		if !e.Enabled {
			d.mu.Lock()
			delete(d.history, c.Unit)
			d.mu.Unlock()
		}
		d.logger.Printf("operator %d autopilot=%v", c.Unit, e.Enabled)
	default:
		d.operatorChat(ctx, c, e)
	}
}

func (d *Dispatcher) operatorChat(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	session := rotation.SessionForOperator(c.Unit, d.env.Offset(), d.cfg.TotalSessions)

	if d.win.IsTimedOut(session) {
		d.sendError(c, protocol.ErrWindowClosed, "response window expired")
		return
	}
	if !d.win.IsPending(session) {
		d.sendError(c, protocol.ErrNoPrompt, "no message awaiting a reply")
		return
	}

	content := e.Content
	agentPanic, _ := d.env.PanicState(session)
	optimized := false

	switch {
	case agentPanic:
		content = d.censor(ctx, session, content)
		// The censor call blocks; the window may have expired or been
		// restarted while we waited. Nothing was persisted yet, so bail.
		if d.win.IsTimedOut(session) {
			d.sendError(c, protocol.ErrWindowClosed, "response window expired")
			return
		}
		if !d.win.IsPending(session) {
			d.sendError(c, protocol.ErrNoPrompt, "no message awaiting a reply")
			return
		}
	case e.ConfirmOpt:
		optimized = true
	default:
		if on, instruction := d.env.Optimizer(); on && d.env.SpareCapacity() {
			d.optimizerPreview(ctx, c, instruction, content)
			return
		}
	}

	id, err := d.store.AppendChat(ctx, store.ChatRecord{
		Session: session, Sender: c.Name, Role: protocol.RoleOperator,
		Content: content, Panic: agentPanic, Optimized: optimized,
	})
	if err != nil {
		d.logger.Printf("append chat: %v", err)
		d.sendError(c, protocol.ErrInternal, "could not persist message")
		return
	}

	d.win.ClearPending(session)
	d.hub.SendToUnit(protocol.RoleSubject, session, marshal(protocol.LockUpdate{
		Type: protocol.TypeLockUpdate, Locked: false,
	}), nil)
	d.hub.SendToSession(session, d.env.Offset(), marshal(protocol.ChatRelay{
		Type: protocol.TypeChat, Sender: c.Name, Role: protocol.RoleOperator, Content: content,
		SessionID: session, ID: id, Panic: agentPanic, IsOptimized: optimized,
	}), nil)
}

// optimizerPreview rewrites the reply and shows it to the sender only. The
// operator resends with confirm_opt to actually deliver it.
func (d *Dispatcher) optimizerPreview(ctx context.Context, c *hub.Client, instruction, content string) {
	hub.Send(c, marshal(protocol.OptimizingStart{Type: protocol.TypeOptimizingStart}))

	rewritten := content
	if !d.env.TestMode() {
		turns := []gen.Turn{
			{Role: "user", Content: "Instruction: " + instruction + "\nReply: " + content},
		}
		if out, err := d.gen.Generate(ctx, d.prompts.Optimizer, turns); err == nil {
			rewritten = out
		} else {
			d.logger.Printf("optimizer rewrite: %v", err)
		}
	}
	hub.Send(c, marshal(protocol.OptimizerPreview{
		Type: protocol.TypeOptimizerPreview, Original: content, Rewritten: rewritten,
	}))
}

func (d *Dispatcher) subject(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	switch e.Type {
	case protocol.TypeTypingSync:
		d.hub.SendToUnit(protocol.RoleSubject, c.Unit, marshal(protocol.TypingSignal{
			Type: protocol.TypeTypingSync, Sender: c.Name, Content: e.Content,
		}), c)
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		operator := rotation.OperatorForSession(c.Unit, d.env.Offset(), d.cfg.TotalSessions)
		d.hub.SendToUnit(protocol.RoleOperator, operator, marshal(protocol.TypingSignal{
			Type: e.Type, Sender: c.Name, Role: protocol.RoleSubject, SessionID: c.Unit,
		}), nil)
	case protocol.TypeAction:
		if e.Action == "heat_tick" {
			temp := d.env.ReportAnomaly()
			d.broadcastTemperature(temp)
		}
	case protocol.TypeReportMessage:
		d.reportMessage(ctx, c, e)
	case protocol.TypeTaskRequest:
		d.taskRequest(ctx, c, e)
	case protocol.TypeTaskSubmit:
		d.taskSubmit(ctx, c, e)
	default:
		d.subjectChat(ctx, c, e)
	}
}

// reportMessage lets a subject flag an operator line as suspicious. Optimized
// lines are immune; a valid report heats the reactor.
func (d *Dispatcher) reportMessage(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	rec, err := d.store.Chat(ctx, e.ID)
	if err != nil {
		d.sendError(c, protocol.ErrBadRequest, "unknown message")
		return
	}
	if rec.Optimized {
		hub.Send(c, marshal(protocol.ReportResult{
			Type: protocol.TypeReportDenied, Reason: "optimized",
			Msg: "Analysis inconclusive. No anomaly detected.",
		}))
		return
	}
	if err := d.store.MarkReported(ctx, e.ID); err != nil {
		d.sendError(c, protocol.ErrInternal, "could not record report")
		return
	}
	temp := d.env.ReportAnomaly()
	d.broadcastTemperature(temp)
	d.events("report", fmt.Sprintf("session %d flagged message %d", c.Unit, e.ID))
	hub.Send(c, marshal(protocol.ReportResult{
		Type: protocol.TypeReportAccepted, Msg: "Anomaly confirmed. Reactor stress increased.",
	}))
}

func (d *Dispatcher) taskRequest(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	if _, err := d.store.ActiveTask(ctx, c.Unit); err == nil {
		d.sendError(c, protocol.ErrBadRequest, "a task is already in progress")
		return
	}
	reward := e.Reward
	if reward <= 0 {
		reward = d.cfg.Economy.DefaultTaskReward
	}
	task, err := d.store.CreateTask(ctx, c.Unit, e.Content, reward)
	if err != nil {
		d.sendError(c, protocol.ErrInternal, "could not create task")
		return
	}
	hub.Send(c, taskPayload(task))
	d.refreshObserverTasks()
}

func (d *Dispatcher) taskSubmit(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	task, err := d.store.ActiveTask(ctx, c.Unit)
	if err != nil {
		d.sendError(c, protocol.ErrBadRequest, "no active task")
		return
	}
	if task.Status != store.TaskActive {
		d.sendError(c, protocol.ErrBadRequest, "task is not accepting submissions")
		return
	}
	if err := d.store.SubmitTask(ctx, task.ID, e.Content); err != nil {
		d.sendError(c, protocol.ErrInternal, "could not submit task")
		return
	}
	task.Status = store.TaskSubmitted
	task.Submission = e.Content
	hub.Send(c, taskPayload(task))
	d.refreshObserverTasks()
}

func (d *Dispatcher) subjectChat(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	session := c.Unit
	if locked, err := d.store.Locked(ctx, protocol.RoleSubject, session); err == nil && locked {
		d.sendError(c, protocol.ErrLocked, "COMMUNICATION OFFLINE due to debt")
		return
	}

	content := e.Content
	_, userPanic := d.env.PanicState(session)
	if userPanic {
		content = d.censor(ctx, session, content)
	}

	id, err := d.store.AppendChat(ctx, store.ChatRecord{
		Session: session, Sender: c.Name, Role: protocol.RoleSubject,
		Content: content, Panic: userPanic,
	})
	if err != nil {
		d.logger.Printf("append chat: %v", err)
		d.sendError(c, protocol.ErrInternal, "could not persist message")
		return
	}

	// A fresh subject message always restarts the response window, clearing
	// any earlier pending state or timeout.
	d.win.StartPending(session, time.Now())
	d.hub.SendToUnit(protocol.RoleSubject, session, marshal(protocol.LockUpdate{
		Type: protocol.TypeLockUpdate, Locked: true,
	}), nil)

	offset := d.env.Offset()
	d.hub.SendToSession(session, offset, marshal(protocol.ChatRelay{
		Type: protocol.TypeChat, Sender: c.Name, Role: protocol.RoleSubject, Content: content,
		SessionID: session, ID: id, Panic: userPanic,
	}), nil)

	operator := rotation.OperatorForSession(session, offset, d.cfg.TotalSessions)
	if d.env.Autopilot(operator) {
		d.hub.SendToSession(session, offset, marshal(protocol.OptimizingStart{
			Type: protocol.TypeOptimizingStart, Mode: "hyper",
		}), nil)
		d.autopilotReply(ctx, session, operator, content)
	}
}

// autopilotReply synthesizes the operator side. The generation call happens
// outside every lock; the routing is re-validated afterwards because the
// shift or autopilot flag may have changed while we waited.
func (d *Dispatcher) autopilotReply(ctx context.Context, session, operator int, userContent string) {
	d.mu.Lock()
	d.history[operator] = append(d.history[operator], gen.Turn{Role: "user", Content: userContent})
	turns := append([]gen.Turn(nil), d.history[operator]...)
	d.mu.Unlock()

	reply := autopilotFallback
	if !d.env.TestMode() {
		if out, err := d.gen.Generate(ctx, d.prompts.Autopilot, turns); err == nil {
			reply = out
		} else {
			d.logger.Printf("autopilot generate: %v", err)
		}
	}

	agentPanic, _ := d.env.PanicState(session)
	if agentPanic {
		reply = d.censor(ctx, session, reply)
	}

	// Both generation calls are behind us now; nothing below blocks, so this
	// check cannot go stale before the reply lands.
	if !d.win.IsPending(session) {
		return
	}
	if !d.env.Autopilot(operator) {
		return
	}
	if rotation.OperatorForSession(session, d.env.Offset(), d.cfg.TotalSessions) != operator {
		return
	}

	d.mu.Lock()
	d.history[operator] = append(d.history[operator], gen.Turn{Role: "assistant", Content: reply})
	d.mu.Unlock()

	sender := fmt.Sprintf("A-%d", operator)
	id, err := d.store.AppendChat(ctx, store.ChatRecord{
		Session: session, Sender: sender, Role: protocol.RoleOperator,
		Content: reply, Panic: agentPanic,
	})
	if err != nil {
		d.logger.Printf("append autopilot chat: %v", err)
		return
	}

	d.win.ClearPending(session)
	d.hub.SendToUnit(protocol.RoleSubject, session, marshal(protocol.LockUpdate{
		Type: protocol.TypeLockUpdate, Locked: false,
	}), nil)
	d.hub.SendToSession(session, d.env.Offset(), marshal(protocol.ChatRelay{
		Type: protocol.TypeChat, Sender: sender, Role: protocol.RoleOperator, Content: reply,
		SessionID: session, ID: id, Panic: agentPanic,
	}), nil)
}

func (d *Dispatcher) observer(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	switch e.Type {
	case protocol.TypeShiftCommand:
		off := d.env.IncrementOffset()
		d.broadcastShift(off)
		d.ack(c, fmt.Sprintf("shift advanced, offset %d", off))
	case protocol.TypeSetShiftCommand:
		off := d.env.SetOffset(e.Value)
		d.broadcastShift(off)
		d.ack(c, fmt.Sprintf("offset set to %d", off))
	case protocol.TypeTemperatureCommand:
		temp := d.env.SetTemperature(float64(e.Value))
		d.broadcastTemperature(temp)
		d.ack(c, fmt.Sprintf("temperature set to %.0f", temp))
	case protocol.TypeReactorModeCommand:
		if !d.env.SetReactorMode(e.Mode) {
			d.sendError(c, protocol.ErrBadRequest, "unknown reactor mode")
			return
		}
		d.ack(c, "reactor mode "+e.Mode)
	case protocol.TypeVisibilityCommand:
		if !d.env.SetVisibility(e.Mode) {
			d.sendError(c, protocol.ErrBadRequest, "unknown visibility mode")
			return
		}
		d.hub.BroadcastAll(marshal(protocol.GamestateUpdate{
			Type: protocol.TypeGamestateUpdate, HyperMode: e.Mode,
		}))
		d.events("visibility", e.Mode)
		d.ack(c, "visibility "+e.Mode)
	case protocol.TypeHyperModeCommand:
		d.env.SetHyperMode(e.Enabled)
		d.ack(c, fmt.Sprintf("hyper mode %v", e.Enabled))
	case protocol.TypeLockCommand:
		if err := d.store.SetLocked(ctx, protocol.RoleSubject, e.Value, e.Enabled); err != nil {
			d.sendError(c, protocol.ErrInternal, "could not update lock")
			return
		}
		credits, _ := d.store.Credits(ctx, protocol.RoleSubject, e.Value)
		d.hub.SendToUnit(protocol.RoleSubject, e.Value, marshal(protocol.UserStatus{
			Type: protocol.TypeUserStatus, Credits: credits, Locked: e.Enabled, Shift: d.env.Offset(),
		}), nil)
		d.ack(c, fmt.Sprintf("terminal %d locked=%v", e.Value, e.Enabled))
	case protocol.TypePanicCommand:
		d.env.SetAllPanic(e.Enabled)
		d.ack(c, fmt.Sprintf("panic %v on all sessions", e.Enabled))
	case protocol.TypeOptimizerCommand:
		d.env.SetOptimizer(e.Enabled, e.Instruction)
		d.ack(c, fmt.Sprintf("optimizer %v", e.Enabled))
	case protocol.TypeBuyPowerCommand:
		if err := d.env.BuyCapacity(); err != nil {
			d.sendError(c, protocol.ErrNoFunds, "treasury cannot cover the purchase")
			return
		}
		d.ack(c, "capacity extended")
	case protocol.TypeTaskApprove:
		d.taskApprove(ctx, c, e)
	case protocol.TypeTaskPay:
		d.taskPay(ctx, c, e)
	case protocol.TypeBroadcastCommand:
		d.hub.BroadcastAll(marshal(protocol.SystemAlert{
			Type: protocol.TypeSystemAlert, Content: e.Content, AlertType: "broadcast",
		}))
		d.ack(c, "broadcast sent")
	case protocol.TypeObserverViewSync:
		d.hub.SendToUnit(protocol.RoleObserver, 0, marshal(protocol.ObserverViewSync{
			Type: protocol.TypeObserverViewSync, View: e.View, SenderID: c.Name,
		}), c)
	case protocol.TypeResetCommand:
		d.reset()
		d.ack(c, "failover reset complete")
	case protocol.TypeTestModeToggle:
		d.env.SetTestMode(e.Enabled)
		d.ack(c, fmt.Sprintf("test mode %v", e.Enabled))
	default:
		d.hub.BroadcastAll(marshal(protocol.ChatRelay{
			Type: protocol.TypeChat, Sender: c.Name, Role: protocol.RoleObserver, Content: e.Content, IsAlert: true,
		}))
	}
}

func (d *Dispatcher) taskApprove(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	if err := d.store.ApproveTask(ctx, e.TaskID); err != nil {
		d.sendError(c, protocol.ErrBadRequest, "task cannot be approved")
		return
	}
	task, err := d.store.Task(ctx, e.TaskID)
	if err != nil {
		d.sendError(c, protocol.ErrInternal, "task vanished")
		return
	}
	d.hub.SendToUnit(protocol.RoleSubject, task.Session, taskPayload(task), nil)
	d.refreshObserverTasks()
	d.ack(c, fmt.Sprintf("task %d approved", task.ID))
}

// taskPay settles a task: the store transaction commits the status
// flip and the subject's net credit together, then the treasury takes the tax.
func (d *Dispatcher) taskPay(ctx context.Context, c *hub.Client, e protocol.Envelope) {
	task, err := d.store.Task(ctx, e.TaskID)
	if err != nil {
		d.sendError(c, protocol.ErrBadRequest, "unknown task")
		return
	}
	net, tax := env.Settle(task.Reward, e.Rating, d.cfg.Economy.TaxRate)
	paid, err := d.store.PayTask(ctx, task.ID, e.Rating, net)
	if err != nil {
		d.sendError(c, protocol.ErrBadRequest, "task is not payable")
		return
	}
	treasury := d.env.CreditTreasury(tax)

	credits, _ := d.store.Credits(ctx, protocol.RoleSubject, paid.Session)
	d.hub.SendToUnit(protocol.RoleSubject, paid.Session, marshal(protocol.UserStatus{
		Type: protocol.TypeUserStatus, Credits: credits,
	}), nil)
	d.hub.SendToUnit(protocol.RoleSubject, paid.Session, taskPayload(paid), nil)
	d.refreshObserverTasks()
	d.events("task_paid", fmt.Sprintf("task %d rating %d net %d tax %d", paid.ID, e.Rating, net, tax))
	d.ack(c, fmt.Sprintf("task %d paid, treasury %d", paid.ID, treasury))
}

func (d *Dispatcher) reset() {
	d.env.Reset()
	d.win.Clear()
	d.mu.Lock()
	d.history = make(map[int][]gen.Turn)
	d.mu.Unlock()
	d.events("reset", "failover")
	d.hub.BroadcastAll(marshal(protocol.SystemAlert{
		Type:      protocol.TypeSystemAlert,
		Content:   "Primary relay lost. Failover complete, state restored from checkpoint.",
		AlertType: "failover",
	}))
}

// censor rewrites content through the panic filter, using the last line of
// the session as context. Any failure falls back to the fixed literal.
func (d *Dispatcher) censor(ctx context.Context, session int, content string) string {
	if d.env.TestMode() {
		return censorFallback
	}
	lastSubject := ""
	if hist, err := d.store.History(ctx, session, 10); err == nil {
		for i := len(hist) - 1; i >= 0; i-- {
			if hist[i].Role == protocol.RoleSubject {
				lastSubject = hist[i].Content
				break
			}
		}
	}
	turns := []gen.Turn{{Role: "user", Content: "Context: " + lastSubject + "\nReply: " + content}}
	out, err := d.gen.Generate(ctx, d.prompts.Censor, turns)
	if err != nil {
		d.logger.Printf("censor generate: %v", err)
		return censorFallback
	}
	return out
}

func (d *Dispatcher) broadcastTemperature(temp float64) {
	d.hub.BroadcastAll(marshal(protocol.GamestateUpdate{
		Type: protocol.TypeGamestateUpdate, Temperature: &temp,
	}))
}

func (d *Dispatcher) broadcastShift(offset int) {
	d.hub.BroadcastAll(marshal(protocol.GamestateUpdate{
		Type: protocol.TypeGamestateUpdate, Shift: &offset,
	}))
}

func (d *Dispatcher) refreshObserverTasks() {
	d.hub.SendToRole(protocol.RoleObserver, marshal(struct {
		Type string `json:"type"`
	}{protocol.TypeRefreshTasks}))
}

func (d *Dispatcher) ack(c *hub.Client, msg string) {
	hub.Send(c, marshal(protocol.ObserverAck{Type: protocol.TypeObserverAck, Msg: msg}))
}

func (d *Dispatcher) sendError(c *hub.Client, code, msg string) {
	hub.Send(c, marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Msg: msg}))
}

func taskPayload(t store.Task) []byte {
	return marshal(protocol.TaskUpdate{
		Type:        protocol.TypeTaskUpdate,
		TaskID:      t.ID,
		IsActive:    t.Status == store.TaskActive,
		Status:      t.Status,
		Description: t.Description,
		Submission:  t.Submission,
		Reward:      t.Reward,
	})
}

func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
