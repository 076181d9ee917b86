// Package scheduler drives the once-per-second housekeeping loop: response
// window sweeps, reactor physics, load recompute, overload side effects, and
// the consolidated state broadcast.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/procmadatelzobak/iris-relay/internal/hub"
	"github.com/procmadatelzobak/iris-relay/internal/protocol"
	"github.com/procmadatelzobak/iris-relay/internal/sim/env"
	"github.com/procmadatelzobak/iris-relay/internal/sim/rotation"
	"github.com/procmadatelzobak/iris-relay/internal/sim/tuning"
	"github.com/procmadatelzobak/iris-relay/internal/sim/window"
)

// EventSink receives system events worth keeping (overload edges, resets).
type EventSink func(kind, detail string)

type Scheduler struct {
	cfg    tuning.Tuning
	env    *env.Env
	win    *window.Tracker
	hub    *hub.Hub
	logger *log.Logger
	events EventSink

	cancel context.CancelFunc
	wg     sync.WaitGroup

	prev     env.PublicState
	havePrev bool
}

func New(cfg tuning.Tuning, e *env.Env, w *window.Tracker, h *hub.Hub, logger *log.Logger, events EventSink) *Scheduler {
	if events == nil {
		events = func(string, string) {}
	}
	return &Scheduler{cfg: cfg, env: e, win: w, hub: h, logger: logger, events: events}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.safeTick(now)
		}
	}
}

func (s *Scheduler) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("tick panic: %v", r)
			time.Sleep(250 * time.Millisecond)
		}
	}()
	s.tick(now)
}

func (s *Scheduler) tick(now time.Time) {
	s.sweepWindows(now)

	_, overChanged := s.env.Tick()

	load := s.env.CalcLoad(s.hub.TerminalCount(), s.env.AutopilotCount(), s.env.HyperMode())
	s.env.SetLoad(load)

	if overChanged {
		s.overloadEdge()
	}

	pub := s.env.Public()
	if !s.havePrev || pub != s.prev {
		s.hub.BroadcastAll(gamestatePayload(pub, s.cfg.AgentWindowSec))
		s.prev = pub
		s.havePrev = true
	}
}

func (s *Scheduler) sweepWindows(now time.Time) {
	expired := s.win.Sweep(now, time.Duration(s.cfg.AgentWindowSec)*time.Second)
	if len(expired) == 0 {
		return
	}
	offset := s.env.Offset()
	for _, session := range expired {
		operator := rotation.OperatorForSession(session, offset, s.cfg.TotalSessions)
		s.hub.SendToUnit(protocol.RoleSubject, session,
			marshal(protocol.TimeoutNotice{Type: protocol.TypeSessionTimeout, SessionID: session}), nil)
		s.hub.SendToUnit(protocol.RoleSubject, session,
			marshal(protocol.LockUpdate{Type: protocol.TypeLockUpdate, Locked: false}), nil)
		s.hub.SendToUnit(protocol.RoleOperator, operator,
			marshal(protocol.TimeoutNotice{Type: protocol.TypeAgentTimeout, SessionID: session}), nil)
		s.logger.Printf("session %d response window expired (operator %d)", session, operator)
	}
}

func (s *Scheduler) overloadEdge() {
	on := s.env.Overloaded()
	s.env.SetAllPanic(on)
	if on {
		s.events("overload", "entered")
		s.hub.BroadcastAll(marshal(protocol.SystemAlert{
			Type:      protocol.TypeSystemAlert,
			Content:   "SYSTEM OVERLOAD: all channels degraded",
			AlertType: "overload",
		}))
	} else {
		s.events("overload", "cleared")
		s.hub.BroadcastAll(marshal(protocol.SystemAlert{
			Type:      protocol.TypeSystemAlert,
			Content:   "System load nominal, channels restored",
			AlertType: "overload_cleared",
		}))
	}
	s.logger.Printf("overload edge: overloaded=%v", on)
}

// The hyper_mode field carries the visibility mode so every client tracks
// what the observers set, not the low-latency flag.
func gamestatePayload(p env.PublicState, agentWindowSec int) []byte {
	return marshal(protocol.GamestateUpdate{
		Type:          protocol.TypeGamestateUpdate,
		Temperature:   &p.Temperature,
		Shift:         &p.Offset,
		PowerLoad:     &p.Load,
		PowerCapacity: &p.Capacity,
		Treasury:      &p.Treasury,
		IsOverloaded:  &p.Overloaded,
		AgentWindow:   &agentWindowSec,
		HyperMode:     p.Visibility,
		ReactorMode:   p.ReactorMode,
	})
}

func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
