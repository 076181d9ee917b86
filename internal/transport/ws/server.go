// Package ws is the websocket edge: identity handshake, per-connection writer
// goroutine, history replay, and the read loop feeding the dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/procmadatelzobak/iris-relay/internal/dispatch"
	"github.com/procmadatelzobak/iris-relay/internal/hub"
	"github.com/procmadatelzobak/iris-relay/internal/persistence/store"
	"github.com/procmadatelzobak/iris-relay/internal/protocol"
	"github.com/procmadatelzobak/iris-relay/internal/sim/env"
	"github.com/procmadatelzobak/iris-relay/internal/sim/rotation"
	"github.com/procmadatelzobak/iris-relay/internal/sim/tuning"
)

const (
	maxQ          = 256
	historyReplay = 50
)

type Server struct {
	cfg   tuning.Tuning
	env   *env.Env
	hub   *hub.Hub
	store *store.Store
	disp  *dispatch.Dispatcher
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(cfg tuning.Tuning, e *env.Env, h *hub.Hub,
	s *store.Store, d *dispatch.Dispatcher, logger *log.Logger) *Server {
	return &Server{
		cfg: cfg, env: e, hub: h, store: s, disp: d, log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		client, ok := s.identify(conn, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-client.Out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		s.connect(ctx, client)
		s.log.Printf("%s %d (%s) connected", client.Role, client.Unit, client.Name)

		// Reader loop.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.disp.Dispatch(ctx, client, msg)
		}

		if last := s.hub.Unregister(client); last {
			s.notifyStatus(client, "offline")
		}
		s.log.Printf("%s %d (%s) disconnected", client.Role, client.Unit, client.Name)
	}
}

// identify validates role and unit from the query string. Anything invalid
// gets a 1008 close and no registration.
func (s *Server) identify(conn *websocket.Conn, r *http.Request) (*hub.Client, bool) {
	q := r.URL.Query()
	role := q.Get("role")
	name := q.Get("name")
	unit, _ := strconv.Atoi(q.Get("unit"))

	valid := false
	switch role {
	case protocol.RoleSubject, protocol.RoleOperator:
		valid = unit >= 1 && unit <= s.cfg.TotalSessions
	case protocol.RoleObserver:
		valid = true
		unit = 0
	}
	if !valid {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid identity")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return nil, false
	}
	if name == "" {
		switch role {
		case protocol.RoleSubject:
			name = fmt.Sprintf("U-%d", unit)
		case protocol.RoleOperator:
			name = fmt.Sprintf("A-%d", unit)
		default:
			name = "observer"
		}
	}
	return &hub.Client{Role: role, Unit: unit, Name: name, Out: make(chan []byte, maxQ)}, true
}

// connect registers the client, announces it, replays history, and sends the
// role-specific init payload.
func (s *Server) connect(ctx context.Context, c *hub.Client) {
	if c.Role != protocol.RoleObserver {
		if err := s.store.EnsureParticipant(ctx, c.Role, c.Unit, c.Name); err != nil {
			s.log.Printf("ensure participant: %v", err)
		}
	}
	s.hub.Register(c)
	s.notifyStatus(c, "online")

	switch c.Role {
	case protocol.RoleSubject:
		s.replayHistory(ctx, c, c.Unit)
		credits, _ := s.store.Credits(ctx, c.Role, c.Unit)
		locked, _ := s.store.Locked(ctx, c.Role, c.Unit)
		offset := s.env.Offset()
		hub.Send(c, marshal(protocol.UserStatus{
			Type:    protocol.TypeUserStatus,
			Credits: credits,
			Locked:  locked,
			Shift:   offset,
		}))
	case protocol.RoleOperator:
		session := rotation.SessionForOperator(c.Unit, s.env.Offset(), s.cfg.TotalSessions)
		s.replayHistory(ctx, c, session)
		p := s.env.Public()
		hub.Send(c, marshal(protocol.GamestateUpdate{
			Type:        protocol.TypeGamestateUpdate,
			Temperature: &p.Temperature,
			Shift:       &p.Offset,
			SessionID:   session,
		}))
	case protocol.RoleObserver:
		p := s.env.Public()
		hub.Send(c, marshal(protocol.ObserverInit{
			Type:        protocol.TypeObserverInit,
			Shift:       p.Offset,
			Temperature: p.Temperature,
			Online:      s.hub.Online(),
		}))
	}
}

// replayHistory sends the session backlog according to the visibility mode:
// blackbox hides the backlog from operators (subjects still see their own),
// forensic sends everything, normal sends the tail.
func (s *Server) replayHistory(ctx context.Context, c *hub.Client, session int) {
	vis := s.env.Visibility()
	if vis == env.VisBlackbox && c.Role == protocol.RoleOperator {
		return
	}
	limit := historyReplay
	if vis == env.VisForensic {
		limit = 0
	}
	hist, err := s.store.History(ctx, session, limit)
	if err != nil {
		s.log.Printf("history replay: %v", err)
		return
	}
	for _, rec := range hist {
		hub.Send(c, marshal(protocol.ChatRelay{
			Type: protocol.TypeChat, Sender: rec.Sender, Role: rec.Role,
			Content: rec.Content, SessionID: rec.Session, ID: rec.ID,
			Panic: rec.Panic, IsOptimized: rec.Optimized,
		}))
	}
}

func (s *Server) notifyStatus(c *hub.Client, status string) {
	if c.Role == protocol.RoleObserver {
		return
	}
	s.hub.SendToRole(protocol.RoleObserver, marshal(protocol.StatusUpdate{
		Type: protocol.TypeStatusUpdate, Role: c.Role, Unit: c.Unit,
		Name: c.Name, Status: status,
	}))
}

func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
