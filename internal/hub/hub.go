// Package hub keeps the registries of live connections and routes payloads
// between them. Operator routing goes through the rotation math on every send;
// routes are never cached.
package hub

import (
	"sort"
	"sync"

	"github.com/procmadatelzobak/iris-relay/internal/protocol"
	"github.com/procmadatelzobak/iris-relay/internal/sim/rotation"
)

// Client is one websocket connection. Out is drained by the connection's
// writer goroutine; sends never block on a slow reader.
type Client struct {
	Role string
	Unit int
	Name string
	Out  chan []byte
}

type Hub struct {
	mu        sync.Mutex
	n         int
	subjects  map[int][]*Client
	operators map[int][]*Client
	observers []*Client
}

func New(totalSessions int) *Hub {
	return &Hub{
		n:         totalSessions,
		subjects:  make(map[int][]*Client),
		operators: make(map[int][]*Client),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch c.Role {
	case protocol.RoleSubject:
		h.subjects[c.Unit] = append(h.subjects[c.Unit], c)
	case protocol.RoleOperator:
		h.operators[c.Unit] = append(h.operators[c.Unit], c)
	case protocol.RoleObserver:
		h.observers = append(h.observers, c)
	}
}

// Unregister removes a connection and reports whether it was the unit's last,
// in which case the participant counts as offline.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch c.Role {
	case protocol.RoleSubject:
		h.subjects[c.Unit] = remove(h.subjects[c.Unit], c)
		if len(h.subjects[c.Unit]) == 0 {
			delete(h.subjects, c.Unit)
			return true
		}
	case protocol.RoleOperator:
		h.operators[c.Unit] = remove(h.operators[c.Unit], c)
		if len(h.operators[c.Unit]) == 0 {
			delete(h.operators, c.Unit)
			return true
		}
	case protocol.RoleObserver:
		h.observers = remove(h.observers, c)
		return len(h.observers) == 0
	}
	return false
}

func remove(list []*Client, c *Client) []*Client {
	for i, cl := range list {
		if cl == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// SendToSession delivers to both ends of a live session: the subject directly
// and whichever operator console the current offset wires to it.
func (h *Hub) SendToSession(session, offset int, payload []byte, exclude *Client) {
	operator := rotation.OperatorForSession(session, offset, h.n)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.subjects[session] {
		if c != exclude {
			sendLatest(c.Out, payload)
		}
	}
	for _, c := range h.operators[operator] {
		if c != exclude {
			sendLatest(c.Out, payload)
		}
	}
}

// SendToUnit delivers to every connection of one participant, optionally
// excluding the originating tab.
func (h *Hub) SendToUnit(role string, unit int, payload []byte, exclude *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.unitLocked(role, unit) {
		if c != exclude {
			sendLatest(c.Out, payload)
		}
	}
}

func (h *Hub) unitLocked(role string, unit int) []*Client {
	switch role {
	case protocol.RoleSubject:
		return h.subjects[unit]
	case protocol.RoleOperator:
		return h.operators[unit]
	case protocol.RoleObserver:
		return h.observers
	}
	return nil
}

func (h *Hub) SendToRole(role string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch role {
	case protocol.RoleSubject:
		for _, list := range h.subjects {
			for _, c := range list {
				sendLatest(c.Out, payload)
			}
		}
	case protocol.RoleOperator:
		for _, list := range h.operators {
			for _, c := range list {
				sendLatest(c.Out, payload)
			}
		}
	case protocol.RoleObserver:
		for _, c := range h.observers {
			sendLatest(c.Out, payload)
		}
	}
}

func (h *Hub) BroadcastAll(payload []byte) {
	h.SendToRole(protocol.RoleSubject, payload)
	h.SendToRole(protocol.RoleOperator, payload)
	h.SendToRole(protocol.RoleObserver, payload)
}

// Online returns the connected unit numbers per role, sorted.
func (h *Hub) Online() map[string][]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string][]int{
		protocol.RoleSubject:  unitKeys(h.subjects),
		protocol.RoleOperator: unitKeys(h.operators),
	}
	return out
}

func unitKeys(m map[int][]*Client) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// TerminalCount is the number of subject and operator connections, which is
// what the power model charges per terminal.
func (h *Hub) TerminalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, list := range h.subjects {
		n += len(list)
	}
	for _, list := range h.operators {
		n += len(list)
	}
	return n
}

func (h *Hub) SubjectOnline(session int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subjects[session]) > 0
}

// Send queues a payload on one connection, dropping the oldest queued frame
// when the writer is behind.
func Send(c *Client, payload []byte) {
	sendLatest(c.Out, payload)
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
