// Package window tracks the per-session response window that opens when a
// subject message is relayed and closes when the operator answers or the
// window expires.
package window

import (
	"sync"
	"time"
)

type state int

const (
	stateNone state = iota
	statePending
	stateTimedOut
)

type entry struct {
	state state
	since time.Time
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[int]entry
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[int]entry)}
}

// StartPending opens the window for a session, clearing any earlier timeout.
func (t *Tracker) StartPending(session int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[session] = entry{state: statePending, since: now}
}

// ClearPending closes the window after a delivered reply. A session that has
// already timed out keeps its timeout; only StartPending erases that.
func (t *Tracker) ClearPending(session int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[session].state == statePending {
		delete(t.sessions, session)
	}
}

// IsPending reports whether a reply is currently awaited.
func (t *Tracker) IsPending(session int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[session].state == statePending
}

// IsTimedOut reports whether the window expired without a reply.
func (t *Tracker) IsTimedOut(session int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[session].state == stateTimedOut
}

// Sweep expires pending windows older than the given duration and returns the
// sessions that expired on this call only. A session already timed out is
// never returned again, so repeated sweeps are idempotent.
func (t *Tracker) Sweep(now time.Time, window time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []int
	for session, e := range t.sessions {
		if e.state != statePending {
			continue
		}
		if now.Sub(e.since) >= window {
			t.sessions[session] = entry{state: stateTimedOut, since: e.since}
			expired = append(expired, session)
		}
	}
	return expired
}

// Clear drops all windows. Used on failover reset.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[int]entry)
}
