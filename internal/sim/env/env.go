// Package env holds the shared environment state: reactor temperature, power
// budget, treasury, rotation offset, and the various mode flags. All access
// goes through one mutex; methods never block while holding it.
package env

import (
	"errors"
	"sync"

	"github.com/procmadatelzobak/iris-relay/internal/sim/tuning"
)

// Reactor modes.
const (
	ModeNormal    = "normal"
	ModeLowPower  = "low_power"
	ModeOverclock = "overclock"
)

// Visibility modes for chat history replay.
const (
	VisNormal   = "normal"
	VisBlackbox = "blackbox"
	VisForensic = "forensic"
)

// Panic flag sides. Agent side censors operator output, user side censors
// subject output.
const (
	SideAgent = "agent"
	SideUser  = "user"
)

var ErrInsufficientFunds = errors.New("insufficient treasury funds")

type panicFlags struct {
	agent bool
	user  bool
}

// PublicState is the subset of state broadcast in gamestate updates. It is
// comparable so the scheduler can suppress no-change broadcasts.
type PublicState struct {
	Temperature float64
	Load        float64
	Capacity    float64
	Treasury    int64
	Overloaded  bool
	Offset      int
	Visibility  string
	ReactorMode string
	HyperMode   bool
}

// State is the persisted subset, written to the snapshot at shutdown.
type State struct {
	Temperature float64 `json:"temperature"`
	Capacity    float64 `json:"capacity"`
	Treasury    int64   `json:"treasury"`
	Offset      int     `json:"offset"`
	ReactorMode string  `json:"reactor_mode"`
	Visibility  string  `json:"visibility"`
}

type Env struct {
	mu  sync.Mutex
	cfg tuning.Tuning

	temperature float64
	load        float64
	capacity    float64
	treasury    int64
	offset      int
	overloaded  bool

	reactorMode string
	visibility  string
	hyperMode   bool
	testMode    bool

	optimizerOn          bool
	optimizerInstruction string

	panics    map[int]*panicFlags
	autopilot map[int]bool
}

func New(cfg tuning.Tuning) *Env {
	return &Env{
		cfg:         cfg,
		temperature: cfg.Reactor.TempReset,
		capacity:    cfg.Power.Capacity,
		treasury:    cfg.Economy.Treasury,
		reactorMode: ModeNormal,
		visibility:  VisNormal,
		panics:      make(map[int]*panicFlags),
		autopilot:   make(map[int]bool),
	}
}

// Tick applies the current reactor mode's per-tick temperature delta and
// recomputes the overload flag. The second return reports an overload edge,
// not the level: it is true only on the tick the flag flips.
func (e *Env) Tick() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta := e.cfg.Reactor.DeltaNormal
	switch e.reactorMode {
	case ModeLowPower:
		delta = e.cfg.Reactor.DeltaLowPower
	case ModeOverclock:
		delta = e.cfg.Reactor.DeltaOverclock
	}
	e.temperature = e.clamp(e.temperature + delta)

	was := e.overloaded
	e.overloaded = e.load > e.capacity || e.temperature > e.cfg.Reactor.TempThreshold
	return e.temperature, e.overloaded != was
}

func (e *Env) clamp(v float64) float64 {
	if v < e.cfg.Reactor.TempMin {
		return e.cfg.Reactor.TempMin
	}
	if v > e.cfg.Reactor.TempMax {
		return e.cfg.Reactor.TempMax
	}
	return v
}

func (e *Env) Temperature() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.temperature
}

func (e *Env) SetTemperature(v float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.temperature = e.clamp(v)
	return e.temperature
}

// ReportAnomaly heats the reactor by the configured anomaly amount and
// returns the new temperature.
func (e *Env) ReportAnomaly() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.temperature = e.clamp(e.temperature + e.cfg.Reactor.AnomalyHeat)
	return e.temperature
}

func (e *Env) Offset() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

func (e *Env) IncrementOffset() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset = (e.offset + 1) % e.cfg.TotalSessions
	return e.offset
}

func (e *Env) SetOffset(v int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.cfg.TotalSessions
	e.offset = ((v % n) + n) % n
	return e.offset
}

func (e *Env) ReactorMode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reactorMode
}

func (e *Env) SetReactorMode(mode string) bool {
	switch mode {
	case ModeNormal, ModeLowPower, ModeOverclock:
	default:
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reactorMode = mode
	return true
}

func (e *Env) Visibility() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibility
}

func (e *Env) SetVisibility(mode string) bool {
	switch mode {
	case VisNormal, VisBlackbox, VisForensic:
	default:
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visibility = mode
	return true
}

func (e *Env) HyperMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hyperMode
}

func (e *Env) SetHyperMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hyperMode = on
}

func (e *Env) TestMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.testMode
}

func (e *Env) SetTestMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.testMode = on
}

func (e *Env) Optimizer() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.optimizerOn, e.optimizerInstruction
}

func (e *Env) SetOptimizer(on bool, instruction string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optimizerOn = on
	if instruction != "" {
		e.optimizerInstruction = instruction
	}
	if !on {
		e.optimizerInstruction = ""
	}
}

// CalcLoad computes the power draw for the given connection counts. The
// optimizer surcharge is applied from internal state.
func (e *Env) CalcLoad(terminals, autopilots int, lowLatency bool) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.cfg.Power
	load := p.CostBase + float64(terminals)*p.CostPerTerminal + float64(autopilots)*p.CostPerAutopilot
	if lowLatency {
		load += p.CostLowLatency
	}
	if e.optimizerOn {
		load += p.CostOptimizer
	}
	return load
}

func (e *Env) SetLoad(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.load = v
}

func (e *Env) Load() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load
}

func (e *Env) Capacity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capacity
}

// SpareCapacity reports whether the current load leaves headroom for the
// optimizer surcharge.
func (e *Env) SpareCapacity() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load < e.capacity
}

func (e *Env) Overloaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overloaded
}

func (e *Env) Treasury() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.treasury
}

// CreditTreasury adds delta to the treasury and returns the new balance.
// Callers settling a task credit only after the store transaction commits.
func (e *Env) CreditTreasury(delta int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.treasury += delta
	return e.treasury
}

// BuyCapacity converts treasury funds into power capacity at the configured
// price. Fails without side effects when the treasury cannot cover it.
func (e *Env) BuyCapacity() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.treasury < e.cfg.Power.BuyPrice {
		return ErrInsufficientFunds
	}
	e.treasury -= e.cfg.Power.BuyPrice
	e.capacity += e.cfg.Power.BuyAmount
	return nil
}

func (e *Env) SetPanic(session int, side string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.panics[session]
	if f == nil {
		f = &panicFlags{}
		e.panics[session] = f
	}
	switch side {
	case SideAgent:
		f.agent = on
	case SideUser:
		f.user = on
	}
}

// PanicState returns the (agent, user) censorship flags for a session.
func (e *Env) PanicState(session int) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.panics[session]
	if f == nil {
		return false, false
	}
	return f.agent, f.user
}

// SetAllPanic flips both sides of every session. Used on overload edges.
func (e *Env) SetAllPanic(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for s := 1; s <= e.cfg.TotalSessions; s++ {
		f := e.panics[s]
		if f == nil {
			f = &panicFlags{}
			e.panics[s] = f
		}
		f.agent = on
		f.user = on
	}
}

func (e *Env) AnyPanic() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.panics {
		if f.agent || f.user {
			return true
		}
	}
	return false
}

func (e *Env) SetAutopilot(operator int, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.autopilot[operator] = true
	} else {
		delete(e.autopilot, operator)
	}
}

func (e *Env) Autopilot(operator int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autopilot[operator]
}

func (e *Env) AutopilotCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.autopilot)
}

// Reset restores the failover baseline: temperature reset, both modes back to
// normal, panic flags and optimizer cleared. Treasury and capacity survive.
func (e *Env) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.temperature = e.cfg.Reactor.TempReset
	e.reactorMode = ModeNormal
	e.visibility = VisNormal
	e.hyperMode = false
	e.optimizerOn = false
	e.optimizerInstruction = ""
	for _, f := range e.panics {
		f.agent = false
		f.user = false
	}
}

func (e *Env) Public() PublicState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PublicState{
		Temperature: e.temperature,
		Load:        e.load,
		Capacity:    e.capacity,
		Treasury:    e.treasury,
		Overloaded:  e.overloaded,
		Offset:      e.offset,
		Visibility:  e.visibility,
		ReactorMode: e.reactorMode,
		HyperMode:   e.hyperMode,
	}
}

func (e *Env) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Temperature: e.temperature,
		Capacity:    e.capacity,
		Treasury:    e.treasury,
		Offset:      e.offset,
		ReactorMode: e.reactorMode,
		Visibility:  e.visibility,
	}
}

func (e *Env) Restore(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.temperature = e.clamp(s.Temperature)
	if s.Capacity > 0 {
		e.capacity = s.Capacity
	}
	e.treasury = s.Treasury
	n := e.cfg.TotalSessions
	e.offset = ((s.Offset % n) + n) % n
	switch s.ReactorMode {
	case ModeNormal, ModeLowPower, ModeOverclock:
		e.reactorMode = s.ReactorMode
	}
	switch s.Visibility {
	case VisNormal, VisBlackbox, VisForensic:
		e.visibility = s.Visibility
	}
}

// Settle splits a task reward by performance rating and tax rate. The rating
// scales the offered reward: 100 pays in full, and a boosted rating up to 200
// pays double. Tax goes to the treasury and the net to the participant;
// net+tax always equals the rated amount.
func Settle(rewardOffered int64, rating int, taxRate float64) (net, tax int64) {
	if rating < 0 {
		rating = 0
	}
	if rating > 200 {
		rating = 200
	}
	actual := rewardOffered * int64(rating) / 100
	tax = int64(float64(actual) * taxRate)
	net = actual - tax
	return net, tax
}
