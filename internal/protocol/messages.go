package protocol

// ChatRelay is a relayed chat line (subject, operator, or synthesized).
type ChatRelay struct {
	Type        string `json:"type"`
	Sender      string `json:"sender"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	SessionID   int    `json:"session_id,omitempty"`
	ID          int64  `json:"id,omitempty"`
	Panic       bool   `json:"panic,omitempty"`
	IsOptimized bool   `json:"is_optimized,omitempty"`
	IsAlert     bool   `json:"is_alert,omitempty"`
}

// GamestateUpdate is the consolidated shared-state broadcast. Pointer fields
// are omitted when the sender has no update for them.
type GamestateUpdate struct {
	Type          string   `json:"type"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Shift         *int     `json:"shift,omitempty"`
	PowerLoad     *float64 `json:"power_load,omitempty"`
	PowerCapacity *float64 `json:"power_capacity,omitempty"`
	Treasury      *int64   `json:"treasury,omitempty"`
	IsOverloaded  *bool    `json:"is_overloaded,omitempty"`
	AgentWindow   *int     `json:"agent_window,omitempty"`
	HyperMode     string   `json:"hyper_mode,omitempty"`
	ReactorMode   string   `json:"reactor_mode,omitempty"`
	PanicGlobal   *bool    `json:"panic_global,omitempty"`
	SessionID     int      `json:"session_id,omitempty"`
}

// TimeoutNotice marks a session whose response window expired.
type TimeoutNotice struct {
	Type      string `json:"type"` // agent_timeout | session_timeout
	SessionID int    `json:"session_id"`
}

type LockUpdate struct {
	Type   string `json:"type"`
	Locked bool   `json:"locked"`
}

type OptimizerPreview struct {
	Type      string `json:"type"`
	Original  string `json:"original"`
	Rewritten string `json:"rewritten"`
}

type OptimizingStart struct {
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"`
}

type ErrorMsg struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
	Msg  string `json:"msg"`
}

// StatusUpdate announces a participant going online/offline to observers.
type StatusUpdate struct {
	Type   string `json:"type"`
	Role   string `json:"role"`
	Unit   int    `json:"unit"`
	Name   string `json:"name"`
	Status string `json:"status"` // online | offline
}

// UserStatus is the subject's initial state on connect.
type UserStatus struct {
	Type    string `json:"type"`
	Credits int64  `json:"credits"`
	Locked  bool   `json:"is_locked"`
	Shift   int    `json:"shift"`
}

type TaskUpdate struct {
	Type        string `json:"type"`
	TaskID      int64  `json:"task_id,omitempty"`
	IsActive    bool   `json:"is_active"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Submission  string `json:"submission,omitempty"`
	Reward      int64  `json:"reward,omitempty"`
}

type ReportResult struct {
	Type   string `json:"type"` // report_accepted | report_denied
	Reason string `json:"reason,omitempty"`
	Msg    string `json:"msg,omitempty"`
}

type SystemAlert struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	AlertType string `json:"alert_type,omitempty"`
}

type TypingSignal struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	SessionID int    `json:"session_id,omitempty"`
}

// ObserverInit is sent to an observer right after connect.
type ObserverInit struct {
	Type        string           `json:"type"`
	Shift       int              `json:"shift"`
	Temperature float64          `json:"temperature"`
	Online      map[string][]int `json:"online"`
}

type ObserverAck struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type ObserverViewSync struct {
	Type     string `json:"type"`
	View     string `json:"view"`
	SenderID string `json:"sender_id"`
}
