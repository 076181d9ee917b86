package protocol

import "encoding/json"

const Version = "1.0"

// Participant roles on the wire.
const (
	RoleSubject  = "subject"
	RoleOperator = "operator"
	RoleObserver = "observer"
)

// Inbound message types. Anything unrecognized degrades to plain chat.
const (
	TypeChat            = "chat"
	TypeTypingStart     = "typing_start"
	TypeTypingStop      = "typing_stop"
	TypeTypingSync      = "typing_sync"
	TypeAction          = "action"
	TypeReportMessage   = "report_message"
	TypeTaskRequest     = "task_request"
	TypeTaskSubmit      = "task_submit"
	TypeAutopilotToggle = "autopilot_toggle"

	TypeShiftCommand       = "shift_command"
	TypeSetShiftCommand    = "set_shift_command"
	TypeTemperatureCommand = "temperature_command"
	TypeReactorModeCommand = "reactor_mode_command"
	TypeVisibilityCommand  = "visibility_command"
	TypeHyperModeCommand   = "hyper_mode_command"
	TypeLockCommand        = "lock_command"
	TypePanicCommand       = "panic_command"
	TypeOptimizerCommand   = "optimizer_command"
	TypeBuyPowerCommand    = "buy_power_command"
	TypeTaskApprove        = "task_approve"
	TypeTaskPay            = "task_pay"
	TypeBroadcastCommand   = "broadcast_command"
	TypeObserverViewSync   = "observer_view_sync"
	TypeResetCommand       = "reset_command"
	TypeTestModeToggle     = "test_mode_toggle"
)

// Outbound message types.
const (
	TypeGamestateUpdate  = "gamestate_update"
	TypeAgentTimeout     = "agent_timeout"
	TypeSessionTimeout   = "session_timeout"
	TypeLockUpdate       = "lock_update"
	TypeOptimizerPreview = "optimizer_preview"
	TypeOptimizingStart  = "optimizing_start"
	TypeError            = "error"
	TypeStatusUpdate     = "status_update"
	TypeUserStatus       = "user_status"
	TypeTaskUpdate       = "task_update"
	TypeReportAccepted   = "report_accepted"
	TypeReportDenied     = "report_denied"
	TypeSystemAlert      = "system_alert"
	TypeObserverInit     = "init"
	TypeObserverAck      = "admin_ack"
	TypeRefreshTasks     = "admin_refresh_tasks"
)

// Envelope is the inbound frame. Only Type is always meaningful; the rest of
// the fields are read per message kind.
type Envelope struct {
	Type        string `json:"type,omitempty"`
	Content     string `json:"content,omitempty"`
	ID          int64  `json:"id,omitempty"`
	Value       int    `json:"value,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Status      bool   `json:"status,omitempty"`
	Enabled     bool   `json:"enabled,omitempty"`
	TaskID      int64  `json:"task_id,omitempty"`
	ConfirmOpt  bool   `json:"confirm_opt,omitempty"`
	Action      string `json:"action,omitempty"`
	View        string `json:"view,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Rating      int    `json:"rating,omitempty"`
	Reward      int64  `json:"reward,omitempty"`
}

// DecodeEnvelope parses an inbound frame. A frame that is not a JSON object is
// treated as bare chat content rather than rejected.
func DecodeEnvelope(b []byte) Envelope {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{Content: string(b)}
	}
	return env
}
