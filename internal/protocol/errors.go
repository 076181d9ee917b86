package protocol

const (
	// Transport/handshake validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Relay layer.
	ErrNoPrompt     = "E_NO_PROMPT"
	ErrWindowClosed = "E_WINDOW_CLOSED"
	ErrLocked       = "E_LOCKED"
	ErrNoFunds      = "E_NO_FUNDS"
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrNoPrompt:        {},
	ErrWindowClosed:    {},
	ErrLocked:          {},
	ErrNoFunds:         {},
	ErrBadRequest:      {},
	ErrNoPermission:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
