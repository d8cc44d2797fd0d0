package rts2

// This file implements the connection lifecycle state machine. The
// validity table is a pure function over (from, to) pairs -- no side
// effects, no Conn dependency -- so every transition the runtime makes
// can be checked against it in isolation.
//
// Lifecycle:
//
//	(open)--connect--> CONNECTING --writable--> CONNECTED --register/auth--> AUTH_PENDING
//	                                                                            |
//	                                                                            +--ok-----> AUTH_OK ---idle/error--> BROKEN
//	                                                                            +--reject-> AUTH_FAILED --> BROKEN
//	CONNECTED/AUTH_OK --recv error / timeout--> BROKEN
//	BROKEN --cleanup--> DELETE (removed from the manager)

// ConnState is the lifecycle state of a Conn.
type ConnState uint8

const (
	// StateConnecting is an outbound connection whose dial has not
	// completed yet.
	StateConnecting ConnState = iota

	// StateConnected is an established connection that has not started
	// authentication.
	StateConnected

	// StateAuthPending is a connection waiting for centrald to confirm
	// its registration or authorization.
	StateAuthPending

	// StateAuthOK is a fully authenticated connection. Only AUTH_OK
	// connections receive value and state broadcasts.
	StateAuthOK

	// StateAuthFailed is a connection whose authorization was rejected.
	StateAuthFailed

	// StateBroken is a connection after a socket error, peer close or
	// timeout. Terminal except for cleanup.
	StateBroken

	// StateDeleted is a broken connection that has been removed from
	// the manager.
	StateDeleted
)

// String returns the human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateAuthOK:
		return "AUTH_OK"
	case StateAuthFailed:
		return "AUTH_FAILED"
	case StateBroken:
		return "BROKEN"
	case StateDeleted:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// connTransition is the validity-table key.
type connTransition struct {
	from ConnState
	to   ConnState
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var connTransitions = map[connTransition]struct{}{
	{StateConnecting, StateConnected}:    {},
	{StateConnecting, StateBroken}:       {},
	{StateConnected, StateAuthPending}:   {},
	{StateConnected, StateAuthOK}:        {},
	{StateConnected, StateBroken}:        {},
	{StateAuthPending, StateAuthOK}:      {},
	{StateAuthPending, StateAuthFailed}:  {},
	{StateAuthPending, StateBroken}:      {},
	{StateAuthOK, StateBroken}:           {},
	{StateAuthFailed, StateBroken}:       {},
	{StateBroken, StateDeleted}:          {},
}

// ValidTransition reports whether the connection FSM permits moving
// from one state to another. Self-transitions are always permitted.
func ValidTransition(from, to ConnState) bool {
	if from == to {
		return true
	}
	_, ok := connTransitions[connTransition{from: from, to: to}]
	return ok
}
