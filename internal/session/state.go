package session

import "fmt"

// State is the lifecycle state of one tenant session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingPairing
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger is an input to the transition table.
type Trigger int

const (
	TriggerInitialize Trigger = iota
	TriggerPairingRequired
	TriggerHandshakeComplete
	TriggerPairingExpired
	TriggerPairingAbandoned
	TriggerTransientFailure
	TriggerRetriesExhausted
	TriggerTerminalFailure
	TriggerDisconnect
	TriggerShutdown
	TriggerTeardownComplete
)

func (t Trigger) String() string {
	switch t {
	case TriggerInitialize:
		return "initialize"
	case TriggerPairingRequired:
		return "pairing_required"
	case TriggerHandshakeComplete:
		return "handshake_complete"
	case TriggerPairingExpired:
		return "pairing_expired"
	case TriggerPairingAbandoned:
		return "pairing_abandoned"
	case TriggerTransientFailure:
		return "transient_failure"
	case TriggerRetriesExhausted:
		return "retries_exhausted"
	case TriggerTerminalFailure:
		return "terminal_failure"
	case TriggerDisconnect:
		return "disconnect"
	case TriggerShutdown:
		return "shutdown"
	case TriggerTeardownComplete:
		return "teardown_complete"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

type edge struct {
	from State
	on   Trigger
}

// transitions is the complete lifecycle.  Anything not listed is illegal.
var transitions = map[edge]State{
	{StateIdle, TriggerInitialize}: StateConnecting,

	{StateConnecting, TriggerPairingRequired}:        StateAwaitingPairing,
	{StateConnecting, TriggerHandshakeComplete}:      StateOpen,
	{StateAwaitingPairing, TriggerHandshakeComplete}: StateOpen,

	{StateAwaitingPairing, TriggerPairingExpired}: StateConnecting,
	{StateConnecting, TriggerPairingExpired}:      StateConnecting,

	{StateConnecting, TriggerTransientFailure}:      StateConnecting,
	{StateAwaitingPairing, TriggerTransientFailure}: StateConnecting,
	{StateOpen, TriggerTransientFailure}:            StateConnecting,

	{StateConnecting, TriggerRetriesExhausted}:      StateClosed,
	{StateAwaitingPairing, TriggerRetriesExhausted}: StateClosed,
	{StateOpen, TriggerRetriesExhausted}:            StateClosed,

	{StateConnecting, TriggerTerminalFailure}:      StateClosed,
	{StateAwaitingPairing, TriggerTerminalFailure}: StateClosed,
	{StateOpen, TriggerTerminalFailure}:            StateClosed,

	{StateConnecting, TriggerPairingAbandoned}:      StateClosed,
	{StateAwaitingPairing, TriggerPairingAbandoned}: StateClosed,

	{StateIdle, TriggerDisconnect}:            StateClosing,
	{StateConnecting, TriggerDisconnect}:      StateClosing,
	{StateAwaitingPairing, TriggerDisconnect}: StateClosing,
	{StateOpen, TriggerDisconnect}:            StateClosing,

	{StateIdle, TriggerShutdown}:            StateClosing,
	{StateConnecting, TriggerShutdown}:      StateClosing,
	{StateAwaitingPairing, TriggerShutdown}: StateClosing,
	{StateOpen, TriggerShutdown}:            StateClosing,

	{StateClosing, TriggerTeardownComplete}: StateClosed,
}

// next looks up the destination of (from, on).
func next(from State, on Trigger) (State, error) {
	to, ok := transitions[edge{from, on}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, on, from)
	}
	return to, nil
}

// countsAsRetry reports whether taking this trigger consumes one retry.
// Only transient failures do; pairing expiry and explicit commands never.
func countsAsRetry(on Trigger) bool {
	return on == TriggerTransientFailure
}
