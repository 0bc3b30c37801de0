package j1939

import (
	"errors"
	"fmt"
)

// Sentinel errors for the synchronous, non-retried error kinds of spec §7.
// Session-lifecycle errors that carry extra data (timeouts, peer aborts) use
// the richer types below instead of a bare sentinel.
var (
	// ErrInvalidPriority is returned when a caller asks to encode a CAN
	// identifier with priority > 7.
	ErrInvalidPriority = errors.New("j1939: priority must be 0-7")
	// ErrInvalidPGN is returned when a PGN does not fit in 18 bits.
	ErrInvalidPGN = errors.New("j1939: pgn exceeds 18 bits")
	// ErrInvalidArgument covers other API misuse: null NAME, empty NAME
	// filters, zero-length payloads where one is required, and so on.
	ErrInvalidArgument = errors.New("j1939: invalid argument")
	// ErrQueueFull is returned by Send when the outbound queue is at
	// capacity; callers should back off and retry (spec §7, QueueFull).
	ErrQueueFull = errors.New("j1939: outbound queue is full")
	// ErrNoSession is returned when a caller asks for a transport session
	// that does not exist (already completed, aborted, or never opened).
	ErrNoSession = errors.New("j1939: no such transport session")
	// ErrSessionLimitReached is returned when opening a new TP/ETP session
	// would exceed Config.MaxTransportSessions.
	ErrSessionLimitReached = errors.New("j1939: transport session limit reached")
)

// AbortReason is the wire-value reason code carried by TP.Conn_Abort /
// ETP.Conn_Abort frames (spec §4.5, exact values preserved from J1939-21).
type AbortReason uint8

const (
	AbortAlreadyInSession  AbortReason = 1
	AbortOutOfResources    AbortReason = 2
	AbortTimeout           AbortReason = 3
	AbortCTSWhileTransfer  AbortReason = 4
	AbortMaxRetransmit     AbortReason = 5
	AbortUnexpectedDT      AbortReason = 6
	AbortBadSequence       AbortReason = 7
	AbortDuplicateSequence AbortReason = 8
	AbortTotalSizeExceeded AbortReason = 9
	AbortAny               AbortReason = 250
)

func (r AbortReason) String() string {
	switch r {
	case AbortAlreadyInSession:
		return "already-in-session"
	case AbortOutOfResources:
		return "out-of-resources"
	case AbortTimeout:
		return "timeout"
	case AbortCTSWhileTransfer:
		return "cts-while-transfer"
	case AbortMaxRetransmit:
		return "max-retransmit"
	case AbortUnexpectedDT:
		return "unexpected-dt"
	case AbortBadSequence:
		return "bad-sequence"
	case AbortDuplicateSequence:
		return "duplicate-sequence"
	case AbortTotalSizeExceeded:
		return "total-size-exceeded"
	default:
		return "other"
	}
}

// SessionAbortError is SessionAbort from spec §7: a peer-initiated Conn_Abort
// surfaced to the application, never retried internally. The Network Manager
// also reports with it each session it drops because the peer's address was
// claimed by a different NAME or reaped; those carry PGN 0 and
// AbortOutOfResources.
type SessionAbortError struct {
	PGN    uint32
	Reason AbortReason
}

func (e *SessionAbortError) Error() string {
	return fmt.Sprintf("j1939: session for pgn 0x%06X aborted, reason=%s(%d)", e.PGN, e.Reason, e.Reason)
}

// SessionTimeoutError is SessionTimeout from spec §7: a local timer fired
// before the expected peer response arrived. The session emits a
// Conn_Abort(reason) and destroys itself; this error reports which timer.
type SessionTimeoutError struct {
	PGN   uint32
	Timer string
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("j1939: session for pgn 0x%06X timed out waiting for %s", e.PGN, e.Timer)
}

// ProtocolViolationError is ProtocolViolation from spec §7: a malformed or
// out-of-protocol frame (bad sequence, oversized total, unexpected DT) that
// causes the owning session to abort with Reason.
type ProtocolViolationError struct {
	PGN     uint32
	Reason  AbortReason
	Problem string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("j1939: protocol violation on pgn 0x%06X (%s): %s", e.PGN, e.Reason, e.Problem)
}

// AddressContentionLostError is AddressContentionLost from spec §7: an
// Internal CF's claim lost contention. Arbitrary is true if the CF is
// arbitrary-address-capable and will retry at a new address; if false the CF
// has transitioned to UnableToClaim and this is surfaced exactly once.
type AddressContentionLostError struct {
	PreferredAddress uint8
	Arbitrary        bool
}

func (e *AddressContentionLostError) Error() string {
	if e.Arbitrary {
		return fmt.Sprintf("j1939: lost address contention for 0x%02X, retrying with a new address", e.PreferredAddress)
	}
	return fmt.Sprintf("j1939: lost address contention for 0x%02X and cannot claim any address", e.PreferredAddress)
}
