// Package tcp implements the TCP state machine, stop-and-wait
// reliability, and segment buffering described in spec.md §4.5,
// grounded on original_source/src/tcp.cpp and tcpbuffer.h.
package tcp

// State is one node of the TCP connection state machine
// (original_source/include/tcpstate.h's TcpState).
type State int

const (
	Invalid State = iota
	Closed
	Listen
	SynSent
	SynReceived
	Established
	CloseWait
	FinWait1
	Closing
	LastAck
	FinWait2
	TimedWait
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "INVAL"
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case CloseWait:
		return "CLOSE_WAIT"
	case FinWait1:
		return "FIN_WAIT_1"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case FinWait2:
		return "FIN_WAIT_2"
	case TimedWait:
		return "TIMED_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Timeout and retransmit tuning (original_source/include/tcp.h).
// These are process-wide protocol tunables rather than per-connection
// options, matching spec.md's framing of them as named constants with
// defaults; config.Config.Apply overrides them once at startup, before
// any Worker is constructed.
var (
	Timeout    = 3 // seconds per retransmit attempt
	MaxRetrans = 2 // retransmit attempts before giving up
	MSL        = 2 // seconds; TIMED_WAIT holds for 2*MSL
)
