package tcp

import "github.com/pkg/errors"

// Sentinel errors a Worker can return; the socket layer translates
// these into the POSIX-style socket.Errno spec.md §7 requires.
var (
	ErrConnReset    = errors.New("tcp: connection reset")
	ErrNotConnected = errors.New("tcp: not connected")
)
