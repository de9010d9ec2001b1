package socket

// Domain, type and protocol constants this stack accepts, matching
// the subset original_source/include/socket.h's Socket::Socket
// validates against (AF_INET/SOCK_STREAM/IPPROTO_TCP).
const (
	AF_INET     = 2
	SOCK_STREAM = 1
	IPPROTO_TCP = 6
)
