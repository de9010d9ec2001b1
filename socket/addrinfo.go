package socket

import (
	"strconv"
	"strings"

	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/tcp"
)

// Hints narrows GetAddrInfo's resolution the way addrinfo.ai_family /
// ai_socktype do; zero values mean "don't care".
type Hints struct {
	Family   int
	SockType int
}

// GetAddrInfo resolves node:service into a SocketAddr, translating
// original_source/src/apiwrap.cpp's getaddrinfo wrapper. The stack has
// no name resolver (spec.md's Non-goals exclude DNS), so node must
// already be a dotted-quad literal and service a decimal port number.
func GetAddrInfo(node, service string, hints Hints) (tcp.SocketAddr, error) {
	if hints.Family != 0 && hints.Family != AF_INET {
		return tcp.SocketAddr{}, EAI_FAMILY
	}
	if hints.SockType != 0 && hints.SockType != SOCK_STREAM {
		return tcp.SocketAddr{}, EAI_SOCKTYPE
	}
	if node == "" {
		return tcp.SocketAddr{}, EAI_NONAME
	}

	octets := strings.Split(node, ".")
	if len(octets) != 4 {
		return tcp.SocketAddr{}, EAI_NONAME
	}
	var b [4]byte
	for i, o := range octets {
		v, err := strconv.Atoi(o)
		if err != nil || v < 0 || v > 255 {
			return tcp.SocketAddr{}, EAI_NONAME
		}
		b[i] = byte(v)
	}

	port, err := strconv.Atoi(service)
	if err != nil || port < 0 || port > 65535 {
		return tcp.SocketAddr{}, EAI_NONAME
	}

	return tcp.SocketAddr{IP: ipv4.FromBytes(b), Port: uint16(port)}, nil
}
