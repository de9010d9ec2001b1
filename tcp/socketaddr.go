package tcp

import (
	"strconv"

	"github.com/selfdestruct/stack/ipv4"
)

// SocketAddr is an IPv4 address plus port, translated from
// original_source/include/socketaddr.h's SocketAddr.
type SocketAddr struct {
	IP   ipv4.Addr
	Port uint16
}

func (a SocketAddr) String() string {
	return a.IP.String() + ":" + strconv.Itoa(int(a.Port))
}

func (a SocketAddr) IsZero() bool {
	return a.IP == 0 && a.Port == 0
}
