package socket

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/device"
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/route"
	"github.com/selfdestruct/stack/tcp"
	"github.com/selfdestruct/stack/tcpseg"
)

// Manager owns every socket the stack has created, allocates file
// descriptors and ephemeral ports, and demultiplexes inbound segments
// to their owning socket, translating
// original_source/include/socket.h's SocketManager.
type Manager struct {
	sender  tcp.Sender
	table   *route.Table
	devices *device.Manager
	isnGen  *tcpseg.ISNGenerator
	log     *logrus.Entry

	mu       sync.Mutex
	nextFd   int
	sockets  map[int]*Socket
	nextPort map[ipv4.Addr]uint16
}

// NewManager constructs a socket manager. sender transmits the
// datagrams a tcp.Worker builds; table and devices resolve the
// egress address connect() needs when the caller hasn't bound one.
func NewManager(sender tcp.Sender, table *route.Table, devices *device.Manager, isnGen *tcpseg.ISNGenerator, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		sender:   sender,
		table:    table,
		devices:  devices,
		isnGen:   isnGen,
		log:      log.WithField("component", "socket"),
		nextFd:   1024,
		sockets:  make(map[int]*Socket),
		nextPort: make(map[ipv4.Addr]uint16),
	}
}

// Socket allocates a new socket, translating
// original_source/src/socket.cpp's SocketManager::socket.
func (m *Manager) Socket(domain, typ, protocol int) (int, error) {
	if domain != AF_INET {
		return 0, EAFNOSUPPORT
	}
	if typ != SOCK_STREAM {
		return 0, EPROTOTYPE
	}
	if protocol != IPPROTO_TCP {
		return 0, EPROTONOSUPPORT
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextFd < 0 {
		return 0, ENFILE
	}
	fd := m.nextFd
	m.nextFd++

	sock := newSocket(fd, domain, typ, protocol, nil, m, m.log)
	sock.worker = tcp.NewWorker(m.isnGen.GetISN(), m.sender, sock.log)
	m.sockets[fd] = sock
	return fd, nil
}

// newChild is Socket under the same allocation path, used by
// Accept to spawn the connected socket that LISTEN hands off to.
func (m *Manager) newChild(domain, typ, protocol int) (*Socket, error) {
	fd, err := m.Socket(domain, typ, protocol)
	if err != nil {
		return nil, err
	}
	s, _ := m.get(fd)
	return s, nil
}

func (m *Manager) get(fd int) (*Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[fd]
	return s, ok
}

func (m *Manager) getPair(local, remote tcp.SocketAddr) (*Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sockets {
		s.mu.Lock()
		match := s.src == local && s.dst == remote
		s.mu.Unlock()
		if match {
			return s, true
		}
	}
	return nil, false
}

func (m *Manager) getListening(local tcp.SocketAddr) (*Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sockets {
		s.mu.Lock()
		match := s.src == local
		s.mu.Unlock()
		if match && s.worker.GetSt() == tcp.Listen {
			return s, true
		}
	}
	return nil, false
}

// nextEphemeralPort allocates the next ephemeral source port for a
// destination, starting at 2048, matching
// original_source/src/socket.cpp's Socket::connect.
func (m *Manager) nextEphemeralPort(dst ipv4.Addr) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.nextPort[dst]
	if !ok {
		p = 2048
	}
	m.nextPort[dst] = p + 1
	return p
}

// Bind, Listen, Accept, Connect, Read, Write and Close look a socket
// up by fd and delegate, translating
// original_source/src/socket.cpp's SocketManager forwarding methods.

func (m *Manager) Bind(fd int, addr tcp.SocketAddr) error {
	s, ok := m.get(fd)
	if !ok {
		return EBADF
	}
	return s.Bind(addr)
}

func (m *Manager) Listen(fd int, backlog int) error {
	s, ok := m.get(fd)
	if !ok {
		return EBADF
	}
	return s.Listen(backlog)
}

func (m *Manager) Accept(fd int) (int, tcp.SocketAddr, error) {
	s, ok := m.get(fd)
	if !ok {
		return 0, tcp.SocketAddr{}, EBADF
	}
	child, err := s.Accept()
	if err != nil {
		return 0, tcp.SocketAddr{}, err
	}
	return child.fd, child.dst, nil
}

func (m *Manager) Connect(fd int, dst tcp.SocketAddr) error {
	s, ok := m.get(fd)
	if !ok {
		return EBADF
	}
	return s.Connect(dst)
}

func (m *Manager) Read(fd int, nbyte int) ([]byte, error) {
	s, ok := m.get(fd)
	if !ok {
		return nil, EBADF
	}
	return s.Read(nbyte)
}

func (m *Manager) Write(fd int, buf []byte) (int, error) {
	s, ok := m.get(fd)
	if !ok {
		return 0, EBADF
	}
	return s.Write(buf)
}

func (m *Manager) Close(fd int) error {
	s, ok := m.get(fd)
	if !ok {
		return EBADF
	}
	err := s.Close()
	m.mu.Lock()
	delete(m.sockets, fd)
	m.mu.Unlock()
	return err
}

// Deliver implements ipv4.Deliver: it is registered as the TCP
// protocol handler on the IPv4 forwarder and demultiplexes inbound
// segments to their owning socket, translating
// original_source/src/socket.cpp's tcpDispatcher.
func (m *Manager) Deliver(payload []byte, proto uint8, src, dst ipv4.Addr, deviceID int) {
	seg, err := tcpseg.Decode(payload)
	if err != nil {
		m.log.WithError(err).Warn("dropping malformed tcp segment")
		return
	}

	local := tcp.SocketAddr{IP: dst, Port: seg.Header.DstPort}
	remote := tcp.SocketAddr{IP: src, Port: seg.Header.SrcPort}

	var sock *Socket
	var ok bool
	if tcpseg.IsSYN(seg.Header.Flags) {
		sock, ok = m.getListening(local)
	} else {
		sock, ok = m.getPair(local, remote)
	}

	if !ok {
		m.log.WithFields(logrus.Fields{"local": local.String(), "remote": remote.String()}).
			Warn("segment matches no local socket")
		// REDESIGN FLAG #3 (SPEC_FULL.md §9.3): reply with a bare RST,
		// except never reset a RST.
		if !tcpseg.WithRST(seg.Header.Flags) {
			m.sendReset(seg.Header, len(seg.Payload), src, dst)
		}
		return
	}

	sock.worker.Handle(tcp.Item{Seg: seg, SrcIP: src, DstIP: dst}, local, remote)
}

// sendReset builds and transmits the RFC 793 reset for an unmatched
// segment, bypassing any tcp.Worker since none owns it.
func (m *Manager) sendReset(hdr tcpseg.Header, payloadLen int, src, dst ipv4.Addr) {
	seg := tcpseg.NewSegment(hdr.DstPort, hdr.SrcPort)
	if tcpseg.WithACK(hdr.Flags) {
		seg.Header.Flags = tcpseg.FlagRST
		seg.Header.Seq = hdr.Ack
	} else {
		seg.Header.Flags = tcpseg.FlagRST | tcpseg.FlagACK
		seg.Header.Seq = 0
		seg.Header.Ack = hdr.Seq + tcpseg.Seq(payloadLen)
	}
	enc := seg.Encode(dst, src)
	if err := m.sender.Send(dst, src, ipv4.ProtoTCP, enc); err != nil {
		m.log.WithError(err).Warn("failed to send reset")
	}
}
