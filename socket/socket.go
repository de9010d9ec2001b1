package socket

import (
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/tcp"
	"github.com/selfdestruct/stack/tcpseg"
)

// Socket is a single POSIX-style TCP socket: identity, its 4-tuple,
// and the tcp.Worker driving its connection state, translated from
// original_source/include/socket.h's Socket.
type Socket struct {
	fd                     int
	domain, typ, protocol int
	id                     xid.ID

	worker *tcp.Worker
	mgr    *Manager
	log    *logrus.Entry

	mu       sync.Mutex
	src, dst tcp.SocketAddr
}

func newSocket(fd, domain, typ, protocol int, worker *tcp.Worker, mgr *Manager, log *logrus.Entry) *Socket {
	id := xid.New()
	return &Socket{
		fd:       fd,
		domain:   domain,
		typ:      typ,
		protocol: protocol,
		id:       id,
		worker:   worker,
		mgr:      mgr,
		log:      log.WithField("socket.fd", fd).WithField("xid", id.String()),
	}
}

// Bind assigns the socket's local address, translating
// original_source/src/socket.cpp's Socket::bind.
func (s *Socket) Bind(addr tcp.SocketAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker.GetSt() == tcp.Invalid {
		return EINVAL
	}
	if !s.src.IsZero() {
		return EINVAL
	}
	s.src = addr
	return nil
}

// Listen transitions the socket into LISTEN, translating
// original_source/src/socket.cpp's Socket::listen.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker.GetSt() != tcp.Closed {
		return EINVAL
	}
	if s.src.IsZero() {
		return EDESTADDRREQ
	}
	s.worker.SetBacklog(backlog)
	s.worker.SetSt(tcp.Listen)
	return nil
}

// Accept blocks for an inbound connection and returns a newly spawned
// socket bound to the accepted 4-tuple, translating
// original_source/src/socket.cpp's Socket::accept.
func (s *Socket) Accept() (*Socket, error) {
	if s.worker.GetSt() != tcp.Listen {
		return nil, EPROTO
	}

	remote, theirSeq, ok := s.worker.WaitAccept()
	if !ok {
		return nil, ECONNABORTED
	}

	child, err := s.mgr.newChild(s.domain, s.typ, s.protocol)
	if err != nil {
		return nil, err.(Errno)
	}
	child.src = s.src
	child.dst = remote
	s.log.WithField("remote", remote.String()).Info("accepting connection")

	var synAck tcp.Item
	child.worker.WithSeq(func(seq *tcpseg.SeqSet) {
		seq.InitRcvISN(theirSeq)
		seg := tcpseg.NewSegment(child.src.Port, child.dst.Port)
		seg.Header.Flags = tcpseg.FlagSYN | tcpseg.FlagACK
		seg.Header.Seq = seq.AllocateWithLen(1)
		seg.Header.Ack = seq.SndAckWithLen(1)
		synAck = tcp.Item{Seg: seg, SrcIP: child.src.IP, DstIP: child.dst.IP}
	})
	child.worker.SetSyned(true)
	child.worker.SetSt(tcp.SynReceived)

	if _, err := child.worker.Send(synAck); err != nil {
		return nil, ECONNABORTED
	}

	if child.worker.GetCriticalSt() == tcp.Established {
		child.worker.SetSt(tcp.Established)
	}

	return child, nil
}

// Connect drives the three-way handshake (including the
// simultaneous-open branch), translating
// original_source/src/socket.cpp's Socket::connect. A SYN or SYN/ACK
// that is never acknowledged surfaces as ETIMEDOUT per §7.
func (s *Socket) Connect(dst tcp.SocketAddr) error {
	s.mu.Lock()
	s.dst = dst

	if s.src.IP == 0 {
		if item, ok := s.mgr.table.Lookup(dst.IP); ok {
			if dev, ok := s.mgr.devices.Get(item.DeviceID); ok {
				s.src.IP = dev.IPv4
			}
		}
	}
	if s.src.Port == 0 {
		s.src.Port = s.mgr.nextEphemeralPort(dst.IP)
	}
	src := s.src
	s.mu.Unlock()

	s.log.WithField("remote", dst.String()).Info("connecting")

	var syn tcp.Item
	s.worker.WithSeq(func(seq *tcpseg.SeqSet) {
		seg := tcpseg.NewSegment(src.Port, dst.Port)
		seg.Header.Flags = tcpseg.FlagSYN
		seg.Header.Seq = seq.AllocateWithLen(1)
		syn = tcp.Item{Seg: seg, SrcIP: src.IP, DstIP: dst.IP}
	})
	s.worker.SetSt(tcp.SynSent)
	if _, err := s.worker.Send(syn); err != nil {
		return ETIMEDOUT
	}

	// SYN_SENT --[rcv SYN/ACK, snd ACK]--> ESTABLISHED
	if s.worker.GetCriticalSt() == tcp.Established {
		// The handler has already acknowledged the SYN/ACK and advanced
		// RcvNXT past it; this ACK repeats that acknowledgement.
		var rcvNxt tcpseg.Seq
		s.worker.WithSeq(func(seq *tcpseg.SeqSet) { rcvNxt = seq.RcvNXT })
		ack := s.worker.BuildAck(src, dst, nil, &rcvNxt)
		s.worker.SetSt(tcp.Established)
		s.worker.Send(ack)
		return nil
	}

	// SYN_SENT --[rcv SYN, snd SYN/ACK]--> SYN_RECEIVED (simultaneous open)
	if s.worker.GetCriticalSt() == tcp.SynReceived {
		var synAck tcp.Item
		s.worker.WithSeq(func(seq *tcpseg.SeqSet) {
			seg := tcpseg.NewSegment(src.Port, dst.Port)
			seg.Header.Flags = tcpseg.FlagSYN | tcpseg.FlagACK
			seg.Header.Seq = seq.AllocateWithLen(1)
			seg.Header.Ack = seq.SndAckWithLen(1)
			synAck = tcp.Item{Seg: seg, SrcIP: src.IP, DstIP: dst.IP}
		})
		s.worker.SetSt(tcp.SynReceived)
		if _, err := s.worker.Send(synAck); err != nil {
			return ETIMEDOUT
		}
	}

	// ^ SYN_RECEIVED --[rcv ACK]--> ESTABLISHED
	if s.worker.GetCriticalSt() == tcp.Established {
		s.worker.SetSt(tcp.Established)
	}

	return nil
}

// Read blocks for data, translating tcp.Worker errors to socket.Errno.
func (s *Socket) Read(nbyte int) ([]byte, error) {
	buf, err := s.worker.Read(nbyte)
	return buf, translateTCPErr(err)
}

// Write sends buf as a new PSH segment, translating
// original_source/src/socket.cpp's Socket::write.
func (s *Socket) Write(buf []byte) (int, error) {
	s.mu.Lock()
	src, dst := s.src, s.dst
	s.mu.Unlock()

	var ti tcp.Item
	s.worker.WithSeq(func(seq *tcpseg.SeqSet) {
		seg := tcpseg.NewSegment(src.Port, dst.Port)
		seg.Header.Flags = tcpseg.FlagPSH
		seg.Payload = append([]byte(nil), buf...)
		seg.Header.Seq = seq.AllocateWithLen(len(buf))
		ti = tcp.Item{Seg: seg, SrcIP: src.IP, DstIP: dst.IP}
	})

	n, err := s.worker.Send(ti)
	return n, translateTCPErr(err)
}

// Close drives the socket through its teardown sequence, translating
// original_source/src/socket.cpp's Socket::close exactly: a sequence
// of independent ifs on stable (st, criticalSt) pairs, not a switch,
// so more than one transition can fire in a single call
// (SPEC_FULL.md §4.5).
func (s *Socket) Close() error {
	s.mu.Lock()
	src, dst := s.src, s.dst
	s.mu.Unlock()

	sendFin := func(next tcp.State) {
		var ti tcp.Item
		s.worker.WithSeq(func(seq *tcpseg.SeqSet) {
			seg := tcpseg.NewSegment(src.Port, dst.Port)
			seg.Header.Flags = tcpseg.FlagFIN
			seg.Header.Seq = seq.AllocateWithLen(1)
			seg.Header.Ack = seq.RcvNXT
			ti = tcp.Item{Seg: seg, SrcIP: src.IP, DstIP: dst.IP}
		})
		s.worker.SetSt(next)
		s.worker.Send(ti)
	}

	// LISTEN --[CLOSE, snd FIN]--> FIN_WAIT_1
	if s.worker.GetSt() == tcp.Listen {
		sendFin(tcp.FinWait1)
	}

	// ESTABLISHED --[CLOSE, snd FIN]--> FIN_WAIT_1
	if s.worker.GetSt() == tcp.Established {
		sendFin(tcp.FinWait1)
	}

	// ^ FIN_WAIT_1 --[rcv FIN/ACK, snd ACK]--> TIMED_WAIT
	if s.worker.GetSt() == tcp.FinWait1 && s.worker.GetCriticalSt() == tcp.TimedWait {
		ack := s.worker.BuildAck(src, dst, nil, nil)
		s.worker.SetSt(tcp.TimedWait)
		s.worker.Send(ack)
	}

	// ^ FIN_WAIT_1 --[rcv ACK]--> FIN_WAIT_2
	if s.worker.GetSt() == tcp.FinWait1 && s.worker.GetCriticalSt() == tcp.FinWait2 {
		s.worker.SetSt(tcp.FinWait2)
	}

	// ^ FIN_WAIT_2 --[rcv FIN, snd ACK]--> TIMED_WAIT
	if s.worker.GetSt() == tcp.FinWait2 && s.worker.GetCriticalSt() == tcp.TimedWait {
		ack := s.worker.BuildAck(src, dst, nil, nil)
		s.worker.SetSt(tcp.TimedWait)
		s.worker.Send(ack)
	}

	// ^ FIN_WAIT_1 --[rcv FIN, snd ACK]--> CLOSING
	if s.worker.GetSt() == tcp.FinWait1 && s.worker.GetCriticalSt() == tcp.Closing {
		ack := s.worker.BuildAck(src, dst, nil, nil)
		s.worker.SetSt(tcp.Closing)
		s.worker.Send(ack)
	}

	// ^ CLOSING --[rcv ACK]--> TIMED_WAIT
	if s.worker.GetSt() == tcp.Closing && s.worker.GetCriticalSt() == tcp.TimedWait {
		s.worker.SetSt(tcp.TimedWait)
	}

	// ^ TIMED_WAIT --[timeout 2*MSL]--> CLOSED
	if s.worker.GetSt() == tcp.TimedWait {
		time.Sleep(time.Duration(tcp.MSL) * 2 * time.Second)
		s.worker.SetSt(tcp.Closed)
	}

	// CLOSE_WAIT --[CLOSE, snd FIN]--> LAST_ACK
	if s.worker.GetSt() == tcp.CloseWait {
		sendFin(tcp.LastAck)
	}

	// ^ LAST_ACK --[rcv ACK]--> CLOSED
	if s.worker.GetSt() == tcp.LastAck && s.worker.GetCriticalSt() == tcp.Closed {
		s.worker.SetSt(tcp.Closed)
	}

	s.worker.Close()
	return nil
}

func translateTCPErr(err error) error {
	switch err {
	case nil:
		return nil
	case tcp.ErrConnReset:
		return ECONNRESET
	case tcp.ErrNotConnected:
		return ENOTCONN
	default:
		return err
	}
}
