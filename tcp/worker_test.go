package tcp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/tcpseg"
)

// pairedSender decodes every segment handed to it and delivers it
// straight to the peer Worker's Handle, modeling a lossless direct
// link between two workers with no IP or Ethernet layer in between —
// the lightest harness that can still drive the real handshake,
// sender-loop and retransmission logic in worker.go and handler.go.
// The full link-layer version of this scenario, wired over an actual
// capture.Loopback pair, lives in socket/socket_test.go.
type pairedSender struct {
	mu      sync.Mutex
	peer    *Worker
	local   SocketAddr
	remote  SocketAddr
	dropped bool
}

func (s *pairedSender) Send(src, dst ipv4.Addr, proto uint8, payload []byte) error {
	s.mu.Lock()
	dropped := s.dropped
	local, remote := s.local, s.remote
	s.mu.Unlock()
	if dropped {
		return nil
	}
	seg, err := tcpseg.Decode(payload)
	if err != nil {
		return err
	}
	s.peer.Handle(Item{Seg: seg, SrcIP: src, DstIP: dst}, remote, local)
	return nil
}

// newConnectedPair drives a client and server Worker through the same
// three-way handshake socket.Socket.Connect/Accept perform, replicated
// here so the state machine can be exercised directly.
func newConnectedPair(t *testing.T) (client, server *Worker, clientAddr, serverAddr SocketAddr) {
	t.Helper()
	clientAddr = SocketAddr{IP: ipv4.FromBytes([4]byte{10, 0, 0, 1}), Port: 2048}
	serverAddr = SocketAddr{IP: ipv4.FromBytes([4]byte{10, 0, 0, 2}), Port: 80}

	clientSender := &pairedSender{local: clientAddr, remote: serverAddr}
	serverSender := &pairedSender{local: serverAddr, remote: clientAddr}

	client = NewWorker(100, clientSender, nil)
	server = NewWorker(200, serverSender, nil)
	clientSender.peer = server
	serverSender.peer = client

	server.SetBacklog(1)
	server.SetSt(Listen)

	clientDone := make(chan error, 1)
	go func() {
		var syn Item
		client.WithSeq(func(seq *tcpseg.SeqSet) {
			seg := tcpseg.NewSegment(clientAddr.Port, serverAddr.Port)
			seg.Header.Flags = tcpseg.FlagSYN
			seg.Header.Seq = seq.AllocateWithLen(1)
			syn = Item{Seg: seg, SrcIP: clientAddr.IP, DstIP: serverAddr.IP}
		})
		client.SetSt(SynSent)
		_, err := client.Send(syn)
		clientDone <- err
	}()

	remote, theirSeq, ok := server.WaitAccept()
	require.True(t, ok)
	require.Equal(t, clientAddr, remote)

	var synAck Item
	server.WithSeq(func(seq *tcpseg.SeqSet) {
		seq.InitRcvISN(theirSeq)
		seg := tcpseg.NewSegment(serverAddr.Port, clientAddr.Port)
		seg.Header.Flags = tcpseg.FlagSYN | tcpseg.FlagACK
		seg.Header.Seq = seq.AllocateWithLen(1)
		seg.Header.Ack = seq.SndAckWithLen(1)
		synAck = Item{Seg: seg, SrcIP: serverAddr.IP, DstIP: clientAddr.IP}
	})
	server.SetSyned(true)
	server.SetSt(SynReceived)
	_, err := server.Send(synAck)
	require.NoError(t, err)
	require.Equal(t, Established, server.GetCriticalSt())
	server.SetSt(Established)

	select {
	case err := <-clientDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client handshake timed out")
	}
	require.Equal(t, Established, client.GetCriticalSt())
	client.SetSt(Established)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return client, server, clientAddr, serverAddr
}

func TestWorker_HandshakeReachesEstablished(t *testing.T) {
	client, server, _, _ := newConnectedPair(t)
	assert.Equal(t, Established, client.GetSt())
	assert.Equal(t, Established, server.GetSt())
}

func TestWorker_RetransmissionExhaustionAbandonsSend(t *testing.T) {
	origTimeout, origMaxRetrans := Timeout, MaxRetrans
	Timeout = 1
	MaxRetrans = 1
	defer func() { Timeout, MaxRetrans = origTimeout, origMaxRetrans }()

	client, _, clientAddr, serverAddr := newConnectedPair(t)

	// The peer goes unreachable: every segment the client's sender loop
	// hands to pairedSender from here on is dropped instead of reaching
	// the server, so nothing will ever acknowledge it.
	cs := client.sender.(*pairedSender)
	cs.mu.Lock()
	cs.dropped = true
	cs.mu.Unlock()

	var payload Item
	client.WithSeq(func(seq *tcpseg.SeqSet) {
		seg := tcpseg.NewSegment(clientAddr.Port, serverAddr.Port)
		seg.Header.Flags = tcpseg.FlagPSH
		seg.Payload = []byte("ping")
		seg.Header.Seq = seq.AllocateWithLen(len(seg.Payload))
		payload = Item{Seg: seg, SrcIP: clientAddr.IP, DstIP: serverAddr.IP}
	})

	type sendResult struct {
		n   int
		err error
	}
	done := make(chan sendResult, 1)
	go func() {
		n, err := client.Send(payload)
		done <- sendResult{n, err}
	}()

	select {
	case res := <-done:
		assert.Equal(t, 0, res.n)
		assert.Equal(t, ErrConnReset, res.err, "exhausting every retransmission attempt must abandon the send with ErrConnReset")
	case <-time.After(6 * time.Second):
		t.Fatal("send never gave up retransmitting an unacknowledged segment")
	}
}
