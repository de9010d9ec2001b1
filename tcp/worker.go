package tcp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/metrics"
	"github.com/selfdestruct/stack/tcpseg"
)

// Sender transmits a built segment as an IPv4 datagram.
type Sender interface {
	Send(src, dst ipv4.Addr, proto uint8, payload []byte) error
}

type pendingConn struct {
	addr SocketAddr
	seq  tcpseg.Seq
}

// Worker is the per-connection state machine described in spec.md
// §4.5: the two-phase st/criticalSt rendezvous, the stop-and-wait
// sender loops, and the PSH-aware receive buffer, translated from
// original_source/src/tcp.cpp's TcpWorker.
type Worker struct {
	sender Sender
	log    *logrus.Entry

	stMu                sync.Mutex
	st                  State
	criticalSt          State
	stSameCv            *sync.Cond
	stCriticalChangeCv  *sync.Cond

	synedMu sync.Mutex
	synedOK bool

	seqMu sync.Mutex
	seq   tcpseg.SeqSet
	seqCv *sync.Cond

	abanMu        sync.Mutex
	abandonedSeq  map[tcpseg.Seq]struct{}

	dupAckMu   sync.Mutex
	lastDupAck time.Time

	sendMu   sync.Mutex
	sendCv   *sync.Cond
	sendList []Item

	sendNBMu   sync.Mutex
	sendNBCv   *sync.Cond
	sendNBList []Item

	recvMu  sync.Mutex
	recvCv  *sync.Cond
	recvBuf RecvBuffer

	acceptMu sync.Mutex
	acceptCv *sync.Cond
	backlog  int
	pendings []pendingConn

	closedMu sync.Mutex
	closed   bool

	wg sync.WaitGroup
}

// NewWorker constructs a Worker in the CLOSED state and starts its
// sender goroutines.
func NewWorker(isn tcpseg.Seq, sender Sender, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Worker{
		sender:       sender,
		log:          log.WithField("component", "tcp"),
		st:           Closed,
		criticalSt:   Closed,
		seq:          tcpseg.NewSeqSet(isn),
		abandonedSeq: make(map[tcpseg.Seq]struct{}),
	}
	w.stSameCv = sync.NewCond(&w.stMu)
	w.stCriticalChangeCv = sync.NewCond(&w.stMu)
	w.seqCv = sync.NewCond(&w.seqMu)
	w.sendCv = sync.NewCond(&w.sendMu)
	w.sendNBCv = sync.NewCond(&w.sendNBMu)
	w.recvCv = sync.NewCond(&w.recvMu)
	w.acceptCv = sync.NewCond(&w.acceptMu)

	w.wg.Add(2)
	go w.senderLoop()
	go w.senderNonBlockLoop()
	return w
}

// correlationID returns the socket's xid, if the worker's logger was
// tagged with one, for attributing per-socket metrics.
func (w *Worker) correlationID() string {
	if v, ok := w.log.Data["xid"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "unknown"
}

// Close marks the worker closed and wakes every waiter, mirroring
// original_source/src/tcp.cpp's ~TcpWorker.
func (w *Worker) Close() {
	w.closedMu.Lock()
	w.closed = true
	w.closedMu.Unlock()

	w.stMu.Lock()
	w.stSameCv.Broadcast()
	w.stCriticalChangeCv.Broadcast()
	w.stMu.Unlock()

	w.seqMu.Lock()
	w.seqCv.Broadcast()
	w.seqMu.Unlock()

	w.sendMu.Lock()
	w.sendCv.Broadcast()
	w.sendMu.Unlock()

	w.sendNBMu.Lock()
	w.sendNBCv.Broadcast()
	w.sendNBMu.Unlock()

	w.recvMu.Lock()
	w.recvCv.Broadcast()
	w.recvMu.Unlock()

	w.acceptMu.Lock()
	w.acceptCv.Broadcast()
	w.acceptMu.Unlock()

	w.wg.Wait()
}

func (w *Worker) isClosed() bool {
	w.closedMu.Lock()
	defer w.closedMu.Unlock()
	return w.closed
}

// GetSt returns the current (non-critical) state.
func (w *Worker) GetSt() State {
	w.stMu.Lock()
	defer w.stMu.Unlock()
	return w.st
}

// SetSt sets both st and criticalSt to newst and wakes stSameCv
// waiters. Transitioning to CLOSED clears the pending send queue,
// matching the original's behavior.
func (w *Worker) SetSt(newst State) {
	w.stMu.Lock()
	w.st = newst
	w.criticalSt = newst
	w.stSameCv.Broadcast()
	w.stMu.Unlock()

	if newst == Closed {
		w.sendMu.Lock()
		w.sendList = nil
		w.sendMu.Unlock()
	}
}

// GetCriticalSt returns the current critical (in-transition) state.
func (w *Worker) GetCriticalSt() State {
	w.stMu.Lock()
	defer w.stMu.Unlock()
	return w.criticalSt
}

// SetCriticalSt sets criticalSt and wakes stCriticalChangeCv waiters.
func (w *Worker) SetCriticalSt(newst State) {
	w.stMu.Lock()
	w.criticalSt = newst
	w.stMu.Unlock()
	w.stCriticalChangeCv.Broadcast()
}

// WaitCriticalChange blocks until criticalSt differs from before, or
// the worker closes, and returns the new critical state.
func (w *Worker) WaitCriticalChange(before State) State {
	w.stMu.Lock()
	defer w.stMu.Unlock()
	for w.criticalSt == before && !w.isClosed() {
		w.stCriticalChangeCv.Wait()
	}
	return w.criticalSt
}

func (w *Worker) setSyned(v bool) {
	w.synedMu.Lock()
	w.synedOK = v
	w.synedMu.Unlock()
}

func (w *Worker) isSyned() bool {
	w.synedMu.Lock()
	defer w.synedMu.Unlock()
	return w.synedOK
}

// SetSyned marks the worker as having completed its SYN exchange,
// exposed for accept's child-worker setup
// (original_source/src/socket.cpp's Socket::accept sets
// tcpWorker.syned directly, bypassing the normal handler transition).
func (w *Worker) SetSyned(v bool) { w.setSyned(v) }

// Send is the unique entrance for transmitting a segment
// (original_source/src/tcp.cpp's TcpWorker::send): it enqueues ti and,
// for blocking items, waits until the sender loop reports it
// acknowledged or abandoned.
func (w *Worker) Send(ti Item) (int, error) {
	currSeq := ti.Seg.Header.Seq

	if ti.NonBlock {
		w.sendNBMu.Lock()
		w.sendNBList = append(w.sendNBList, ti)
		w.sendNBMu.Unlock()
		w.sendNBCv.Broadcast()
		return 0, nil
	}

	w.sendMu.Lock()
	w.sendList = append(w.sendList, ti)
	w.sendMu.Unlock()
	w.sendCv.Broadcast()

	w.seqMu.Lock()
	for !w.isClosed() && !tcpseg.GreaterThan(w.seq.SndUNA, currSeq, w.seq.SndISN) {
		w.seqCv.Wait()
	}
	w.seqMu.Unlock()

	w.abanMu.Lock()
	_, abandoned := w.abandonedSeq[currSeq]
	if abandoned {
		delete(w.abandonedSeq, currSeq)
	}
	w.abanMu.Unlock()
	if abandoned {
		return 0, ErrConnReset
	}
	return len(ti.Seg.Payload), nil
}

func (w *Worker) transmit(ti Item) {
	enc := ti.Seg.Encode(ti.SrcIP, ti.DstIP)
	if err := w.sender.Send(ti.SrcIP, ti.DstIP, ipv4.ProtoTCP, enc); err != nil {
		w.log.WithError(err).Warn("failed to send tcp segment")
	}
}

// senderLoop retransmits the head of sendList with stop-and-wait
// semantics, translating original_source/src/tcp.cpp's senderLoop.
func (w *Worker) senderLoop() {
	defer w.wg.Done()
	var ti Item
	var currSeq tcpseg.Seq
	haveCurr := false
	retransLeft := MaxRetrans

	for {
		if !haveCurr {
			w.sendMu.Lock()
			for len(w.sendList) == 0 && !w.isClosed() {
				w.sendCv.Wait()
			}
			if w.isClosed() {
				w.sendMu.Unlock()
				return
			}
			ti = w.sendList[0]
			w.sendMu.Unlock()
			currSeq = ti.Seg.Header.Seq
			haveCurr = true
		}

		w.transmit(ti)

		w.seqMu.Lock()
		deadline := time.Now().Add(time.Duration(Timeout) * time.Second)
		acked := false
		for {
			if tcpseg.GreaterThan(w.seq.SndUNA, currSeq, w.seq.SndISN) {
				acked = true
				break
			}
			remaining := time.Until(deadline)
			if remaining <= 0 || w.isClosed() {
				break
			}
			waitCondTimeout(w.seqCv, remaining)
		}
		w.seqMu.Unlock()

		if w.isClosed() {
			return
		}

		if acked {
			haveCurr = false
			retransLeft = MaxRetrans
			continue
		}

		w.log.WithField("retries_left", retransLeft).Warn("tcp send timed out")
		metrics.TCPRetransmits.WithLabelValues(w.correlationID()).Inc()
		if retransLeft == 0 {
			retransLeft = MaxRetrans
			w.abanMu.Lock()
			w.abandonedSeq[currSeq] = struct{}{}
			w.abanMu.Unlock()

			w.sendMu.Lock()
			if len(w.sendList) > 0 {
				w.sendList = w.sendList[1:]
			}
			w.sendMu.Unlock()

			w.seqMu.Lock()
			w.seq.RcvAckWithLen(len(ti.Seg.Payload) + headerAccountedLen(ti.Seg))
			w.seqMu.Unlock()
			haveCurr = false
		} else {
			retransLeft--
		}

		w.seqMu.Lock()
		w.seqCv.Broadcast()
		w.seqMu.Unlock()
	}
}

// headerAccountedLen reports the sequence-space length of a control
// segment (SYN/FIN each consume one sequence number) so an abandoned
// send still advances SndUNA correctly.
func headerAccountedLen(seg tcpseg.Segment) int {
	if tcpseg.WithSYN(seg.Header.Flags) || tcpseg.WithFIN(seg.Header.Flags) {
		return 1
	}
	return 0
}

func (w *Worker) senderNonBlockLoop() {
	defer w.wg.Done()
	for {
		w.sendNBMu.Lock()
		for len(w.sendNBList) == 0 && !w.isClosed() {
			w.sendNBCv.Wait()
		}
		if w.isClosed() {
			w.sendNBMu.Unlock()
			return
		}
		ti := w.sendNBList[0]
		w.sendNBList = w.sendNBList[1:]
		w.sendNBMu.Unlock()

		w.transmit(ti)
	}
}

// waitCondTimeout waits on cv for at most d, re-acquiring cv.L before
// returning either way. sync.Cond has no native timed wait, so a
// helper goroutine re-broadcasts after the deadline.
func waitCondTimeout(cv *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cv.Broadcast)
	defer timer.Stop()
	cv.Wait()
}

// Read blocks until nbyte bytes (or a PSH-terminated chunk) are
// available and returns them, per original_source's TcpWorker::read.
func (w *Worker) Read(nbyte int) ([]byte, error) {
	if w.GetSt() == Closed {
		n := w.recvBuf.Size()
		if n == 0 {
			return nil, ErrNotConnected
		}
		if n >= nbyte {
			return w.recvBuf.Read(nbyte), nil
		}
		return w.recvBuf.Read(n), nil
	}

	w.recvMu.Lock()
	for {
		if _, ok := w.recvBuf.CanGet(nbyte); ok {
			break
		}
		if w.isClosed() {
			w.recvMu.Unlock()
			return nil, ErrNotConnected
		}
		w.recvCv.Wait()
	}
	w.recvMu.Unlock()

	if w.isClosed() {
		return nil, ErrNotConnected
	}
	return w.recvBuf.Read(nbyte), nil
}

// WaitAccept blocks until a pending connection exists and pops it.
func (w *Worker) WaitAccept() (SocketAddr, tcpseg.Seq, bool) {
	w.acceptMu.Lock()
	defer w.acceptMu.Unlock()
	for len(w.pendings) == 0 && !w.isClosed() {
		w.acceptCv.Wait()
	}
	if len(w.pendings) == 0 {
		return SocketAddr{}, 0, false
	}
	p := w.pendings[0]
	w.pendings = w.pendings[1:]
	return p.addr, p.seq, true
}

// SetBacklog configures the pending-connection queue limit (0 = unbounded).
func (w *Worker) SetBacklog(n int) {
	if n < 0 {
		n = 0
	}
	w.acceptMu.Lock()
	w.backlog = n
	w.acceptMu.Unlock()
}

// WithSeq exposes the sequence set for callers that must build
// segments directly (connect/accept/write), guarded by the same lock
// senderLoop and Handle use.
func (w *Worker) WithSeq(fn func(*tcpseg.SeqSet)) {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()
	fn(&w.seq)
}

// BuildAck builds a bare-ACK Item under the sequence lock, exposed so
// callers outside this package (accept/connect/close's simultaneous-
// open and teardown branches) can build one the same way Handle does.
func (w *Worker) BuildAck(local, remote SocketAddr, ackLen *int, ackSeq *tcpseg.Seq) Item {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()
	return buildAckItem(local, remote, &w.seq, ackLen, ackSeq)
}
