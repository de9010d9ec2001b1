package tcp

import (
	"time"

	"github.com/selfdestruct/stack/tcpseg"
)

// dupAckWindow bounds how often Handle will answer an out-of-window
// segment with a bare ACK, per SPEC_FULL.md §9.4: the original
// answers every out-of-window segment unconditionally, which lets a
// confused or hostile peer retransmitting out-of-window data drive an
// unbounded ACK storm.
func dupAckWindow() time.Duration { return time.Duration(Timeout) * time.Second }

// Handle processes one inbound segment against the state machine,
// translating original_source/src/tcp.cpp's TcpWorker::handler. local
// and remote identify the 4-tuple as seen from this worker's side.
func (w *Worker) Handle(recv Item, local, remote SocketAddr) {
	hdr := recv.Seg.Header

	w.stMu.Lock()
	for w.st != w.criticalSt {
		w.stSameCv.Wait()
	}
	w.criticalSt = Invalid
	w.stMu.Unlock()

	if w.GetSt() == Closed {
		return
	}

	rcvISN, rcvNxt := w.rcvWindow()
	if w.isSyned() && tcpseg.GreaterThan(hdr.Seq, rcvNxt, rcvISN) {
		w.log.Debug("segment ahead of window, sending current ack")
		if w.allowDupAck() {
			ti := w.BuildAck(local, remote, nil, seqPtr(rcvNxt))
			w.Send(ti)
		}
		w.SetCriticalSt(w.GetSt())
		return
	}
	if w.isSyned() && tcpseg.LessThan(hdr.Seq, rcvNxt, rcvISN) {
		w.log.Debug("segment behind window, sending duplicate ack")
		if w.allowDupAck() {
			dupAck := hdr.Seq + tcpseg.Seq(len(recv.Seg.Payload))
			ti := w.BuildAck(local, remote, nil, &dupAck)
			w.Send(ti)
		}
		w.SetCriticalSt(w.GetSt())
		return
	}

	if tcpseg.WithRST(hdr.Flags) {
		w.SetSt(Closed)
		return
	}

	if tcpseg.WithACK(hdr.Flags) {
		w.seqMu.Lock()
		meaningless := tcpseg.EqualTo(hdr.Ack, w.seq.SndNXT) && tcpseg.EqualTo(hdr.Ack, w.seq.SndUNA)
		w.seqMu.Unlock()
		if meaningless {
			hdr.Flags &^= tcpseg.FlagACK
		}
	}

	switch w.GetSt() {
	case Listen:
		w.handleListen(hdr, remote)
	case SynSent:
		w.handleSynSent(hdr, local, remote)
	case SynReceived:
		w.handleSynReceived(hdr)
	case Established:
		w.handleEstablished(recv, hdr, local, remote)
	case FinWait1:
		w.handleFinWait1(recv, hdr, local, remote)
	case FinWait2:
		w.handleFinWait2(recv, hdr, local, remote)
	case Closing:
		w.handleSimpleAckTransition(hdr, TimedWait)
	case LastAck:
		w.handleSimpleAckTransition(hdr, Closed)
	default:
	}
}

func (w *Worker) rcvWindow() (isn, nxt tcpseg.Seq) {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()
	return w.seq.RcvISN, w.seq.RcvNXT
}

func (w *Worker) allowDupAck() bool {
	w.dupAckMu.Lock()
	defer w.dupAckMu.Unlock()
	now := time.Now()
	if now.Sub(w.lastDupAck) < dupAckWindow() {
		return false
	}
	w.lastDupAck = now
	return true
}

func (w *Worker) popSendHead() {
	w.sendMu.Lock()
	if len(w.sendList) > 0 {
		w.sendList = w.sendList[1:]
	}
	w.sendMu.Unlock()
}

func (w *Worker) tryAndRcvAck(ack tcpseg.Seq) bool {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()
	return w.seq.TryAndRcvAck(ack)
}

func (w *Worker) handleListen(hdr tcpseg.Header, remote SocketAddr) {
	if tcpseg.IsSYN(hdr.Flags) {
		w.acceptMu.Lock()
		if w.backlog == 0 || len(w.pendings) < w.backlog {
			w.pendings = append(w.pendings, pendingConn{addr: remote, seq: hdr.Seq})
			w.acceptCv.Broadcast()
		}
		w.acceptMu.Unlock()
	}
	w.SetCriticalSt(w.GetSt())
}

func (w *Worker) handleSynSent(hdr tcpseg.Header, local, remote SocketAddr) {
	switch {
	case tcpseg.IsSYNACK(hdr.Flags):
		if w.tryAndRcvAck(hdr.Ack) {
			w.seqMu.Lock()
			w.seq.InitRcvISN(hdr.Seq)
			w.seqMu.Unlock()
			w.popSendHead()
			ti := w.BuildAck(local, remote, intPtr(1), nil)
			w.Send(ti)
			w.SetCriticalSt(Established)
			w.setSyned(true)
			w.seqMu.Lock()
			w.seqCv.Broadcast()
			w.seqMu.Unlock()
		} else {
			w.log.Warn("unexpected ack in syn-sent")
			w.SetCriticalSt(w.GetSt())
		}
	case tcpseg.IsSYN(hdr.Flags):
		w.seqMu.Lock()
		w.seq.InitRcvISN(hdr.Seq)
		w.seqMu.Unlock()
		w.popSendHead()
		w.SetCriticalSt(SynReceived)
		w.setSyned(true)
		w.seqMu.Lock()
		w.seqCv.Broadcast()
		w.seqMu.Unlock()
	default:
		w.SetCriticalSt(w.GetSt())
	}
}

func (w *Worker) handleSynReceived(hdr tcpseg.Header) {
	if tcpseg.IsACK(hdr.Flags) {
		if w.tryAndRcvAck(hdr.Ack) {
			w.popSendHead()
			w.SetCriticalSt(Established)
			w.setSyned(true)
			w.seqMu.Lock()
			w.seqCv.Broadcast()
			w.seqMu.Unlock()
			return
		}
		w.log.Warn("unexpected ack in syn-received")
	}
	w.SetCriticalSt(w.GetSt())
}

// saveAndAck writes payload to recvBuf and, unless the segment also
// carries FIN, sends a cumulative ACK for it.
func (w *Worker) saveAndAck(recv Item, hdr tcpseg.Header, local, remote SocketAddr) {
	n := len(recv.Seg.Payload)
	if n == 0 {
		return
	}
	psh := tcpseg.WithPSH(hdr.Flags)
	w.recvMu.Lock()
	w.recvBuf.Write(recv.Seg.Payload, psh)
	w.recvMu.Unlock()
	w.recvCv.Broadcast()
	if !tcpseg.WithFIN(hdr.Flags) {
		ti := w.BuildAck(local, remote, intPtr(n), nil)
		w.Send(ti)
	}
}

func (w *Worker) handleEstablished(recv Item, hdr tcpseg.Header, local, remote SocketAddr) {
	if tcpseg.IsACK(hdr.Flags) {
		if w.tryAndRcvAck(hdr.Ack) {
			w.popSendHead()
			w.seqMu.Lock()
			w.seqCv.Broadcast()
			w.seqMu.Unlock()
		} else {
			w.log.Warn("unexpected ack in established")
		}
	}

	w.saveAndAck(recv, hdr, local, remote)

	if tcpseg.IsFIN(hdr.Flags) {
		ti := w.BuildAck(local, remote, intPtr(1), nil)
		w.Send(ti)
		w.SetSt(CloseWait)
	} else {
		w.SetCriticalSt(w.GetSt())
	}
}

func (w *Worker) handleFinWait1(recv Item, hdr tcpseg.Header, local, remote SocketAddr) {
	w.saveAndAck(recv, hdr, local, remote)

	switch {
	case tcpseg.IsFINACK(hdr.Flags):
		if w.tryAndRcvAck(hdr.Ack) {
			w.popSendHead()
			w.SetCriticalSt(TimedWait)
			w.seqMu.Lock()
			w.seqCv.Broadcast()
			w.seqMu.Unlock()
		} else {
			w.log.Warn("unexpected ack in fin-wait-1")
			w.SetCriticalSt(w.GetSt())
		}
	case tcpseg.IsACK(hdr.Flags):
		if w.tryAndRcvAck(hdr.Ack) {
			w.popSendHead()
			w.SetCriticalSt(FinWait2)
			w.seqMu.Lock()
			w.seqCv.Broadcast()
			w.seqMu.Unlock()
		} else {
			w.log.Warn("unexpected ack in fin-wait-1")
			w.SetCriticalSt(w.GetSt())
		}
	case tcpseg.IsFIN(hdr.Flags):
		ti := w.BuildAck(local, remote, intPtr(1), nil)
		w.Send(ti)
		w.SetSt(Closing)
	default:
		w.SetCriticalSt(w.GetSt())
	}
}

func (w *Worker) handleFinWait2(recv Item, hdr tcpseg.Header, local, remote SocketAddr) {
	if tcpseg.IsACK(hdr.Flags) {
		if w.tryAndRcvAck(hdr.Ack) {
			w.popSendHead()
			w.seqMu.Lock()
			w.seqCv.Broadcast()
			w.seqMu.Unlock()
		} else {
			w.log.Warn("unexpected ack in fin-wait-2")
		}
	}

	w.saveAndAck(recv, hdr, local, remote)

	if tcpseg.IsFIN(hdr.Flags) {
		w.SetCriticalSt(TimedWait)
	} else {
		w.SetCriticalSt(w.GetSt())
	}
}

// handleSimpleAckTransition implements the CLOSING and LAST_ACK
// states, which both just wait for a matching ACK to advance.
func (w *Worker) handleSimpleAckTransition(hdr tcpseg.Header, next State) {
	if tcpseg.IsACK(hdr.Flags) {
		if w.tryAndRcvAck(hdr.Ack) {
			w.popSendHead()
			w.SetCriticalSt(next)
			w.seqMu.Lock()
			w.seqCv.Broadcast()
			w.seqMu.Unlock()
			return
		}
		w.log.Warn("unexpected ack")
	}
	w.SetCriticalSt(w.GetSt())
}
