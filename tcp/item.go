package tcp

import (
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/tcpseg"
)

// Item pairs a segment with the IP addresses it travels between and
// whether it bypasses the retransmission queue, mirroring
// original_source/include/tcpsegment.h's TcpItem.
type Item struct {
	Seg      tcpseg.Segment
	SrcIP    ipv4.Addr
	DstIP    ipv4.Addr
	NonBlock bool
}

// buildAckItem constructs a bare-ACK item for src/dst with sequence
// number 0 relative length (pure ACKs carry no data), translating
// original_source/src/tcpsegment.cpp's buildAckItem. Exactly one of
// ackLen/ackSeq should be non-nil; if both are nil, ackLen defaults
// to 1 (acknowledging a one-byte control segment, i.e. SYN or FIN).
func buildAckItem(src, dst SocketAddr, seq *tcpseg.SeqSet, ackLen *int, ackSeq *tcpseg.Seq) Item {
	seg := tcpseg.NewSegment(src.Port, dst.Port)
	seg.Header.Flags = tcpseg.FlagACK
	seg.Header.Seq = seq.AllocateWithLen(0)

	switch {
	case ackSeq != nil:
		seg.Header.Ack = *ackSeq
	case ackLen != nil:
		seg.Header.Ack = seq.SndAckWithLen(*ackLen)
	default:
		seg.Header.Ack = seq.SndAckWithLen(1)
	}

	return Item{Seg: seg, SrcIP: src.IP, DstIP: dst.IP, NonBlock: true}
}

func intPtr(v int) *int               { return &v }
func seqPtr(v tcpseg.Seq) *tcpseg.Seq { return &v }
