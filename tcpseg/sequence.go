// Package tcpseg implements the TCP segment codec and the wrap-aware
// sequence arithmetic described in spec.md §4.4.
package tcpseg

import (
	"sync"
	"sync/atomic"
	"time"
)

// Seq is a 32-bit TCP sequence number.
type Seq uint32

// LessThan reports whether a precedes b on the 32-bit wheel rooted at
// base, i.e. (a-base) mod 2^32 < (b-base) mod 2^32.
func LessThan(a, b, base Seq) bool {
	return Seq(a-base) < Seq(b-base)
}

// GreaterThan is the strict converse of LessThan.
func GreaterThan(a, b, base Seq) bool {
	return Seq(a-base) > Seq(b-base)
}

// EqualTo is plain equality, provided for symmetry with LessThan/GreaterThan.
func EqualTo(a, b Seq) bool { return a == b }

// ISNGenerator produces initial sequence numbers. In its default mode
// a background goroutine increments a counter on a coarse timer,
// matching original_source/src/tcpseq.cpp's ISNGenerator; in
// deterministic mode (for tests) it always returns 0.
type ISNGenerator struct {
	counter atomic.Uint32
	zero    bool
	closed  chan struct{}
	once    sync.Once
}

// NewISNGenerator starts an ISN generator. If zero is true, GetISN
// always returns 0 (spec.md §3's "zero for deterministic tests" mode).
func NewISNGenerator(zero bool) *ISNGenerator {
	g := &ISNGenerator{zero: zero, closed: make(chan struct{})}
	if !zero {
		go g.tick()
	}
	return g
}

func (g *ISNGenerator) tick() {
	t := time.NewTicker(4 * time.Microsecond)
	defer t.Stop()
	for {
		select {
		case <-g.closed:
			return
		case <-t.C:
			g.counter.Add(1)
		}
	}
}

// GetISN returns the current ISN.
func (g *ISNGenerator) GetISN() Seq {
	if g.zero {
		return 0
	}
	return Seq(g.counter.Load())
}

// Close stops the background ticker goroutine.
func (g *ISNGenerator) Close() {
	g.once.Do(func() { close(g.closed) })
}

// SeqSet tracks the five sequence pointers of a TCP connection
// (spec.md §3).
type SeqSet struct {
	SndISN Seq
	SndUNA Seq
	SndNXT Seq
	RcvISN Seq
	RcvNXT Seq
}

// NewSeqSet seeds a SeqSet from an ISN.
func NewSeqSet(isn Seq) SeqSet {
	return SeqSet{SndISN: isn, SndUNA: isn, SndNXT: isn}
}

// InitRcvISN seeds the receive side from a peer-supplied ISN.
func (s *SeqSet) InitRcvISN(isn Seq) {
	s.RcvISN = isn
	s.RcvNXT = isn
}

// AllocateWithLen returns the next send sequence number and advances
// SndNXT by n.
func (s *SeqSet) AllocateWithLen(n int) Seq {
	v := s.SndNXT
	s.SndNXT += Seq(n)
	return v
}

// SndAckWithLen advances RcvNXT by n and returns the new value — the
// sequence number to place in an ACK covering n received bytes.
func (s *SeqSet) SndAckWithLen(n int) Seq {
	s.RcvNXT += Seq(n)
	return s.RcvNXT
}

// RcvAckWithLen advances SndUNA by n and returns the new value.
func (s *SeqSet) RcvAckWithLen(n int) Seq {
	s.SndUNA += Seq(n)
	return s.SndUNA
}

// TryAndRcvAck accepts ack if it acknowledges exactly up through
// SndNXT, advancing SndUNA to SndNXT and reporting success.
func (s *SeqSet) TryAndRcvAck(ack Seq) bool {
	if !EqualTo(s.SndNXT, ack) {
		return false
	}
	s.RcvAckWithLen(int(s.SndNXT - s.SndUNA))
	return true
}
