// Package capture defines the boundary to the host packet-capture
// facility (spec.md §1: "provided... at its interface"). Production
// code talks to libpcap through gopacket/pcap; tests substitute a
// loopback or mock Handle so the device engine can be exercised
// without root privileges or real interfaces.
//
//go:generate mockgen -source=capture.go -destination=mock_capture/mock_capture.go -package=mock_capture
package capture

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
)

// Handle is the open/inject/loop surface spec.md requires of the
// packet-capture facility, mirroring the pcap_open_live / pcap_inject /
// pcap_loop shape used by the "Libel" reference implementation.
type Handle interface {
	// Inject transmits a raw frame on the wire.
	Inject(frame []byte) error
	// Loop blocks, invoking fn for every captured frame until Close is
	// called or the underlying capture fails.
	Loop(fn func(buf []byte, length int)) error
	// Close releases the underlying capture resources.
	Close()
}

// OpenLive opens a live capture on the named interface, with a snap
// length large enough for a full untagged Ethernet frame. promisc
// enables promiscuous mode, letting the device see frames addressed
// to other hosts on a shared segment — the "sniff" mode a [[devices]]
// config entry can opt into.
func OpenLive(name string, promisc bool) (Handle, error) {
	h, err := pcap.OpenLive(name, int32(1<<16), promisc, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: open %s", name)
	}
	return &pcapHandle{name: name, handle: h}, nil
}

type pcapHandle struct {
	name   string
	handle *pcap.Handle
}

func (h *pcapHandle) Inject(frame []byte) error {
	if err := h.handle.WritePacketData(frame); err != nil {
		return errors.Wrapf(err, "capture: inject on %s", h.name)
	}
	return nil
}

func (h *pcapHandle) Loop(fn func(buf []byte, length int)) error {
	src := gopacket.NewPacketSource(h.handle, h.handle.LinkType())
	for packet := range src.Packets() {
		data := packet.Data()
		fn(data, len(data))
	}
	return nil
}

func (h *pcapHandle) Close() {
	h.handle.Close()
}

// Loopback is an in-process Handle used for tests: frames Injected
// into one end of a Loopback pair are delivered to the other end's
// Loop callback, with no real NIC involved. It satisfies the same
// interface a two-host integration test needs to drive ARP/IP/TCP
// scenarios end to end (spec.md §8's end-to-end scenarios).
type Loopback struct {
	peer   *Loopback
	frames chan []byte
	closed chan struct{}
}

// NewLoopbackPair returns two Handles wired to each other.
func NewLoopbackPair() (Handle, Handle) {
	a := &Loopback{frames: make(chan []byte, 256), closed: make(chan struct{})}
	b := &Loopback{frames: make(chan []byte, 256), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) Inject(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case l.peer.frames <- cp:
	case <-l.peer.closed:
	}
	return nil
}

func (l *Loopback) Loop(fn func(buf []byte, length int)) error {
	for {
		select {
		case buf := <-l.frames:
			fn(buf, len(buf))
		case <-l.closed:
			return nil
		}
	}
}

func (l *Loopback) Close() {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
}

var _ Handle = (*pcapHandle)(nil)
var _ Handle = (*Loopback)(nil)

// Deadline is exposed so callers (tests mostly) can bound how long they
// wait for a Loopback-driven scenario to converge.
func Deadline(d time.Duration) time.Time { return time.Now().Add(d) }
