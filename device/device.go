// Package device implements the per-interface capture/send engine and
// the process-global device manager described in spec.md §4.1.
package device

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/capture"
	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
)

var idCounter struct {
	mu   sync.Mutex
	next int
}

func nextID() int {
	idCounter.mu.Lock()
	defer idCounter.mu.Unlock()
	id := idCounter.next
	idCounter.next++
	return id
}

// outboundFrame is a single queued frame awaiting injection.
type outboundFrame struct {
	etherType ether.EtherType
	dst       ether.MAC
	payload   []byte
}

// Device owns one network interface: its identity, a capture handle,
// and the multi-producer, single-consumer send queue with its own
// condition variable described in spec.md §3.
type Device struct {
	ID      int
	Name    string
	MAC     ether.MAC
	IPv4    ipv4.Addr
	Netmask ipv4.Addr

	handle capture.Handle
	log    *logrus.Entry

	queueMu sync.Mutex
	queueCv *sync.Cond
	queue   []outboundFrame
	closed  bool

	wg sync.WaitGroup
}

// New constructs a Device bound to an already-open capture handle and
// resolved identity. Capture/send goroutines are started by Start, not
// here. Matching spec.md's "construction fails (id = -1)" contract, callers
// that fail to resolve MAC/IPv4/capture before calling New simply
// never call it.
func New(name string, mac ether.MAC, ip, mask ipv4.Addr, handle capture.Handle, log *logrus.Entry) *Device {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Device{
		ID:      nextID(),
		Name:    name,
		MAC:     mac,
		IPv4:    ip,
		Netmask: mask,
		handle:  handle,
		log:     log.WithField("device", name),
	}
	d.queueCv = sync.NewCond(&d.queueMu)
	return d
}

// Start launches the capture and send goroutines. dispatch is called
// for every frame the capture thread reads, per spec.md §4.1's
// "global frame callback".
func (d *Device) Start(dispatch func(buf []byte, length int, deviceID int)) {
	d.wg.Add(2)
	go d.captureLoop(dispatch)
	go d.sendLoop()
}

func (d *Device) captureLoop(dispatch func(buf []byte, length int, deviceID int)) {
	defer d.wg.Done()
	err := d.handle.Loop(func(buf []byte, length int) {
		if length < ether.HeaderLen {
			d.log.Warn("dropping truncated capture")
			return
		}
		dispatch(buf, length, d.ID)
	})
	if err != nil {
		d.log.WithError(err).Warn("capture loop exited")
	}
}

// sendLoop waits for queued frames and drains all of them on each
// wake, per spec.md §4.1.
func (d *Device) sendLoop() {
	defer d.wg.Done()
	for {
		d.queueMu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.queueCv.Wait()
		}
		if d.closed && len(d.queue) == 0 {
			d.queueMu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.queueMu.Unlock()

		for _, f := range batch {
			frame, err := ether.Encode(f.dst, d.MAC, f.etherType, f.payload)
			if err != nil {
				d.log.WithError(err).Warn("failed to encode outbound frame")
				continue
			}
			if err := d.handle.Inject(frame); err != nil {
				d.log.WithError(err).Warn("failed to inject frame")
			}
		}
	}
}

// SendFrame implements the send-frame contract in spec.md §4.1: builds
// a frame whose source MAC is this device's MAC, enqueues it, and
// returns nil on success.
func (d *Device) SendFrame(payload []byte, et ether.EtherType, dst ether.MAC) error {
	if len(payload) > ether.MaxPayload {
		return errors.Errorf("device: payload too large: %d bytes", len(payload))
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	d.queueMu.Lock()
	if d.closed {
		d.queueMu.Unlock()
		return errors.New("device: closed")
	}
	d.queue = append(d.queue, outboundFrame{etherType: et, dst: dst, payload: cp})
	d.queueMu.Unlock()
	d.queueCv.Signal()
	return nil
}

// QueueDepth returns the number of frames currently queued for
// transmission, for metrics.DeviceQueueDepth.
func (d *Device) QueueDepth() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queue)
}

// Close stops the send loop and releases the capture handle.
func (d *Device) Close() {
	d.queueMu.Lock()
	d.closed = true
	d.queueMu.Unlock()
	d.queueCv.Broadcast()
	d.handle.Close()
	d.wg.Wait()
}
