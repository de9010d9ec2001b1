package sdp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/metrics"
	"github.com/selfdestruct/stack/route"
)

// Device is the minimal device identity the engine needs: its id, MAC,
// attached IP and netmask (for the startup local-route install).
type Device struct {
	ID   int
	MAC  ether.MAC
	IP   ipv4.Addr
	Mask ipv4.Addr
}

// Sender abstracts frame injection so the engine does not depend on
// the device package directly.
type Sender interface {
	SendFrame(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) error
	Devices() []Device
}

// Engine runs the distance-vector exchange described in spec.md §4.3:
// periodic advertisement, split-horizon relay of accepted deltas, and
// staleness-based aging/eviction.
type Engine struct {
	Table            *route.Table
	sender           Sender
	interval         time.Duration
	log              *logrus.Entry
	closed           chan struct{}
	wg               sync.WaitGroup

	partialMu sync.Mutex
	partial   map[ether.MAC][]Item // reassembly buffer for UNFINISHED packets
}

// NewEngine constructs an SDP engine bound to table and sender.
func NewEngine(table *route.Table, sender Sender, interval time.Duration, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		Table:    table,
		sender:   sender,
		interval: interval,
		log:      log.WithField("component", "sdp"),
		closed:   make(chan struct{}),
		partial:  make(map[ether.MAC][]Item),
	}
}

// Start installs each owned directly-attached subnet as a local route
// and broadcasts the initial ISNEW advertisement, then launches the
// periodic loop goroutine.
func (e *Engine) Start() {
	for _, d := range e.sender.Devices() {
		item := route.NewItem(d.IP, d.Mask, d.ID, d.MAC, 0, true, route.MetricNoDelete)
		e.Table.Insert(item)
	}
	e.broadcastAll(FlagIsNew, -1)

	e.wg.Add(1)
	go e.periodicLoop()
}

// Close stops the periodic loop goroutine.
func (e *Engine) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
	e.wg.Wait()
}

func itemsFromTable(entries []route.Item) []Item {
	out := make([]Item, 0, len(entries))
	for _, r := range entries {
		out = append(out, Item{
			Prefix: r.Prefix,
			PfLen:  uint8(ipv4.PrefixLen(r.Mask)),
			Dist:   uint16(r.Dist + 1), // outgoing distance is dist+1 (spec.md §4.3)
		})
	}
	return out
}

// broadcastAll sends the live table to every device except
// excludeDeviceID (-1 means no exclusion).
func (e *Engine) broadcastAll(flag uint8, excludeDeviceID int) {
	items := itemsFromTable(e.Table.Live())
	e.sendToAllExcept(items, flag, excludeDeviceID)
}

func (e *Engine) sendToAllExcept(items []Item, flag uint8, excludeDeviceID int) {
	if len(items) == 0 {
		return
	}
	for _, d := range e.sender.Devices() {
		if d.ID == excludeDeviceID {
			continue
		}
		e.sendItemsTo(items, flag, ether.Broadcast, d.ID)
	}
}

// sendItemsTo splits items into <=255-item chunks, flagging every
// chunk but the last with UNFINISHED (SPEC_FULL.md §9.5).
func (e *Engine) sendItemsTo(items []Item, flag uint8, dst ether.MAC, deviceID int) {
	for start := 0; start < len(items); start += MaxItemsPerPacket {
		end := start + MaxItemsPerPacket
		if end > len(items) {
			end = len(items)
		}
		chunkFlag := flag
		if end < len(items) {
			chunkFlag |= FlagUnfinished
		}
		p := Packet{Flags: chunkFlag, Sender: selfMACFor(e, deviceID), Items: items[start:end]}
		buf, err := p.Encode()
		if err != nil {
			e.log.WithError(err).Warn("failed to encode SDP packet")
			continue
		}
		if err := e.sender.SendFrame(buf, ether.TypeSDP, dst, deviceID); err != nil {
			e.log.WithError(err).Warn("failed to send SDP packet")
			continue
		}
		metrics.SDPAdvertisementsSent.WithLabelValues(flagLabel(chunkFlag)).Inc()
	}
}

func flagLabel(flag uint8) string {
	switch {
	case flag&FlagIsNew != 0:
		return "isnew"
	case flag&FlagUnfinished != 0:
		return "unfinished"
	default:
		return "update"
	}
}

func selfMACFor(e *Engine, deviceID int) ether.MAC {
	for _, d := range e.sender.Devices() {
		if d.ID == deviceID {
			return d.MAC
		}
	}
	return ether.MAC{}
}

// Receive handles an inbound SDP packet arriving on deviceID, per
// spec.md §4.3's "Receive" algorithm (including UNFINISHED
// reassembly, SPEC_FULL.md §9.5).
func (e *Engine) Receive(buf []byte, deviceID int) {
	pkt, err := Decode(buf)
	if err != nil {
		e.log.WithError(err).Warn("dropping malformed SDP packet")
		return
	}

	metrics.SDPAdvertisementsReceived.WithLabelValues(flagLabel(pkt.Flags)).Inc()

	items := pkt.Items
	if pkt.Flags&FlagUnfinished != 0 {
		e.partialMu.Lock()
		e.partial[pkt.Sender] = append(e.partial[pkt.Sender], pkt.Items...)
		e.partialMu.Unlock()
		return
	}
	e.partialMu.Lock()
	if buffered, ok := e.partial[pkt.Sender]; ok {
		items = append(buffered, items...)
		delete(e.partial, pkt.Sender)
	}
	e.partialMu.Unlock()

	accepted := e.applyUpdates(items, pkt.Sender, deviceID)

	if len(accepted) > 0 {
		e.sendToAllExcept(accepted, FlagIncrement, deviceID)
	}

	if pkt.Flags&FlagIsNew != 0 {
		full := itemsFromTable(e.Table.Live())
		e.sendItemsTo(full, 0, pkt.Sender, deviceID)
	}
}

// applyUpdates runs the per-item update rules of spec.md §4.3 and
// returns the delta vector of accepted changes to relay.
func (e *Engine) applyUpdates(items []Item, senderMAC ether.MAC, deviceID int) []Item {
	var accepted []Item
	for _, it := range items {
		mask := it.Mask()
		existing, ok := e.Table.Get(it.Prefix, mask)
		switch {
		case ok && existing.NextHopMAC == senderMAC:
			if it.Withdraw {
				e.Table.Update(it.Prefix, mask, func(ri *route.Item) {
					ri.Metric = route.MetricTimeout
				})
			} else {
				e.Table.Update(it.Prefix, mask, func(ri *route.Item) {
					ri.Metric = 0
					ri.Dist = int(it.Dist)
				})
				accepted = append(accepted, Item{Prefix: it.Prefix, PfLen: it.PfLen, Dist: it.Dist})
			}
		case ok && existing.Metric == route.MetricTimeout:
			// ignore: withdrawn via current next-hop, a different
			// neighbor's stale view doesn't resurrect it early.
		case ok && int(it.Dist) < existing.Dist && !it.Withdraw:
			e.Table.Update(it.Prefix, mask, func(ri *route.Item) {
				ri.NextHopMAC = senderMAC
				ri.DeviceID = deviceID
				ri.Dist = int(it.Dist)
				ri.Metric = 0
			})
			accepted = append(accepted, Item{Prefix: it.Prefix, PfLen: it.PfLen, Dist: it.Dist})
		case ok:
			// worse or equal distance from a non-next-hop: ignore
		case !ok && !it.Withdraw:
			e.Table.Insert(route.NewItem(it.Prefix, mask, deviceID, senderMAC, int(it.Dist), false, 0))
			accepted = append(accepted, Item{Prefix: it.Prefix, PfLen: it.PfLen, Dist: it.Dist})
		default:
			e.log.WithFields(logrus.Fields{
				"prefix": it.Prefix.String(),
				"pflen":  it.PfLen,
			}).Warn("withdraw for unknown route")
		}
	}
	return accepted
}

func (e *Engine) periodicLoop() {
	defer e.wg.Done()
	for {
		jitter := time.Duration(rand.Intn(10)) * time.Second
		select {
		case <-e.closed:
			return
		case <-time.After(e.interval + jitter):
		}

		e.broadcastAll(0, -1)

		withdrawn := e.Table.Age()
		if len(withdrawn) > 0 {
			items := make([]Item, 0, len(withdrawn))
			for _, ri := range withdrawn {
				items = append(items, Item{
					Prefix:   ri.Prefix,
					PfLen:    uint8(ipv4.PrefixLen(ri.Mask)),
					Dist:     uint16(ri.Dist + 1),
					Withdraw: true,
				})
			}
			e.sendToAllExcept(items, 0, -1)
		}
	}
}
