package device

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/capture"
	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/iface"
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/sdp"
)

// Manager owns every Device the stack has attached and fans inbound
// frames out through a shared ether.Registry, per spec.md §4.1's
// "global frame callback" / device table.
type Manager struct {
	mu      sync.RWMutex
	devices map[int]*Device
	byName  map[string]*Device
	reg     *ether.Registry
	log     *logrus.Entry
}

// NewManager constructs an empty device manager bound to reg, the
// EtherType dispatch table shared with the rest of the stack.
func NewManager(reg *ether.Registry, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		devices: make(map[int]*Device),
		byName:  make(map[string]*Device),
		reg:     reg,
		log:     log.WithField("component", "device"),
	}
}

// AddDevice resolves the named interface, opens a live capture handle
// on it, and registers it. On any resolution failure it returns an
// error and no device — callers should treat this as the original's
// "id = -1" construction failure (original_source/src/device.cpp).
// sniff enables promiscuous capture, per a [[devices]] config entry's
// sniff field.
func (m *Manager) AddDevice(name string, sniff bool) (*Device, error) {
	info, err := iface.Resolve(name)
	if err != nil {
		return nil, errors.Wrapf(err, "device: resolve %s", name)
	}
	handle, err := capture.OpenLive(name, sniff)
	if err != nil {
		return nil, errors.Wrapf(err, "device: open capture on %s", name)
	}
	return m.addResolved(name, ether.MAC(info.MAC), ipv4.FromBytes(info.IPv4), ipv4.FromBytes(info.Mask), handle)
}

// AddLoopback registers a device backed by an already-open handle
// (typically a capture.Loopback endpoint) with explicit identity —
// used by tests that cannot resolve a real interface.
func (m *Manager) AddLoopback(name string, mac ether.MAC, ip, mask ipv4.Addr, handle capture.Handle) *Device {
	d, err := m.addResolved(name, mac, ip, mask, handle)
	if err != nil {
		// addResolved only fails on duplicate name, which a test
		// controls directly; surface it as a panic since there is no
		// error return in this constructor's signature.
		panic(err)
	}
	return d
}

func (m *Manager) addResolved(name string, mac ether.MAC, ip, mask ipv4.Addr, handle capture.Handle) (*Device, error) {
	m.mu.Lock()
	if _, dup := m.byName[name]; dup {
		m.mu.Unlock()
		return nil, errors.Errorf("device: %s already attached", name)
	}
	d := New(name, mac, ip, mask, handle, m.log)
	m.devices[d.ID] = d
	m.byName[name] = d
	m.mu.Unlock()

	d.Start(func(buf []byte, length int, deviceID int) {
		ether.Dispatch(buf, length, deviceID, d.MAC, m.reg)
	})
	return d, nil
}

// Get returns the device with the given id.
func (m *Manager) Get(id int) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

// All returns every attached device.
func (m *Manager) All() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// Devices implements sdp.Sender: reports every attached device's
// routing-relevant identity (id, MAC, attached subnet).
func (m *Manager) Devices() []sdp.Device {
	all := m.All()
	out := make([]sdp.Device, 0, len(all))
	for _, d := range all {
		out = append(out, sdp.Device{ID: d.ID, MAC: d.MAC, IP: d.IPv4, Mask: d.Netmask})
	}
	return out
}

// SendFrame implements sdp.Sender (and is reused by the IPv4/ARP
// layers): looks up deviceID and enqueues the frame on it.
func (m *Manager) SendFrame(payload []byte, et ether.EtherType, dst ether.MAC, deviceID int) error {
	d, ok := m.Get(deviceID)
	if !ok {
		return errors.Errorf("device: no such device id %d", deviceID)
	}
	return d.SendFrame(payload, et, dst)
}

// Close stops every attached device.
func (m *Manager) Close() {
	for _, d := range m.All() {
		d.Close()
	}
}
