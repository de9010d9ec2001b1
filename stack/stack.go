// Package stack wires the link, network, routing, and transport layers
// into a single running instance: one device.Manager, arp.Cache,
// route.Table, sdp.Engine, ipv4.Forwarder and socket.Manager sharing an
// ether.Registry, matching original_source/src/main.cpp's startup
// sequence (construct managers, attach devices, register callbacks,
// start the periodic threads).
package stack

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/selfdestruct/stack/arp"
	"github.com/selfdestruct/stack/device"
	"github.com/selfdestruct/stack/ether"
	"github.com/selfdestruct/stack/ipv4"
	"github.com/selfdestruct/stack/metrics"
	"github.com/selfdestruct/stack/route"
	"github.com/selfdestruct/stack/sdp"
	"github.com/selfdestruct/stack/socket"
	"github.com/selfdestruct/stack/tcpseg"
)

// metricsPollInterval is how often New's background goroutine samples
// the gauges that have no natural event to update on (table/cache
// sizes, queue depths) — observability bolted on from outside, never
// part of the algorithms themselves (SPEC_FULL.md's DOMAIN STACK).
const metricsPollInterval = 2 * time.Second

// DeviceSpec names one interface to attach at startup, translating a
// config.Config device entry.
type DeviceSpec struct {
	Name  string
	Sniff bool
}

// Options configures a Stack at construction time. RouteInterval is
// the SDP periodic-advertisement period; ZeroISN forces TCP initial
// sequence numbers to zero, both per spec.md §6's named constants.
type Options struct {
	Devices       []DeviceSpec
	RouteInterval time.Duration
	ZeroISN       bool
	Log           *logrus.Entry
}

// Stack is a fully wired instance of every protocol layer: the
// long-lived object a cmd/routerd process owns.
type Stack struct {
	Devices *device.Manager
	ARP     *arp.Cache
	Routes  *route.Table
	SDP     *sdp.Engine
	IPv4    *ipv4.Forwarder
	Sockets *socket.Manager
	isnGen  *tcpseg.ISNGenerator
	reg     *ether.Registry
	log     *logrus.Entry

	metricsStop chan struct{}
}

// deviceAdapter presents device.Manager as ipv4.Devices without
// ipv4 importing device directly (device already imports ipv4; a
// reverse import would cycle).
type deviceAdapter struct{ m *device.Manager }

func (a deviceAdapter) All() []ipv4.DeviceInfo {
	devs := a.m.All()
	out := make([]ipv4.DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, ipv4.DeviceInfo{ID: d.ID, MAC: d.MAC, IP: d.IPv4, Mask: d.Netmask})
	}
	return out
}

// New constructs every layer, attaches the requested devices, and
// starts the SDP periodic loop. The caller must call Close to release
// device capture handles and stop background goroutines.
func New(opts Options) (*Stack, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reg := ether.NewRegistry()
	devices := device.NewManager(reg, log)
	table := route.NewTable()
	isnGen := tcpseg.NewISNGenerator(opts.ZeroISN)

	arpCache := arp.NewCache(devices, log)

	interval := opts.RouteInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sdpEngine := sdp.NewEngine(table, devices, interval, log)

	s := &Stack{
		Devices: devices,
		ARP:     arpCache,
		Routes:  table,
		SDP:     sdpEngine,
		isnGen:  isnGen,
		reg:     reg,
		log:     log,
	}

	// ipv4.Forwarder and socket.Manager construct each other: the
	// forwarder needs a Deliver callback into the socket manager, and
	// the socket manager needs the forwarder as its tcp.Sender. Break
	// the cycle with a forward-declared pointer captured by the
	// closure before it is assigned.
	var sockMgr *socket.Manager
	deliver := func(payload []byte, proto uint8, src, dst ipv4.Addr, deviceID int) {
		if sockMgr != nil {
			sockMgr.Deliver(payload, proto, src, dst, deviceID)
		}
	}
	forwarder := ipv4.NewForwarder(table, deviceAdapter{devices}, arpCache, devices, deliver, log)
	sockMgr = socket.NewManager(forwarder, table, devices, isnGen, log)

	s.IPv4 = forwarder
	s.Sockets = sockMgr

	reg.Set(ether.TypeARP, func(payload []byte, length int, deviceID int) int {
		d, ok := devices.Get(deviceID)
		if !ok {
			return 0
		}
		arpCache.Receive(payload[:length], deviceID, d.MAC, d.IPv4)
		return 1
	})
	reg.Set(ether.TypeIPv4, func(payload []byte, length int, deviceID int) int {
		forwarder.Receive(payload[:length], deviceID)
		return 1
	})
	reg.Set(ether.TypeSDP, func(payload []byte, length int, deviceID int) int {
		sdpEngine.Receive(payload[:length], deviceID)
		return 1
	})

	for _, spec := range opts.Devices {
		if _, err := devices.AddDevice(spec.Name, spec.Sniff); err != nil {
			s.Close()
			return nil, err
		}
	}

	sdpEngine.Start()

	s.metricsStop = make(chan struct{})
	go s.pollMetrics()

	return s, nil
}

// pollMetrics samples the gauges that have no natural event to update
// on until Close stops it.
func (s *Stack) pollMetrics() {
	t := time.NewTicker(metricsPollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.metricsStop:
			return
		case <-t.C:
			metrics.RouteTableSize.Set(float64(s.Routes.Len()))
			metrics.ARPCacheSize.Set(float64(s.ARP.Len()))
			for _, d := range s.Devices.All() {
				metrics.DeviceQueueDepth.WithLabelValues(d.Name).Set(float64(d.QueueDepth()))
			}
		}
	}
}

// Close stops the SDP loop, the ISN ticker, and every attached
// device's capture/send goroutines, in that order so no background
// goroutine outlives the resources it depends on.
func (s *Stack) Close() {
	if s.metricsStop != nil {
		close(s.metricsStop)
	}
	if s.SDP != nil {
		s.SDP.Close()
	}
	if s.isnGen != nil {
		s.isnGen.Close()
	}
	if s.Devices != nil {
		s.Devices.Close()
	}
}
