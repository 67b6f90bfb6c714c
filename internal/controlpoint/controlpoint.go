// Package controlpoint discovers binary UPnP devices, keeps a registry of
// their descriptions and runs value, action and management requests.
package controlpoint

import (
	"bytes"
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"binupnp-cp/internal/transport"
	"binupnp-cp/internal/wire"
)

// Config holds control point timing and retry settings.
type Config struct {
	// ActivePing makes the control point ping known devices and expire
	// them after two missed intervals.
	ActivePing   bool
	PingInterval time.Duration
	// Retries is the number of repeats after a request's first attempt.
	Retries int
	// TickInterval is the period of the reconciliation cycle.
	TickInterval time.Duration
	// ReaderSleep is the pause between two sweeps over all sockets.
	ReaderSleep time.Duration
	// DescriptionRetryInterval spaces description requests for one device.
	DescriptionRetryInterval time.Duration
}

// Defaults
const (
	DefaultPingInterval             = 10 * time.Second
	DefaultRetries                  = 2
	DefaultTickInterval             = 500 * time.Millisecond
	DefaultReaderSleep              = 50 * time.Millisecond
	DefaultDescriptionRetryInterval = 10 * time.Second
)

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:             DefaultPingInterval,
		Retries:                  DefaultRetries,
		TickInterval:             DefaultTickInterval,
		ReaderSleep:              DefaultReaderSleep,
		DescriptionRetryInterval: DefaultDescriptionRetryInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ReaderSleep <= 0 {
		c.ReaderSleep = DefaultReaderSleep
	}
	if c.DescriptionRetryInterval <= 0 {
		c.DescriptionRetryInterval = DefaultDescriptionRetryInterval
	}
	return c
}

// DescriptionCache persists raw description messages of described devices.
type DescriptionCache interface {
	StoreDescription(deviceID uint64, description []byte, services map[uint8][]byte) error
}

// ControlPoint owns the device registry. The reader and engine goroutines
// feed it; any goroutine may query it and invoke devices.
type ControlPoint struct {
	cfg    Config
	net    *transport.Manager
	events *EventBus
	cache  DescriptionCache
	logger *slog.Logger
	now    func() time.Time
	jitter func() float64

	// mu guards the registry below. It is never held across network I/O
	// or event emission.
	mu            sync.Mutex
	devices       map[uint64]*Device
	infos         []*DeviceInfo
	initialValues []*Device
	management    []*Device
	nextPing      time.Time

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// New creates a control point on the bundles of mgr. cache may be nil.
// The manager stays owned by the caller.
func New(cfg Config, mgr *transport.Manager, events *EventBus, cache DescriptionCache, logger *slog.Logger) *ControlPoint {
	return &ControlPoint{
		cfg:     cfg.withDefaults(),
		net:     mgr,
		events:  events,
		cache:   cache,
		logger:  logger.With("component", "controlpoint"),
		now:     time.Now,
		jitter:  rand.Float64,
		devices: make(map[uint64]*Device),
	}
}

// Events returns the event bus notifications are emitted on.
func (cp *ControlPoint) Events() *EventBus { return cp.events }

// Start launches the reader and engine goroutines and sends a search.
func (cp *ControlPoint) Start(ctx context.Context) {
	ctx, cp.cancel = context.WithCancel(ctx)
	cp.group, ctx = errgroup.WithContext(ctx)
	cp.group.Go(func() error { return cp.readLoop(ctx) })
	cp.group.Go(func() error { return cp.engineLoop(ctx) })
	cp.Search()
}

// Stop ends both goroutines and waits for them. Sockets are left open.
func (cp *ControlPoint) Stop() {
	cp.stopOnce.Do(func() {
		if cp.cancel == nil {
			return
		}
		cp.cancel()
		if err := cp.group.Wait(); err != nil {
			cp.logger.Warn("background task failed", "err", err)
		}
	})
}

// Search multicasts a search for all devices on every bundle.
func (cp *ControlPoint) Search() {
	sent := cp.net.Broadcast(wire.SearchRequest(), cp.net.DiscoveryGroup())
	cp.logger.Debug("search sent", "bundles", sent)
	cp.events.Emit(Event{Type: EventSearch, Data: sent})
}

// Ping sends a ping to the access address of every known device.
func (cp *ControlPoint) Ping() {
	cp.mu.Lock()
	var targets []net.IP
	for _, d := range cp.devices {
		addr := d.Info().AccessAddress
		if !slices.ContainsFunc(targets, addr.Equal) {
			targets = append(targets, addr)
		}
	}
	cp.mu.Unlock()

	port := cp.net.DiscoveryGroup().Port
	for _, ip := range targets {
		cp.net.Broadcast(wire.PingRequest(), &net.UDPAddr{IP: ip, Port: port})
	}
}

// Devices returns the described devices ordered by ID.
func (cp *ControlPoint) Devices() []*Device {
	cp.mu.Lock()
	out := make([]*Device, 0, len(cp.devices))
	for _, d := range cp.devices {
		out = append(out, d)
	}
	cp.mu.Unlock()
	slices.SortFunc(out, func(a, b *Device) int {
		ai, bi := a.ID(), b.ID()
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	})
	return out
}

// Device returns the device with the given ID, or nil.
func (cp *ControlPoint) Device(id uint64) *Device {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.devices[id]
}

// PendingInfos returns copies of the announced devices still waiting for a
// description, in queue order.
func (cp *ControlPoint) PendingInfos() []DeviceInfo {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make([]DeviceInfo, 0, len(cp.infos))
	for _, i := range cp.infos {
		out = append(out, i.clone())
	}
	return out
}

// HandleDiscovery processes a datagram received on a discovery channel of b.
func (cp *ControlPoint) HandleDiscovery(b *transport.Bundle, src *net.UDPAddr, buf []byte) {
	if src == nil {
		return
	}
	now := cp.now()
	if wire.IsPingReply(buf) {
		cp.mu.Lock()
		for _, d := range cp.devices {
			if d.Info().AccessAddress.Equal(src.IP) {
				d.touch(now)
			}
		}
		cp.mu.Unlock()
		return
	}
	typ, ok := wire.MessageType(buf)
	if !ok {
		return
	}
	switch typ {
	case wire.UnitDeviceAnnouncement:
		a, ok := wire.ParseAnnouncement(buf, src.IP)
		if !ok {
			cp.logger.Debug("invalid announcement", "src", src)
			return
		}
		cp.handleAnnouncement(newDeviceInfo(a, b, now))
	case wire.UnitDeviceRemoval:
		id, ok := wire.ParseRemoval(buf)
		if !ok {
			return
		}
		cp.removeDevice(id)
	}
}

func (cp *ControlPoint) handleAnnouncement(info *DeviceInfo) {
	cp.mu.Lock()
	dev := cp.devices[info.DeviceID]
	pending := cp.pendingInfoLocked(info.DeviceID)
	if dev == nil {
		if pending == nil {
			cp.infos = append(cp.infos, info)
			cp.logger.Info("device announced", "id", info.DeviceID, "addr", info.AccessAddress, "hops", len(info.Path))
		} else {
			pending.updatePorts(info)
			pending.LastDiscovery = info.LastDiscovery
		}
		cp.mu.Unlock()
		return
	}
	if pending == nil && dev.DescriptionDate() != info.DescriptionDate {
		cp.infos = append(cp.infos, info)
		cp.logger.Info("description date changed", "id", info.DeviceID)
	}
	cp.mu.Unlock()

	var code EventCode
	dev.mu.Lock()
	dev.info.LastDiscovery = info.LastDiscovery
	if !bytes.Equal(dev.info.DeviceAddress, info.DeviceAddress) {
		dev.info.DeviceAddress = slices.Clone(info.DeviceAddress)
		code |= EventDeviceAddressChange
	}
	if !dev.info.AccessAddress.Equal(info.AccessAddress) || !dev.info.HasEqualPath(info) {
		dev.info.AccessAddress = slices.Clone(info.AccessAddress)
		dev.info.Path = info.Path.Clone()
		code |= EventPathChange
	}
	code |= dev.info.updatePorts(info)
	dev.mu.Unlock()

	if code != 0 {
		cp.changedDevice(dev, code)
	}
}

// HandleEvent processes a datagram received on an event channel. Service
// values are applied from any value message, not only from event units.
func (cp *ControlPoint) HandleEvent(buf []byte) {
	msg, _ := wire.ParseValueMessage(buf)
	if msg == nil || len(msg.ServiceValues) == 0 {
		return
	}
	dev := cp.Device(msg.DeviceID)
	if dev == nil {
		return
	}
	for sid, data := range msg.ServiceValues {
		s := dev.Service(sid)
		if s != nil && s.setValueBytes(data) {
			cp.valueChanged(s)
		}
	}
}

// TriggerReadManagement schedules a management state read for s ahead of
// other queued devices.
func (cp *ControlPoint) TriggerReadManagement(s *Service) {
	s.mu.Lock()
	s.requestManagement = true
	s.mu.Unlock()

	dev := s.device
	cp.mu.Lock()
	cp.management = slices.DeleteFunc(cp.management, func(d *Device) bool { return d == dev })
	cp.management = slices.Insert(cp.management, 0, dev)
	cp.mu.Unlock()
}

func (cp *ControlPoint) pendingInfoLocked(id uint64) *DeviceInfo {
	for _, i := range cp.infos {
		if i.DeviceID == id {
			return i
		}
	}
	return nil
}

func (cp *ControlPoint) removeDevice(id uint64) {
	cp.mu.Lock()
	dev := cp.devices[id]
	if dev != nil {
		cp.forgetLocked(dev)
	}
	cp.mu.Unlock()
	if dev != nil {
		cp.deviceGone(dev)
	}
}

func (cp *ControlPoint) forgetLocked(dev *Device) {
	delete(cp.devices, dev.ID())
	match := func(d *Device) bool { return d == dev }
	cp.initialValues = slices.DeleteFunc(cp.initialValues, match)
	cp.management = slices.DeleteFunc(cp.management, match)
}

func tryAdd(list []*Device, d *Device) []*Device {
	if slices.Contains(list, d) {
		return list
	}
	return append(list, d)
}

func (cp *ControlPoint) storeDescriptions(dev *Device) {
	if cp.cache == nil {
		return
	}
	desc := dev.DescriptionMessage()
	if len(desc) == 0 {
		return
	}
	if err := cp.cache.StoreDescription(dev.ID(), desc, dev.ServiceDescriptionMessages()); err != nil {
		cp.logger.Warn("store description", "device", dev.ID(), "err", err)
	}
}

func (cp *ControlPoint) newDevice(dev *Device) {
	cp.mu.Lock()
	cp.initialValues = tryAdd(cp.initialValues, dev)
	cp.mu.Unlock()
	cp.storeDescriptions(dev)
	cp.logger.Info("new device", "device", dev, "services", len(dev.Services()))
	cp.events.Emit(Event{Type: EventNewDevice, Data: DeviceEvent{Device: dev}})
}

func (cp *ControlPoint) changedDevice(dev *Device, code EventCode) {
	cp.storeDescriptions(dev)
	if code&EventServiceChange != 0 {
		cp.mu.Lock()
		cp.initialValues = tryAdd(cp.initialValues, dev)
		cp.mu.Unlock()
	}
	cp.logger.Debug("device changed", "device", dev, "code", code)
	cp.events.Emit(Event{Type: EventDeviceChanged, Data: DeviceEvent{Device: dev, Code: code}})
}

func (cp *ControlPoint) deviceGone(dev *Device) {
	cp.logger.Info("device gone", "device", dev)
	cp.events.Emit(Event{Type: EventDeviceGone, Data: DeviceEvent{Device: dev}})
}

func (cp *ControlPoint) valueChanged(s *Service) {
	if s.IsManagement() {
		dev := s.device
		flagged := false
		for _, other := range dev.Services() {
			if other.markManagementRequest() {
				flagged = true
			}
		}
		if flagged {
			cp.mu.Lock()
			cp.management = tryAdd(cp.management, dev)
			cp.mu.Unlock()
		}
	}
	cp.events.Emit(Event{Type: EventValueChanged, Data: ValueEvent{Service: s}})
}
