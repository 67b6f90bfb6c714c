package controlpoint

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"binupnp-cp/internal/transport"
	"binupnp-cp/internal/wire"
)

type datagram struct {
	buf  []byte
	addr *net.UDPAddr
}

// fakeConn is a transport.Conn that answers writes through respond. Reads
// without a queued answer time out immediately unless blocking is set, in
// which case they wait for the read deadline like a socket.
type fakeConn struct {
	mu       sync.Mutex
	local    *net.UDPAddr
	writes   []datagram
	inbox    []datagram
	respond  func(req []byte) []byte
	blocking bool
	deadline time.Time
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dst := addr.(*net.UDPAddr)
	req := append([]byte(nil), b...)
	c.writes = append(c.writes, datagram{buf: req, addr: dst})
	if c.respond != nil {
		if resp := c.respond(req); resp != nil {
			c.inbox = append(c.inbox, datagram{buf: resp, addr: dst})
		}
	}
	return len(b), nil
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		if len(c.inbox) > 0 {
			d := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			return copy(b, d.buf), d.addr, nil
		}
		wait := c.blocking && time.Now().Before(c.deadline)
		c.mu.Unlock()
		if !wait {
			return 0, nil, os.ErrDeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
}

// push queues an unsolicited datagram from src.
func (c *fakeConn) push(buf []byte, src *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, datagram{buf: buf, addr: src})
}

func (c *fakeConn) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}

func (c *fakeConn) setBlocking(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocking = v
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr { return c.local }
func (c *fakeConn) Close() error        { return nil }

func (c *fakeConn) sent() []datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datagram(nil), c.writes...)
}

// fakeDevice answers control point requests for one device ID.
type fakeDevice struct {
	mu       sync.Mutex
	desc     *wire.DeviceDescription
	external map[uint8]*wire.ServiceDescription
	values   map[uint8][]byte
	// actionOut holds the out-argument bytes returned by every action.
	actionOut map[uint8][]byte
	// reject makes value, name and action requests fail with this result.
	reject uint8
	// silent drops every request.
	silent bool
}

func (d *fakeDevice) handle(req []byte) []byte {
	r, ok := wire.ParseRequest(req)
	if !ok || uint32(r.DeviceID) != uint32(d.desc.DeviceID) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.silent {
		return nil
	}
	id := uint32(d.desc.DeviceID)
	result := wire.ResultOk
	if d.reject != 0 {
		result = d.reject
	}
	switch r.Type {
	case wire.UnitGetDeviceDescription:
		return d.desc.Encode()
	case wire.UnitGetServiceDescription:
		sd, ok := d.external[r.ServiceID]
		if !ok {
			return nil
		}
		return wire.EncodeServiceDescription(d.desc.DeviceID, sd)
	case wire.UnitGetServiceValue:
		b := wire.NewBuilder().Header(wire.UnitGetServiceValue, 0).Uint32(wire.UnitDeviceID, id).Byte(wire.UnitServiceID, r.ServiceID)
		if v, ok := d.values[r.ServiceID]; ok && result == wire.ResultOk {
			b.Unit(wire.UnitServiceValue, v)
		}
		return b.Byte(wire.UnitServiceValueResult, result).End().Bytes()
	case wire.UnitSetServiceValue:
		return wire.NewBuilder().Header(wire.UnitSetServiceValue, 0).Uint32(wire.UnitDeviceID, id).
			Byte(wire.UnitServiceID, r.ServiceID).Byte(wire.UnitServiceValueResult, result).End().Bytes()
	case wire.UnitSetDeviceName:
		return wire.NewBuilder().Uint32(wire.UnitDeviceID, id).Byte(wire.UnitSetDeviceNameResult, result).End().Bytes()
	case wire.UnitSetDeviceApplication:
		return wire.NewBuilder().Uint32(wire.UnitDeviceID, id).Byte(wire.UnitSetDeviceApplicationResult, result).End().Bytes()
	case wire.UnitInvokeAction:
		action := wire.NewBuilder().Byte(wire.UnitActionID, 0).Byte(wire.UnitActionResult, result)
		if result == wire.ResultOk {
			for argID, v := range d.actionOut {
				arg := wire.NewBuilder().Byte(wire.UnitArgumentID, argID).Unit(wire.UnitArgumentValue, v)
				action.Header(wire.UnitArgumentContainer, arg.Len()).Raw(arg.Bytes())
			}
		}
		return wire.NewBuilder().Header(wire.UnitInvokeAction, 0).Uint32(wire.UnitDeviceID, id).
			Byte(wire.UnitServiceID, r.ServiceID).
			Header(wire.UnitActionContainer, action.Len()).Raw(action.Bytes()).
			End().Bytes()
	}
	return nil
}

type recordingCache struct {
	mu     sync.Mutex
	stored map[uint64]int
}

func (c *recordingCache) StoreDescription(id uint64, desc []byte, services map[uint8][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stored == nil {
		c.stored = make(map[uint64]int)
	}
	c.stored[id]++
	return nil
}

type testEnv struct {
	cp          *ControlPoint
	bundle      *transport.Bundle
	description *fakeConn
	control     *fakeConn
	unicast     *fakeConn
	discovery   *fakeConn
	event       *fakeConn
	debug       *fakeConn
	cache       *recordingCache

	mu     sync.Mutex
	clock  time.Time
	events []Event
}

func newTestEnv(t *testing.T, retries int, devices ...*fakeDevice) *testEnv {
	t.Helper()
	respond := func(req []byte) []byte {
		for _, d := range devices {
			if resp := d.handle(req); resp != nil {
				return resp
			}
		}
		return nil
	}
	local := func(port int) *net.UDPAddr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port} }
	env := &testEnv{
		description: &fakeConn{local: local(40001), respond: respond},
		control:     &fakeConn{local: local(40002), respond: respond},
		unicast:     &fakeConn{local: local(40003)},
		discovery:   &fakeConn{local: local(2000)},
		event:       &fakeConn{local: local(2300)},
		debug:       &fakeConn{local: local(2400)},
		cache:       &recordingCache{},
		clock:       testNow,
	}
	env.bundle = transport.NewBundle(net.IPv4(127, 0, 0, 1), transport.Conns{
		Discovery:        env.discovery,
		DiscoveryUnicast: env.unicast,
		Event:            env.event,
		Debug:            env.debug,
		Description:      env.description,
		Control:          env.control,
	})
	mgr, err := transport.NewStaticManager(transport.Config{}, []*transport.Bundle{env.bundle}, newTestLogger())
	if err != nil {
		t.Fatalf("NewStaticManager: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Retries = retries
	bus := NewEventBus(newTestLogger())
	bus.OnAll(func(e Event) {
		env.mu.Lock()
		env.events = append(env.events, e)
		env.mu.Unlock()
	})
	env.cp = New(cfg, mgr, bus, env.cache, newTestLogger())
	env.cp.now = env.now
	env.cp.jitter = func() float64 { return 1 }
	return env
}

func (e *testEnv) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.clock = e.clock.Add(d)
	e.mu.Unlock()
}

func (e *testEnv) eventsOf(typ string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEnv) tick() {
	e.cp.tick(context.Background())
}

type announceOpt func(*wire.Builder)

func withDeviceType(t uint8) announceOpt {
	return func(b *wire.Builder) { b.Byte(wire.UnitDeviceType, t) }
}

func withControlPort(p uint16) announceOpt {
	return func(b *wire.Builder) { b.Uint16(wire.UnitDeviceControlPort, p) }
}

func announcement(id uint64, date uint32, opts ...announceOpt) []byte {
	b := wire.NewBuilder().Header(wire.UnitDeviceAnnouncement, 0).
		Uint32(wire.UnitDeviceID, uint32(id)).
		Uint32(wire.UnitDeviceDescriptionDate, date)
	for _, o := range opts {
		o(b)
	}
	return b.End().Bytes()
}

func (e *testEnv) announce(id uint64, date uint32, src net.IP, opts ...announceOpt) {
	e.cp.HandleDiscovery(e.bundle, &net.UDPAddr{IP: src, Port: wire.DiscoveryMulticastPort}, announcement(id, date, opts...))
}

var deviceAddr = net.IPv4(10, 0, 0, 7).To4()

func newSensor(id uint64) *fakeDevice {
	return &fakeDevice{
		desc:   sensorDescription(id),
		values: map[uint8][]byte{1: {0x08, 0x66}},
	}
}

// describe announces d from deviceAddr and runs one cycle to fetch it.
func (e *testEnv) describe(t *testing.T, d *fakeDevice) *Device {
	t.Helper()
	e.announce(d.desc.DeviceID, uint32(d.desc.DescriptionDate), deviceAddr)
	e.tick()
	dev := e.cp.Device(d.desc.DeviceID)
	if dev == nil {
		t.Fatalf("device %d not described", d.desc.DeviceID)
	}
	return dev
}
