package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// Conns groups the sockets of one bundle.
type Conns struct {
	Discovery        Conn
	DiscoveryUnicast Conn
	Event            Conn
	Debug            Conn
	Description      Conn
	Control          Conn
}

// Bundle is the set of channels the control point uses on one local
// interface address.
//
//   - Discovery: multicast announcements and removals
//   - DiscoveryUnicast: search and ping sends, their unicast replies
//   - Event: multicast value events
//   - Debug: multicast debug output of devices
//   - Description, Control: request/response exchanges with devices
type Bundle struct {
	addr  net.IP
	iface string

	discovery        *Channel
	discoveryUnicast *Channel
	event            *Channel
	debug            *Channel
	description      *Channel
	control          *Channel

	valid bool
}

// NewBundle builds a bundle on already opened sockets. The bundle is valid
// only if every socket is present.
func NewBundle(addr net.IP, conns Conns) *Bundle {
	b := &Bundle{addr: addr}
	b.attach(conns)
	return b
}

func (b *Bundle) attach(c Conns) {
	wrap := func(name string, conn Conn) *Channel {
		if conn == nil {
			return nil
		}
		return NewChannel(name, conn)
	}
	b.discovery = wrap("discovery", c.Discovery)
	b.discoveryUnicast = wrap("discovery-unicast", c.DiscoveryUnicast)
	b.event = wrap("event", c.Event)
	b.debug = wrap("debug", c.Debug)
	b.description = wrap("description", c.Description)
	b.control = wrap("control", c.Control)
	b.valid = b.discovery != nil && b.discoveryUnicast != nil && b.event != nil &&
		b.debug != nil && b.description != nil && b.control != nil
}

// OpenBundle opens all sockets for addr on ifi. On failure the returned
// bundle is invalid, every socket that did open is closed again, and the
// error says which socket failed.
func OpenBundle(ifi *net.Interface, addr net.IP, cfg Config) (*Bundle, error) {
	cfg = cfg.withDefaults()
	b := &Bundle{addr: addr}
	if ifi != nil {
		b.iface = ifi.Name
	}
	group := net.ParseIP(cfg.MulticastAddress).To4()
	if group == nil {
		return b, fmt.Errorf("open bundle %s: invalid multicast address %q", addr, cfg.MulticastAddress)
	}

	var (
		conns  Conns
		opened []Conn
		err    error
	)
	open := func(name string, fn func() (Conn, error)) Conn {
		if err != nil {
			return nil
		}
		c, e := fn()
		if e != nil {
			err = fmt.Errorf("open %s socket on %s: %w", name, addr, e)
			return nil
		}
		opened = append(opened, c)
		return c
	}
	conns.Discovery = open("discovery", func() (Conn, error) {
		return listenGroup(ifi, group, cfg.DiscoveryPort, cfg.TTL)
	})
	conns.DiscoveryUnicast = open("discovery-unicast", func() (Conn, error) {
		return listenUnicast(ifi, addr, cfg.TTL)
	})
	conns.Event = open("event", func() (Conn, error) {
		return listenGroup(ifi, group, cfg.EventPort, cfg.TTL)
	})
	conns.Debug = open("debug", func() (Conn, error) {
		return listenGroup(ifi, group, cfg.DebugPort, cfg.TTL)
	})
	conns.Description = open("description", func() (Conn, error) {
		return net.ListenUDP("udp4", &net.UDPAddr{IP: addr})
	})
	conns.Control = open("control", func() (Conn, error) {
		return net.ListenUDP("udp4", &net.UDPAddr{IP: addr})
	})
	if err != nil {
		var errs []error
		for _, c := range opened {
			errs = append(errs, c.Close())
		}
		return b, errors.Join(append([]error{err}, errs...)...)
	}
	b.attach(conns)
	return b, nil
}

// Addr returns the local interface address.
func (b *Bundle) Addr() net.IP { return b.addr }

// Interface returns the interface name, if known.
func (b *Bundle) Interface() string { return b.iface }

// Valid reports whether every socket of the bundle is open.
func (b *Bundle) Valid() bool { return b.valid }

func (b *Bundle) Discovery() *Channel        { return b.discovery }
func (b *Bundle) DiscoveryUnicast() *Channel { return b.discoveryUnicast }
func (b *Bundle) Event() *Channel            { return b.event }
func (b *Bundle) Debug() *Channel            { return b.debug }
func (b *Bundle) Description() *Channel      { return b.description }
func (b *Bundle) Control() *Channel          { return b.control }

// Receivers returns the channels that carry unsolicited traffic, in the
// order they are drained.
func (b *Bundle) Receivers() []*Channel {
	return []*Channel{b.discovery, b.discoveryUnicast, b.event, b.debug}
}

// Close closes all sockets.
func (b *Bundle) Close() error {
	var errs []error
	for _, c := range []*Channel{b.discovery, b.discoveryUnicast, b.event, b.debug, b.description, b.control} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	b.valid = false
	return errors.Join(errs...)
}

func (b *Bundle) String() string {
	if b.iface != "" {
		return fmt.Sprintf("%s(%s)", b.addr, b.iface)
	}
	return b.addr.String()
}

// listenGroup binds port on all addresses and joins group on ifi. Several
// bundles share the port, so datagrams that arrived on another interface
// are filtered out where the platform reports the interface.
func listenGroup(ifi *net.Interface, group net.IP, port, ttl int) (Conn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(pc)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		p.Close()
		return nil, fmt.Errorf("join %s: %w", group, err)
	}
	if err := configureMulticast(p, ifi, ttl); err != nil {
		p.Close()
		return nil, err
	}
	gc := &groupConn{p: p}
	if ifi != nil && p.SetControlMessage(ipv4.FlagInterface, true) == nil {
		gc.ifIndex = ifi.Index
	}
	return gc, nil
}

// listenUnicast binds an ephemeral port on addr. The socket can also send
// to the multicast group, which search requests need.
func listenUnicast(ifi *net.Interface, addr net.IP, ttl int) (Conn, error) {
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr})
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(c)
	if err := configureMulticast(p, ifi, ttl); err != nil {
		p.Close()
		return nil, err
	}
	return &groupConn{p: p}, nil
}

func configureMulticast(p *ipv4.PacketConn, ifi *net.Interface, ttl int) error {
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface %s: %w", ifi.Name, err)
		}
	}
	if err := p.SetMulticastTTL(ttl); err != nil {
		return fmt.Errorf("set multicast ttl: %w", err)
	}
	return nil
}

// groupConn adapts an ipv4.PacketConn to Conn.
type groupConn struct {
	p       *ipv4.PacketConn
	ifIndex int
}

func (g *groupConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		n, cm, src, err := g.p.ReadFrom(b)
		if err != nil {
			return 0, nil, err
		}
		if g.ifIndex != 0 && cm != nil && cm.IfIndex != 0 && cm.IfIndex != g.ifIndex {
			continue
		}
		return n, src, nil
	}
}

func (g *groupConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	return g.p.WriteTo(b, nil, addr)
}

func (g *groupConn) SetReadDeadline(t time.Time) error { return g.p.SetReadDeadline(t) }
func (g *groupConn) LocalAddr() net.Addr               { return g.p.LocalAddr() }
func (g *groupConn) Close() error                      { return g.p.Close() }
