package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"

	"binupnp-cp/internal/wire"
)

// Config selects interfaces and ports.
type Config struct {
	MulticastAddress string
	DiscoveryPort    int
	EventPort        int
	DebugPort        int
	TTL              int
	// PreferredAddresses, if set, restricts bundles to these interface
	// addresses or interface names.
	PreferredAddresses []string
	// IgnoredAddresses lists interface addresses or names never used.
	IgnoredAddresses []string
}

// Defaults not covered by the wire constants.
const (
	DefaultDebugPort = 2400
	DefaultTTL       = 10
)

func (c Config) withDefaults() Config {
	if c.MulticastAddress == "" {
		c.MulticastAddress = wire.DefaultMulticastAddress
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = wire.DiscoveryMulticastPort
	}
	if c.EventPort == 0 {
		c.EventPort = wire.EventMulticastPort
	}
	if c.DebugPort == 0 {
		c.DebugPort = DefaultDebugPort
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Manager owns one bundle per usable local interface address.
type Manager struct {
	group   *net.UDPAddr
	bundles []*Bundle
	logger  *slog.Logger
}

// NewManager enumerates local IPv4 interfaces and opens a bundle on each
// selected address. Bundles that fail to open are logged and skipped; the
// manager may end up with no bundles at all.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	m, err := newManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	all, err := localCandidates()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	for _, c := range selectCandidates(all, cfg.PreferredAddresses, cfg.IgnoredAddresses) {
		ifi := c.iface
		b, err := OpenBundle(&ifi, c.addr, cfg)
		if err != nil || !b.Valid() {
			m.logger.Warn("bundle unavailable", "addr", c.addr, "iface", c.iface.Name, "err", err)
			continue
		}
		m.logger.Info("bundle opened", "addr", c.addr, "iface", c.iface.Name,
			"description", b.Description().LocalAddr(), "control", b.Control().LocalAddr())
		m.bundles = append(m.bundles, b)
	}
	if len(m.bundles) == 0 {
		m.logger.Warn("no usable network interface")
	}
	return m, nil
}

// NewStaticManager builds a manager over existing bundles. Invalid bundles
// are dropped.
func NewStaticManager(cfg Config, bundles []*Bundle, logger *slog.Logger) (*Manager, error) {
	m, err := newManager(cfg.withDefaults(), logger)
	if err != nil {
		return nil, err
	}
	for _, b := range bundles {
		if b != nil && b.Valid() {
			m.bundles = append(m.bundles, b)
		}
	}
	return m, nil
}

func newManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	group := net.ParseIP(cfg.MulticastAddress).To4()
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast address %q", cfg.MulticastAddress)
	}
	return &Manager{
		group:  &net.UDPAddr{IP: group, Port: cfg.DiscoveryPort},
		logger: logger.With("component", "transport"),
	}, nil
}

// DiscoveryGroup returns the multicast destination for searches.
func (m *Manager) DiscoveryGroup() *net.UDPAddr {
	g := *m.group
	return &g
}

// Bundles returns all open bundles.
func (m *Manager) Bundles() []*Bundle {
	return slices.Clone(m.bundles)
}

// Bundle returns the bundle bound to ip, or nil.
func (m *Manager) Bundle(ip net.IP) *Bundle {
	for _, b := range m.bundles {
		if b.addr.Equal(ip) {
			return b
		}
	}
	return nil
}

// Broadcast sends payload to dst from every bundle's discovery-unicast
// channel and returns the number of successful sends.
func (m *Manager) Broadcast(payload []byte, dst *net.UDPAddr) int {
	sent := 0
	for _, b := range m.bundles {
		if err := b.DiscoveryUnicast().Send(payload, dst); err != nil {
			m.logger.Debug("broadcast failed", "bundle", b, "dst", dst, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Close closes every bundle.
func (m *Manager) Close() error {
	var errs []error
	for _, b := range m.bundles {
		errs = append(errs, b.Close())
	}
	return errors.Join(errs...)
}

type candidate struct {
	iface net.Interface
	addr  net.IP
}

func localCandidates() ([]candidate, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil {
				out = append(out, candidate{iface: ifi, addr: ip4})
			}
		}
	}
	return out, nil
}

// selectCandidates applies the address filters. Entries match either the
// address or the interface name. Without preferred entries every
// multicast-capable non-loopback address is used, falling back to loopback
// when nothing else is up.
func selectCandidates(all []candidate, preferred, ignored []string) []candidate {
	matches := func(c candidate, list []string) bool {
		for _, s := range list {
			if s == c.iface.Name || net.ParseIP(s).Equal(c.addr) {
				return true
			}
		}
		return false
	}
	var usable []candidate
	for _, c := range all {
		if !matches(c, ignored) {
			usable = append(usable, c)
		}
	}
	if len(preferred) > 0 {
		var out []candidate
		for _, c := range usable {
			if matches(c, preferred) {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	var out, loopback []candidate
	for _, c := range usable {
		switch {
		case c.iface.Flags&net.FlagLoopback != 0:
			loopback = append(loopback, c)
		case c.iface.Flags&net.FlagMulticast != 0:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return loopback
	}
	return out
}
