package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// AccessEntity is one forwarder hop on the way to a device. Zero ports mean
// the forwarder uses the protocol defaults; a zero AccessID or PhyType means
// the announcement did not carry one.
type AccessEntity struct {
	Address         []byte
	ForwarderID     uint8
	DescriptionPort uint16
	ControlPort     uint16
	PhyType         uint8
	AccessID        uint64
}

// Equal compares two hops. An unset AccessID on e matches any ID.
func (e AccessEntity) Equal(o AccessEntity) bool {
	return bytes.Equal(e.Address, o.Address) &&
		e.DescriptionPort == o.DescriptionPort &&
		e.ControlPort == o.ControlPort &&
		e.ForwarderID == o.ForwarderID &&
		e.PhyType == o.PhyType &&
		(e.AccessID == 0 || e.AccessID == o.AccessID)
}

// DescriptionPortOrDefault returns the forwarder's description port.
func (e AccessEntity) DescriptionPortOrDefault() uint16 {
	if e.DescriptionPort == 0 {
		return DescriptionPort
	}
	return e.DescriptionPort
}

// ControlPortOrDefault returns the forwarder's control port.
func (e AccessEntity) ControlPortOrDefault() uint16 {
	if e.ControlPort == 0 {
		return ControlPort
	}
	return e.ControlPort
}

func (e AccessEntity) String() string {
	return fmt.Sprintf("%X/%d", e.Address, e.ForwarderID)
}

// AccessPath is the ordered list of forwarder hops of a device.
type AccessPath []AccessEntity

// Equal compares two paths hop by hop.
func (p AccessPath) Equal(o AccessPath) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !p[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the path.
func (p AccessPath) Clone() AccessPath {
	if p == nil {
		return nil
	}
	out := make(AccessPath, len(p))
	for i, e := range p {
		e.Address = append([]byte(nil), e.Address...)
		out[i] = e
	}
	return out
}

func (p AccessPath) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		parts[i] = e.String()
	}
	return strings.Join(parts, ">")
}

// appendRequest serializes the path so that responses can be routed back
// through the same forwarders. Ports are only sent when they differ from
// the defaults; the forwarder ID closes each hop.
func (p AccessPath) appendRequest(b *Builder) {
	for _, e := range p {
		b.Unit(UnitAccessForwarderAddress, e.Address)
		if e.DescriptionPort != 0 && e.DescriptionPort != DescriptionPort {
			b.Uint16(UnitAccessForwarderDescriptionPort, e.DescriptionPort)
		}
		if e.ControlPort != 0 && e.ControlPort != ControlPort {
			b.Uint16(UnitAccessForwarderControlPort, e.ControlPort)
		}
		b.Byte(UnitAccessForwarderID, e.ForwarderID)
	}
}

// pathCollector rebuilds an AccessPath from streamed units. Metadata units
// fill scratch fields; a forwarder ID unit commits one hop if an address was
// seen and then clears the scratch state.
type pathCollector struct {
	path     AccessPath
	address  []byte
	descPort uint16
	ctrlPort uint16
	phyType  uint8
	accessID uint64
}

// add consumes u if it belongs to the access path and reports whether it did.
func (c *pathCollector) add(u Unit) bool {
	switch u.Type {
	case UnitAccessForwarderAddress:
		c.address = append([]byte(nil), u.Value...)
		c.descPort = 0
		c.phyType = 0
	case UnitAccessForwarderPhyType:
		c.phyType = firstByte(u.Value)
	case UnitAccessForwarderDescriptionPort:
		c.descPort = port(u.Value)
	case UnitAccessForwarderControlPort:
		c.ctrlPort = port(u.Value)
	case UnitAccessID:
		c.accessID = beUint(u.Value)
	case UnitAccessForwarderID:
		if c.address != nil {
			c.path = append(c.path, AccessEntity{
				Address:         c.address,
				ForwarderID:     firstByte(u.Value),
				DescriptionPort: c.descPort,
				ControlPort:     c.ctrlPort,
				PhyType:         c.phyType,
				AccessID:        c.accessID,
			})
		}
		*c = pathCollector{path: c.path}
	default:
		return false
	}
	return true
}

func port(b []byte) uint16 {
	if len(b) < 2 {
		return uint16(firstByte(b))
	}
	return binary.BigEndian.Uint16(b)
}
