package wire

import "net"

// Announcement is a decoded device announcement.
type Announcement struct {
	DeviceID        uint64
	DescriptionDate uint64
	DeviceType      uint8
	HasDeviceType   bool
	DescriptionPort uint16
	ControlPort     uint16
	EventPort       uint16
	// AccessAddress is the sender of the datagram.
	AccessAddress net.IP
	// DeviceAddress is the device's own address: the access address for
	// devices on the local segment, else the address carried in the first hop.
	DeviceAddress []byte
	Path          AccessPath
}

// ParseAnnouncement decodes a device announcement received from src. It
// returns false for any other message type, for truncated input and when
// either the description date or the device ID is missing.
func ParseAnnouncement(buf []byte, src net.IP) (*Announcement, bool) {
	a := &Announcement{
		AccessAddress:   src,
		DescriptionPort: DescriptionPort,
		ControlPort:     ControlPort,
		EventPort:       EventMulticastPort,
	}
	var (
		haveDate, haveID, foreign bool
		paths                     pathCollector
	)
	ok := walkUnits(buf, nil, func(u Unit) bool {
		if isPacketUnit(u.Type) && u.Type != UnitDeviceAnnouncement {
			foreign = true
			return false
		}
		if paths.add(u) {
			return true
		}
		switch u.Type {
		case UnitDeviceDescriptionDate:
			a.DescriptionDate = beUint(u.Value)
			haveDate = true
		case UnitDeviceID:
			a.DeviceID = beUint(u.Value)
			haveID = true
		case UnitDeviceType:
			a.DeviceType = firstByte(u.Value)
			a.HasDeviceType = true
		case UnitDeviceDescriptionPort:
			a.DescriptionPort = port(u.Value)
		case UnitDeviceControlPort:
			a.ControlPort = port(u.Value)
		case UnitDeviceEventPort:
			a.EventPort = port(u.Value)
		}
		return true
	})
	if !ok || foreign || !haveDate || !haveID {
		return nil, false
	}
	a.Path = paths.path
	if len(a.Path) == 0 {
		if ip4 := src.To4(); ip4 != nil {
			a.DeviceAddress = append([]byte(nil), ip4...)
		} else {
			a.DeviceAddress = append([]byte(nil), src...)
		}
	} else {
		a.DeviceAddress = append([]byte(nil), a.Path[0].Address...)
	}
	return a, true
}

// ParseRemoval decodes a device removal and returns the departing device ID.
func ParseRemoval(buf []byte) (uint64, bool) {
	var (
		id              uint64
		haveID, foreign bool
	)
	ok := walkUnits(buf, nil, func(u Unit) bool {
		if isPacketUnit(u.Type) && u.Type != UnitDeviceRemoval {
			foreign = true
			return false
		}
		if u.Type == UnitDeviceID {
			id = beUint(u.Value)
			haveID = true
		}
		return true
	})
	if !ok || foreign || !haveID {
		return 0, false
	}
	return id, true
}

// DeviceIDOf returns the first top-level device ID in buf.
func DeviceIDOf(buf []byte) (uint64, bool) {
	var (
		id   uint64
		have bool
	)
	walkUnits(buf, nil, func(u Unit) bool {
		if u.Type == UnitDeviceID {
			id, have = beUint(u.Value), true
			return false
		}
		return true
	})
	return id, have
}

// IsPingReply reports whether buf is exactly a ping reply.
func IsPingReply(buf []byte) bool {
	return len(buf) == 3 && buf[0] == UnitPingReply && buf[1] == 0 && buf[2] == UnitEndOfPacket
}

// MessageType returns the type of the first non-padding unit, or false for
// an empty buffer.
func MessageType(buf []byte) (uint8, bool) {
	for _, b := range buf {
		if b != UnitPadding {
			return b, true
		}
	}
	return 0, false
}
