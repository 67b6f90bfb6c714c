package wire

// SearchRequest returns the multicast search for all devices.
func SearchRequest() []byte {
	return []byte{UnitSearchDevice, 0, UnitSDLVersion, 2, 1, 0, UnitEndOfPacket}
}

// PingRequest returns a ping datagram.
func PingRequest() []byte {
	return []byte{UnitPing, 0, UnitEndOfPacket}
}

func devicePrefix(packet uint8, deviceID uint64) *Builder {
	return NewBuilder().Header(packet, 0).Uint32(UnitDeviceID, uint32(deviceID))
}

// GetDeviceDescriptionPrefix starts a device description request.
func GetDeviceDescriptionPrefix(deviceID uint64) []byte {
	return devicePrefix(UnitGetDeviceDescription, deviceID).Bytes()
}

// GetServiceDescriptionPrefix starts an external service description request.
func GetServiceDescriptionPrefix(deviceID uint64, serviceID uint8) []byte {
	return devicePrefix(UnitGetServiceDescription, deviceID).Byte(UnitServiceID, serviceID).Bytes()
}

// GetValuePrefix starts a get-service-value request.
func GetValuePrefix(deviceID uint64, serviceID uint8) []byte {
	return devicePrefix(UnitGetServiceValue, deviceID).Byte(UnitServiceID, serviceID).Bytes()
}

// SetValuePrefix starts a set-service-value request.
func SetValuePrefix(deviceID uint64, serviceID uint8, value []byte) []byte {
	return devicePrefix(UnitSetServiceValue, deviceID).
		Byte(UnitServiceID, serviceID).
		Unit(UnitServiceValue, value).
		Bytes()
}

// SetNamePrefix starts a set-device-name request.
func SetNamePrefix(deviceID uint64, name string) []byte {
	return devicePrefix(UnitSetDeviceName, deviceID).String(UnitDeviceName, name).Bytes()
}

// SetApplicationPrefix starts a set-device-application request.
func SetApplicationPrefix(deviceID uint64, application string) []byte {
	return devicePrefix(UnitSetDeviceApplication, deviceID).String(UnitDeviceApplication, application).Bytes()
}

// ArgumentValue is one in-argument of an action invocation.
type ArgumentValue struct {
	ID    uint8
	Value []byte
}

// InvokeActionPrefix starts an action invocation carrying the in-arguments
// as argument containers.
func InvokeActionPrefix(deviceID uint64, serviceID, actionID uint8, args []ArgumentValue) []byte {
	ab := NewBuilder()
	for _, a := range args {
		inner := NewBuilder().Byte(UnitArgumentID, a.ID).Unit(UnitArgumentValue, a.Value)
		ab.Header(UnitArgumentContainer, inner.Len()).Raw(inner.Bytes())
	}
	b := devicePrefix(UnitInvokeAction, deviceID).Byte(UnitServiceID, serviceID)
	b.Header(UnitActionContainer, 3+ab.Len()).Byte(UnitActionID, actionID).Raw(ab.Bytes())
	return b.Bytes()
}

// FinishRequest appends the access path and the End-Of-Packet marker to a
// request prefix. prefix is not modified.
func FinishRequest(prefix []byte, path AccessPath) []byte {
	b := NewBuilder(prefix...)
	path.appendRequest(b)
	return b.End().Bytes()
}

// Request is a decoded control point request, as seen by a device or a
// forwarder.
type Request struct {
	Type       uint8
	DeviceID   uint64
	ServiceID  uint8
	HasService bool
	Path       AccessPath
}

// ParseRequest decodes a request built by one of the prefix functions and
// FinishRequest.
func ParseRequest(buf []byte) (*Request, bool) {
	r := &Request{}
	var (
		haveType, haveID bool
		paths            pathCollector
	)
	ok := walkUnits(buf, valueContainer, func(u Unit) bool {
		if isPacketUnit(u.Type) {
			if haveType {
				return false
			}
			r.Type = u.Type
			haveType = true
			return true
		}
		if paths.add(u) {
			return true
		}
		switch u.Type {
		case UnitDeviceID:
			r.DeviceID = beUint(u.Value)
			haveID = true
		case UnitServiceID:
			r.ServiceID = firstByte(u.Value)
			r.HasService = true
		}
		return true
	})
	if !ok || !haveType || !haveID {
		return nil, false
	}
	r.Path = paths.path
	return r, true
}
