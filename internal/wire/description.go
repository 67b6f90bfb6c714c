package wire

import "net/url"

// DeviceDescription is a decoded device description message.
type DeviceDescription struct {
	DeviceID        uint64
	DescriptionDate uint64
	// LifeTime is the expected lifetime in minutes.
	LifeTime     uint16
	DeviceType   uint8
	Name         string
	Application  string
	Manufacturer string
	// ExternalServiceDescriptions is set when service descriptions must be
	// fetched one by one with GetServiceDescription requests.
	ExternalServiceDescriptions bool
	Services                    []ServiceDescription
	// Raw holds the message the description was decoded from.
	Raw []byte
}

// ServiceDescription describes one service of a device.
type ServiceDescription struct {
	Type      uint8
	ID        uint8
	Name      string
	ValueType uint8
	ValueUnit string
	Actions   []ActionDescription
}

// ActionDescription describes one action of a service.
type ActionDescription struct {
	ID        uint8
	Name      string
	Arguments []ArgumentDescription
}

// ArgumentDescription describes one action argument.
type ArgumentDescription struct {
	ID        uint8
	Name      string
	In        bool
	ValueType uint8
}

// ParseDeviceDescription decodes a device description. The result is only
// accepted when the lifetime is non-zero and the embedded device ID equals
// expectedID, which keeps simultaneous fetches from being mixed up.
func ParseDeviceDescription(buf []byte, expectedID uint64) (*DeviceDescription, bool) {
	d := &DeviceDescription{}
	haveID := false
	ok := walkUnits(buf, nil, func(u Unit) bool {
		switch u.Type {
		case UnitDeviceDescriptionDate:
			d.DescriptionDate = beUint(u.Value)
		case UnitDeviceExpectedLifeTime:
			d.LifeTime = uint16(beUint(u.Value))
		case UnitDeviceID:
			d.DeviceID = beUint(u.Value)
			haveID = true
		case UnitDeviceType:
			d.DeviceType = firstByte(u.Value)
		case UnitDeviceName:
			d.Name = unitString(u.Value)
		case UnitDeviceApplication:
			d.Application = unitString(u.Value)
		case UnitDeviceManufacturer:
			d.Manufacturer = unitString(u.Value)
		case UnitDeviceExternalDescriptions:
			d.ExternalServiceDescriptions = true
		case UnitServiceDescriptionContainer:
			if s, ok := ParseServiceContainer(u.Value); ok {
				d.Services = append(d.Services, *s)
			}
		}
		return true
	})
	if !ok || d.LifeTime == 0 || !haveID || d.DeviceID != expectedID {
		return nil, false
	}
	d.Raw = append([]byte(nil), buf...)
	return d, true
}

// ParseServiceDescription decodes an external service description. The
// device ID, when present, must match expectedID; the first service
// container in the message is returned.
func ParseServiceDescription(buf []byte, expectedID uint64) (*ServiceDescription, bool) {
	var (
		svc      *ServiceDescription
		mismatch bool
	)
	ok := walkUnits(buf, nil, func(u Unit) bool {
		switch u.Type {
		case UnitDeviceID:
			if beUint(u.Value) != expectedID {
				mismatch = true
				return false
			}
		case UnitServiceDescriptionContainer:
			svc, _ = ParseServiceContainer(u.Value)
			return false
		}
		return true
	})
	if !ok || mismatch || svc == nil {
		return nil, false
	}
	return svc, true
}

// ParseServiceContainer decodes the payload of a service description
// container. Service type and ID are mandatory.
func ParseServiceContainer(buf []byte) (*ServiceDescription, bool) {
	s := &ServiceDescription{}
	var haveType, haveID bool
	ok := walkUnits(buf, nil, func(u Unit) bool {
		switch u.Type {
		case UnitServiceType:
			s.Type = firstByte(u.Value)
			haveType = len(u.Value) > 0
		case UnitServiceID:
			s.ID = firstByte(u.Value)
			haveID = len(u.Value) > 0
		case UnitValueType:
			s.ValueType = firstByte(u.Value)
		case UnitValueUnit:
			if len(u.Value) > 0 {
				s.ValueUnit = unescape(unitString(u.Value))
			}
		case UnitServiceName:
			s.Name = unitString(u.Value)
		case UnitActionDescriptionContainer:
			if a, ok := parseActionContainer(u.Value); ok {
				s.Actions = append(s.Actions, *a)
			}
		}
		return true
	})
	if !ok || !haveType || !haveID {
		return nil, false
	}
	return s, true
}

func parseActionContainer(buf []byte) (*ActionDescription, bool) {
	a := &ActionDescription{}
	var haveID, haveName bool
	ok := walkUnits(buf, nil, func(u Unit) bool {
		switch u.Type {
		case UnitActionID:
			a.ID = firstByte(u.Value)
			haveID = len(u.Value) > 0
		case UnitActionName:
			a.Name = unitString(u.Value)
			haveName = true
		case UnitArgumentDescriptionContainer:
			if arg, ok := parseArgumentContainer(u.Value); ok {
				a.Arguments = append(a.Arguments, *arg)
			}
		case UnitArgumentPackedDescriptionContainer:
			if arg, ok := parsePackedArgument(u.Value); ok {
				a.Arguments = append(a.Arguments, *arg)
			}
		}
		return true
	})
	if !ok || !haveID || !haveName {
		return nil, false
	}
	return a, true
}

func parseArgumentContainer(buf []byte) (*ArgumentDescription, bool) {
	arg := &ArgumentDescription{In: true}
	var haveID, haveName, haveType bool
	ok := walkUnits(buf, nil, func(u Unit) bool {
		switch u.Type {
		case UnitArgumentID:
			arg.ID = firstByte(u.Value)
			haveID = len(u.Value) > 0
		case UnitArgumentDirection:
			arg.In = firstByte(u.Value) == ArgumentDirectionIn
		case UnitArgumentName:
			arg.Name = unitString(u.Value)
			haveName = true
		case UnitValueType:
			arg.ValueType = firstByte(u.Value)
			haveType = len(u.Value) > 0
		}
		return true
	})
	if !ok || !haveID || !haveName || !haveType {
		return nil, false
	}
	return arg, true
}

// parsePackedArgument decodes the fixed layout [id, direction, type, name...].
func parsePackedArgument(buf []byte) (*ArgumentDescription, bool) {
	if len(buf) < 3 {
		return nil, false
	}
	return &ArgumentDescription{
		ID:        buf[0],
		In:        buf[1] == ArgumentDirectionIn,
		ValueType: buf[2],
		Name:      unitString(buf[3:]),
	}, true
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// Encode serializes the device description as a device would send it.
func (d *DeviceDescription) Encode() []byte {
	b := NewBuilder().Header(UnitDeviceDescription, 0).
		Uint32(UnitDeviceID, uint32(d.DeviceID)).
		Uint32(UnitDeviceDescriptionDate, uint32(d.DescriptionDate)).
		Uint16(UnitDeviceExpectedLifeTime, d.LifeTime).
		Byte(UnitDeviceType, d.DeviceType)
	if d.Name != "" {
		b.String(UnitDeviceName, d.Name)
	}
	if d.Application != "" {
		b.String(UnitDeviceApplication, d.Application)
	}
	if d.Manufacturer != "" {
		b.String(UnitDeviceManufacturer, d.Manufacturer)
	}
	if d.ExternalServiceDescriptions {
		b.Unit(UnitDeviceExternalDescriptions, nil)
	}
	for i := range d.Services {
		b.Unit(UnitServiceDescriptionContainer, d.Services[i].Encode())
	}
	return b.End().Bytes()
}

// Encode serializes the service as the payload of a service description
// container.
func (s *ServiceDescription) Encode() []byte {
	b := NewBuilder().Byte(UnitServiceType, s.Type).Byte(UnitServiceID, s.ID)
	if s.ValueType != VarTypeNotUsed {
		b.Byte(UnitValueType, s.ValueType)
	}
	if s.ValueUnit != "" {
		b.String(UnitValueUnit, url.QueryEscape(s.ValueUnit))
	}
	if s.Name != "" {
		b.String(UnitServiceName, s.Name)
	}
	for _, a := range s.Actions {
		ab := NewBuilder().Byte(UnitActionID, a.ID).String(UnitActionName, a.Name)
		for _, arg := range a.Arguments {
			ab.Unit(UnitArgumentPackedDescriptionContainer, arg.encodePacked())
		}
		b.Unit(UnitActionDescriptionContainer, ab.Bytes())
	}
	return b.Bytes()
}

func (a ArgumentDescription) encodePacked() []byte {
	dir := ArgumentDirectionOut
	if a.In {
		dir = ArgumentDirectionIn
	}
	return append([]byte{a.ID, dir, a.ValueType}, a.Name...)
}

// EncodeServiceDescription wraps one service into an external service
// description message for deviceID.
func EncodeServiceDescription(deviceID uint64, s *ServiceDescription) []byte {
	return NewBuilder().Header(UnitServiceDescription, 0).
		Uint32(UnitDeviceID, uint32(deviceID)).
		Unit(UnitServiceDescriptionContainer, s.Encode()).
		End().Bytes()
}
