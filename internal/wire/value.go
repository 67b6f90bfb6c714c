package wire

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// Value is a typed service or argument value.
type Value struct {
	typ     uint8
	numeric int64
	text    string
	raw     []byte
	boolean bool
}

// NewValue returns the zero value of the given var type.
func NewValue(varType uint8) Value {
	return Value{typ: varType}
}

// Type returns the var type.
func (v *Value) Type() uint8 { return v.typ }

func (v *Value) IsBool() bool { return v.typ == VarTypeBoolean }

func (v *Value) IsNumeric() bool {
	switch v.typ {
	case VarTypeUINT8, VarTypeINT8, VarTypeUINT16, VarTypeINT16,
		VarTypeUINT32, VarTypeINT32, VarTypeUINT64, VarTypeINT64:
		return true
	}
	return false
}

func (v *Value) IsText() bool { return v.typ == VarTypeString || v.typ == VarTypeURL }

func (v *Value) IsByteArray() bool { return v.typ == VarTypeByteArray || v.typ == VarTypeComposite }

// Used reports whether the value carries any type at all.
func (v *Value) Used() bool { return v.typ != VarTypeNotUsed }

// Numeric returns the numeric value, or 0 for non-numeric types.
func (v *Value) Numeric() int64 {
	if v.IsNumeric() {
		return v.numeric
	}
	return 0
}

// SetNumeric stores n if the value is numeric.
func (v *Value) SetNumeric(n int64) {
	if v.IsNumeric() {
		v.numeric = n
	}
}

// Bool returns the boolean value, or false for other types.
func (v *Value) Bool() bool {
	return v.IsBool() && v.boolean
}

// SetBool stores b if the value is boolean.
func (v *Value) SetBool(b bool) {
	if v.IsBool() {
		v.boolean = b
	}
}

// Text returns the text value, or "" for other types.
func (v *Value) Text() string {
	if v.IsText() {
		return v.text
	}
	return ""
}

// SetText stores s if the value is textual.
func (v *Value) SetText(s string) {
	if v.IsText() {
		v.text = s
	}
}

// Raw returns a copy of the byte array value.
func (v *Value) Raw() []byte {
	if v.IsByteArray() {
		return append([]byte(nil), v.raw...)
	}
	return nil
}

// FromBytes decodes wire bytes into v. It returns false and leaves v
// unchanged when data does not fit the type.
func (v *Value) FromBytes(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch v.typ {
	case VarTypeBoolean:
		v.boolean = data[0] != 0
	case VarTypeUINT8:
		v.numeric = int64(data[0])
	case VarTypeINT8:
		v.numeric = int64(int8(data[0]))
	case VarTypeUINT16, VarTypeINT16:
		if len(data) < 2 {
			return false
		}
		u := binary.BigEndian.Uint16(data)
		if v.typ == VarTypeINT16 {
			v.numeric = int64(int16(u))
		} else {
			v.numeric = int64(u)
		}
	case VarTypeUINT32, VarTypeINT32:
		if len(data) < 4 {
			return false
		}
		u := binary.BigEndian.Uint32(data)
		if v.typ == VarTypeINT32 {
			v.numeric = int64(int32(u))
		} else {
			v.numeric = int64(u)
		}
	case VarTypeUINT64, VarTypeINT64:
		if len(data) < 8 {
			return false
		}
		v.numeric = int64(binary.BigEndian.Uint64(data))
	case VarTypeString, VarTypeURL:
		// Devices send either raw text or text behind a one-byte length.
		if n := int(data[0]); n == len(data)-1 {
			v.text = unitString(data[1:])
		} else {
			v.text = unitString(data)
		}
	case VarTypeByteArray, VarTypeComposite:
		v.raw = append([]byte(nil), data...)
	default:
		return false
	}
	return true
}

// FromString parses a user supplied representation. Numbers are range
// checked against the var type and byte arrays are read as hex.
func (v *Value) FromString(s string) bool {
	if s == "" {
		return false
	}
	switch {
	case v.IsBool():
		b, ok := parseBool(s)
		if !ok {
			return false
		}
		v.boolean = b
	case v.IsNumeric():
		n, ok := v.parseNumeric(s)
		if !ok {
			return false
		}
		v.numeric = n
	case v.IsText():
		v.text = s
	case v.IsByteArray():
		clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
		raw, err := hex.DecodeString(clean)
		if err != nil {
			return false
		}
		v.raw = raw
	default:
		return false
	}
	return true
}

func (v *Value) parseNumeric(s string) (int64, bool) {
	if v.typ == VarTypeUINT64 {
		u, err := strconv.ParseUint(s, 10, 64)
		return int64(u), err == nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	switch v.typ {
	case VarTypeUINT8:
		lo, hi = 0, math.MaxUint8
	case VarTypeINT8:
		lo, hi = math.MinInt8, math.MaxInt8
	case VarTypeUINT16:
		lo, hi = 0, math.MaxUint16
	case VarTypeINT16:
		lo, hi = math.MinInt16, math.MaxInt16
	case VarTypeUINT32:
		lo, hi = 0, math.MaxUint32
	case VarTypeINT32:
		lo, hi = math.MinInt32, math.MaxInt32
	}
	if n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Bytes encodes v for the wire.
func (v *Value) Bytes() []byte {
	switch v.typ {
	case VarTypeBoolean:
		if v.boolean {
			return []byte{1}
		}
		return []byte{0}
	case VarTypeUINT8, VarTypeINT8:
		return []byte{byte(v.numeric)}
	case VarTypeUINT16, VarTypeINT16:
		return binary.BigEndian.AppendUint16(nil, uint16(v.numeric))
	case VarTypeUINT32, VarTypeINT32:
		return binary.BigEndian.AppendUint32(nil, uint32(v.numeric))
	case VarTypeUINT64, VarTypeINT64:
		return binary.BigEndian.AppendUint64(nil, uint64(v.numeric))
	case VarTypeString, VarTypeURL:
		return []byte(v.text)
	case VarTypeByteArray, VarTypeComposite:
		return append([]byte(nil), v.raw...)
	}
	return nil
}

func (v Value) String() string {
	switch {
	case v.IsText():
		return v.text
	case v.IsNumeric():
		if v.typ == VarTypeUINT64 {
			return strconv.FormatUint(uint64(v.numeric), 10)
		}
		return strconv.FormatInt(v.numeric, 10)
	case v.IsBool():
		if v.boolean {
			return "True"
		}
		return "False"
	case v.IsByteArray():
		return strings.ToUpper(hex.EncodeToString(v.raw))
	}
	return ""
}

// ValueMessage is a decoded response to a value, action or device request,
// or an asynchronous event.
type ValueMessage struct {
	DeviceID  uint64
	ServiceID uint8
	// Result is the result code carried by the message, 0 if none.
	Result uint8
	// ActionID is valid when HasAction is set.
	ActionID  uint8
	HasAction bool
	Event     bool
	// DeviceMessage marks responses to set-name or set-application.
	DeviceMessage  bool
	ServiceValues  map[uint8][]byte
	ArgumentValues map[uint8][]byte
}

func valueContainer(t uint8) bool {
	return t == UnitActionContainer || t == UnitArgumentContainer || t == UnitServiceContainer
}

// ParseValueMessage decodes a value message. On failure it returns nil and
// the result code describing the problem; otherwise the code is ResultOk.
func ParseValueMessage(buf []byte) (*ValueMessage, uint8) {
	m := &ValueMessage{
		ServiceValues:  make(map[uint8][]byte),
		ArgumentValues: make(map[uint8][]byte),
	}
	var (
		haveDevice, haveService bool
		curService, curArg      uint8
	)
	ok := walkUnits(buf, valueContainer, func(u Unit) bool {
		switch u.Type {
		case UnitDeviceID:
			m.DeviceID = beUint(u.Value)
			haveDevice = len(u.Value) > 0
		case UnitServiceID:
			m.ServiceID = firstByte(u.Value)
			curService = m.ServiceID
			haveService = true
		case UnitEvent:
			m.Event = true
		case UnitServiceValue:
			m.ServiceValues[curService] = append([]byte(nil), u.Value...)
		case UnitSetDeviceNameResult, UnitSetDeviceApplicationResult:
			m.DeviceMessage = true
			m.Result = firstByte(u.Value)
		case UnitActionResult, UnitServiceValueResult:
			m.Result = firstByte(u.Value)
		case UnitActionID:
			m.ActionID = firstByte(u.Value)
			m.HasAction = true
		case UnitArgumentID:
			curArg = firstByte(u.Value)
		case UnitArgumentValue:
			m.ArgumentValues[curArg] = append([]byte(nil), u.Value...)
		}
		return true
	})
	switch {
	case !ok:
		return nil, ResultInvalidMessage
	case !haveDevice:
		return nil, ResultNoDevice
	case !m.DeviceMessage && !haveService:
		return nil, ResultNoService
	case m.Result != 0:
		return m, ResultOk
	case m.Event && len(m.ServiceValues) > 0:
		return m, ResultOk
	case m.Event:
		return nil, ResultInvalidMessage
	}
	return nil, ResultInvalidResponseMessage
}

// OKValueResponse reports a successful value or device response.
func (m *ValueMessage) OKValueResponse() bool {
	return m.Result == ResultOk
}

// OKActionResponse reports a successful action response.
func (m *ValueMessage) OKActionResponse() bool {
	return m.Result == ResultOk && m.HasAction
}
