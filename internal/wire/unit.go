package wire

// MaxUnits bounds the number of units examined in one message. The format
// has no overall length prefix, so every walk stops here at the latest.
const MaxUnits = 100

// MaxUnitLength is the largest payload a single unit can carry.
const MaxUnitLength = 1016

// EncodeUnitLength maps a payload length to its one-byte wire form.
// Lengths below 128 are sent as is; longer payloads are counted in 8-byte
// blocks with the high bit set. Lengths above MaxUnitLength encode as 0.
func EncodeUnitLength(n int) byte {
	if n < 0 || n > MaxUnitLength {
		return 0
	}
	if n < 128 {
		return byte(n)
	}
	return byte(128 + (n+7)/8)
}

// DecodeUnitLength maps a wire length byte to the number of payload bytes.
func DecodeUnitLength(b byte) int {
	if b < 128 {
		return int(b)
	}
	return int(b&0x7F) * 8
}

// paddedLength returns the number of payload bytes actually written for n.
func paddedLength(n int) int {
	return DecodeUnitLength(EncodeUnitLength(n))
}

// Unit is one type-length-value field.
type Unit struct {
	Type  uint8
	Value []byte
}

// walkUnits iterates the units in buf and calls fn for each one. Unit types
// for which container returns true are entered rather than skipped: fn sees
// them with a nil Value and the walk continues with their first child.
// It returns false if the buffer ends inside a unit header or payload.
// fn may return false to stop early; that is not a failure.
func walkUnits(buf []byte, container func(uint8) bool, fn func(Unit) bool) bool {
	off := 0
	for loops := 0; off < len(buf) && loops < MaxUnits; {
		t := buf[off]
		off++
		if t == UnitEndOfPacket {
			return true
		}
		if t == UnitPadding {
			continue
		}
		if off >= len(buf) {
			return false
		}
		n := DecodeUnitLength(buf[off])
		off++
		loops++
		if container != nil && container(t) {
			if !fn(Unit{Type: t}) {
				return true
			}
			continue
		}
		if off+n > len(buf) {
			return false
		}
		if !fn(Unit{Type: t, Value: buf[off : off+n]}) {
			return true
		}
		off += n
	}
	return true
}

// beUint decodes up to eight big-endian bytes.
func beUint(b []byte) uint64 {
	if len(b) > 8 {
		b = b[len(b)-8:]
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// firstByte returns b[0], or 0 for an empty slice.
func firstByte(b []byte) uint8 {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// unitString decodes a text payload, dropping block padding.
func unitString(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

// Builder assembles a unit stream.
type Builder struct {
	buf []byte
}

// NewBuilder returns a builder whose output starts with prefix.
func NewBuilder(prefix ...byte) *Builder {
	b := &Builder{buf: make([]byte, 0, 64)}
	b.buf = append(b.buf, prefix...)
	return b
}

// Unit appends one unit. Payloads longer than 127 bytes are zero-padded to
// the 8-byte block size of the length encoding.
func (b *Builder) Unit(t uint8, value []byte) *Builder {
	b.buf = append(b.buf, t, EncodeUnitLength(len(value)))
	b.buf = append(b.buf, value...)
	for pad := paddedLength(len(value)) - len(value); pad > 0; pad-- {
		b.buf = append(b.buf, 0)
	}
	return b
}

// Header appends a unit header without payload, used for packet units and
// for containers whose children follow.
func (b *Builder) Header(t uint8, length int) *Builder {
	b.buf = append(b.buf, t, EncodeUnitLength(length))
	return b
}

// Byte appends a one-byte unit.
func (b *Builder) Byte(t, v uint8) *Builder {
	return b.Unit(t, []byte{v})
}

// Uint16 appends a two-byte big-endian unit.
func (b *Builder) Uint16(t uint8, v uint16) *Builder {
	return b.Unit(t, []byte{byte(v >> 8), byte(v)})
}

// Uint32 appends a four-byte big-endian unit.
func (b *Builder) Uint32(t uint8, v uint32) *Builder {
	return b.Unit(t, []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// String appends a text unit.
func (b *Builder) String(t uint8, s string) *Builder {
	return b.Unit(t, []byte(s))
}

// Raw appends pre-encoded bytes.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// End appends the End-Of-Packet marker.
func (b *Builder) End() *Builder {
	b.buf = append(b.buf, UnitEndOfPacket)
	return b
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Bytes returns the assembled message.
func (b *Builder) Bytes() []byte {
	return b.buf
}
