// Package devicebus implements a generic threaded bus runtime for industrial
// field buses. It multiplexes a bounded send queue and a receive loop over a
// pluggable Driver, and leaves frame interpretation to higher layers such as
// pkg/canbus and pkg/canopen.
package devicebus

import "encoding/binary"

// Frame is a fixed-capacity binary message: an 11- or 29-bit identifier, a
// data length (0-8), and up to 8 payload octets. It is a value type and
// cheap to copy across goroutines.
type Frame struct {
	ID   uint32
	DLC  uint8
	Data [8]byte
}

// NewFrame builds a frame from an identifier and a literal payload. Data
// longer than 8 bytes is truncated; the DLC reflects the truncated length.
func NewFrame(id uint32, data ...byte) Frame {
	f := Frame{ID: id}
	n := len(data)
	if n > 8 {
		n = 8
	}
	copy(f.Data[:n], data[:n])
	f.DLC = uint8(n)
	return f
}

func (f Frame) WriteUint8(pos int, v uint8) Frame  { f.Data[pos] = v; return f }
func (f Frame) WriteInt8(pos int, v int8) Frame    { f.Data[pos] = uint8(v); return f }

func (f Frame) WriteUint16(pos int, v uint16) Frame {
	binary.LittleEndian.PutUint16(f.Data[pos:], v)
	return f
}

func (f Frame) WriteInt16(pos int, v int16) Frame {
	binary.LittleEndian.PutUint16(f.Data[pos:], uint16(v))
	return f
}

func (f Frame) WriteUint32(pos int, v uint32) Frame {
	binary.LittleEndian.PutUint32(f.Data[pos:], v)
	return f
}

func (f Frame) WriteInt32(pos int, v int32) Frame {
	binary.LittleEndian.PutUint32(f.Data[pos:], uint32(v))
	return f
}

func (f Frame) ReadUint8(pos int) uint8 { return f.Data[pos] }
func (f Frame) ReadInt8(pos int) int8   { return int8(f.Data[pos]) }

func (f Frame) ReadUint16(pos int) uint16 { return binary.LittleEndian.Uint16(f.Data[pos:]) }
func (f Frame) ReadInt16(pos int) int16   { return int16(binary.LittleEndian.Uint16(f.Data[pos:])) }

func (f Frame) ReadUint32(pos int) uint32 { return binary.LittleEndian.Uint32(f.Data[pos:]) }
func (f Frame) ReadInt32(pos int) int32   { return int32(binary.LittleEndian.Uint32(f.Data[pos:])) }
