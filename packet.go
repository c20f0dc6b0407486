package strand

import (
	"encoding/binary"
	"math"

	"github.com/valyala/bytebufferpool"
)

// lenHeaderSize is the number of bytes reserved at the head of an outbound
// packet for the frame length prefix.
const lenHeaderSize = 4

// Packet is a sequential typed reader and writer over a pooled byte buffer.
// All multi-byte values are little-endian.
//
// A packet is either inbound (read mode, produced by a Processor from a
// received frame) or outbound (write mode, produced by NewPacket). Outbound
// packets reserve four bytes up front; the frame length is stamped there the
// first time Bytes is called, after which the packet is sealed and further
// writes fail with ErrInvalidOperation.
//
// Send takes ownership of an outbound packet and releases it once written.
// Inbound packets are released by the engine after the message callback
// returns; a callback that needs the payload later must copy it out.
type Packet struct {
	buf      *bytebufferpool.ByteBuffer
	pos      int
	readable bool
	sealed   bool
}

// NewPacket returns an empty outbound packet with the length header
// reserved.
func NewPacket() *Packet {
	p := &Packet{buf: bytebufferpool.Get()}
	var hdr [lenHeaderSize]byte
	p.buf.Write(hdr[:])
	return p
}

// NewPacketFrom returns an inbound packet holding a copy of payload. The
// copy is deliberate: the engine reuses the receive window the payload was
// framed from as soon as dispatch is queued.
func NewPacketFrom(payload []byte) *Packet {
	p := &Packet{buf: bytebufferpool.Get(), readable: true}
	p.buf.Write(payload)
	return p
}

// Bytes returns the wire bytes of the packet. On an outbound packet the
// first call stamps the length prefix (total size minus the header) and
// seals the packet.
func (p *Packet) Bytes() []byte {
	if p.buf == nil {
		return nil
	}
	if !p.readable && !p.sealed {
		binary.LittleEndian.PutUint32(p.buf.B[:lenHeaderSize], uint32(len(p.buf.B)-lenHeaderSize))
		p.sealed = true
	}
	return p.buf.B
}

// Len returns the number of bytes currently held, the reserved length
// header included for outbound packets.
func (p *Packet) Len() int {
	if p.buf == nil {
		return 0
	}
	return len(p.buf.B)
}

// Remaining returns the number of unread bytes of an inbound packet.
func (p *Packet) Remaining() int {
	if p.buf == nil || !p.readable {
		return 0
	}
	return len(p.buf.B) - p.pos
}

// Clone returns an outbound copy of the packet's payload, sharing nothing
// with the original. Used when the same message goes to several
// connections, since Send takes ownership.
func (p *Packet) Clone() *Packet {
	dup := NewPacket()
	if p.buf == nil {
		return dup
	}
	if p.readable {
		dup.buf.Write(p.buf.B)
	} else {
		dup.buf.Write(p.buf.B[lenHeaderSize:])
	}
	return dup
}

// Release returns the backing buffer to the pool. Safe to call twice; any
// read or write afterwards fails with ErrInvalidOperation.
func (p *Packet) Release() {
	if p.buf != nil {
		bytebufferpool.Put(p.buf)
		p.buf = nil
	}
}

func (p *Packet) writable() error {
	if p.buf == nil || p.readable || p.sealed {
		return ErrInvalidOperation
	}
	return nil
}

// next consumes n bytes of an inbound packet.
func (p *Packet) next(n int) ([]byte, error) {
	if p.buf == nil || !p.readable {
		return nil, ErrInvalidOperation
	}
	if p.pos+n > len(p.buf.B) {
		return nil, ErrEndOfStream
	}
	b := p.buf.B[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

// WriteUint8 appends one byte.
func (p *Packet) WriteUint8(v uint8) error {
	if err := p.writable(); err != nil {
		return err
	}
	p.buf.B = append(p.buf.B, v)
	return nil
}

// WriteInt8 appends one byte.
func (p *Packet) WriteInt8(v int8) error { return p.WriteUint8(uint8(v)) }

// WriteBool appends one byte, 1 for true and 0 for false.
func (p *Packet) WriteBool(v bool) error {
	if v {
		return p.WriteUint8(1)
	}
	return p.WriteUint8(0)
}

// WriteUint16 appends v little-endian.
func (p *Packet) WriteUint16(v uint16) error {
	if err := p.writable(); err != nil {
		return err
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	p.buf.Write(b[:])
	return nil
}

// WriteInt16 appends v little-endian.
func (p *Packet) WriteInt16(v int16) error { return p.WriteUint16(uint16(v)) }

// WriteUint32 appends v little-endian.
func (p *Packet) WriteUint32(v uint32) error {
	if err := p.writable(); err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.buf.Write(b[:])
	return nil
}

// WriteInt32 appends v little-endian.
func (p *Packet) WriteInt32(v int32) error { return p.WriteUint32(uint32(v)) }

// WriteUint64 appends v little-endian.
func (p *Packet) WriteUint64(v uint64) error {
	if err := p.writable(); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	p.buf.Write(b[:])
	return nil
}

// WriteInt64 appends v little-endian.
func (p *Packet) WriteInt64(v int64) error { return p.WriteUint64(uint64(v)) }

// WriteFloat32 appends the IEEE-754 bits of v little-endian.
func (p *Packet) WriteFloat32(v float32) error {
	return p.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 appends the IEEE-754 bits of v little-endian.
func (p *Packet) WriteFloat64(v float64) error {
	return p.WriteUint64(math.Float64bits(v))
}

// WriteString appends a uint32 byte length followed by the UTF-8 bytes.
func (p *Packet) WriteString(s string) error {
	if err := p.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	p.buf.WriteString(s)
	return nil
}

// WriteBytes appends a uint32 count followed by the raw bytes.
func (p *Packet) WriteBytes(b []byte) error {
	if err := p.WriteUint32(uint32(len(b))); err != nil {
		return err
	}
	p.buf.Write(b)
	return nil
}

// WriteInt32Array appends a uint32 count followed by the elements.
func (p *Packet) WriteInt32Array(vs []int32) error {
	if err := p.WriteUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := p.WriteInt32(v); err != nil {
			return err
		}
	}
	return nil
}

// WriteFloat64Array appends a uint32 count followed by the elements.
func (p *Packet) WriteFloat64Array(vs []float64) error {
	if err := p.WriteUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := p.WriteFloat64(v); err != nil {
			return err
		}
	}
	return nil
}

// WriteStringArray appends a uint32 count followed by the encoded strings.
func (p *Packet) WriteStringArray(vs []string) error {
	if err := p.WriteUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := p.WriteString(v); err != nil {
			return err
		}
	}
	return nil
}

// ReadUint8 reads one byte.
func (p *Packet) ReadUint8() (uint8, error) {
	b, err := p.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt8 reads one byte.
func (p *Packet) ReadInt8() (int8, error) {
	v, err := p.ReadUint8()
	return int8(v), err
}

// ReadBool reads one byte, any non-zero value meaning true.
func (p *Packet) ReadBool() (bool, error) {
	v, err := p.ReadUint8()
	return v != 0, err
}

// ReadUint16 reads a little-endian uint16.
func (p *Packet) ReadUint16() (uint16, error) {
	b, err := p.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt16 reads a little-endian int16.
func (p *Packet) ReadInt16() (int16, error) {
	v, err := p.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a little-endian uint32.
func (p *Packet) ReadUint32() (uint32, error) {
	b, err := p.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads a little-endian int32.
func (p *Packet) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (p *Packet) ReadUint64() (uint64, error) {
	b, err := p.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt64 reads a little-endian int64.
func (p *Packet) ReadInt64() (int64, error) {
	v, err := p.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a little-endian IEEE-754 float32.
func (p *Packet) ReadFloat32() (float32, error) {
	v, err := p.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a little-endian IEEE-754 float64.
func (p *Packet) ReadFloat64() (float64, error) {
	v, err := p.ReadUint64()
	return math.Float64frombits(v), err
}

// readCount reads an array count and rejects counts that cannot fit in the
// remaining bytes, elemSize being the minimum encoded size of one element.
func (p *Packet) readCount(elemSize int) (int, error) {
	v, err := p.ReadUint32()
	if err != nil {
		return 0, err
	}
	n := int(v)
	if n < 0 || n*elemSize > p.Remaining() {
		return 0, ErrEndOfStream
	}
	return n, nil
}

// ReadString reads a uint32 byte length followed by the UTF-8 bytes.
func (p *Packet) ReadString() (string, error) {
	n, err := p.readCount(1)
	if err != nil {
		return "", err
	}
	b, err := p.next(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a uint32 count followed by the raw bytes. The returned
// slice is a copy and stays valid after Release.
func (p *Packet) ReadBytes() ([]byte, error) {
	n, err := p.readCount(1)
	if err != nil {
		return nil, err
	}
	b, err := p.next(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadInt32Array reads a uint32 count followed by the elements.
func (p *Packet) ReadInt32Array() ([]int32, error) {
	n, err := p.readCount(4)
	if err != nil {
		return nil, err
	}
	vs := make([]int32, n)
	for i := range vs {
		if vs[i], err = p.ReadInt32(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

// ReadFloat64Array reads a uint32 count followed by the elements.
func (p *Packet) ReadFloat64Array() ([]float64, error) {
	n, err := p.readCount(8)
	if err != nil {
		return nil, err
	}
	vs := make([]float64, n)
	for i := range vs {
		if vs[i], err = p.ReadFloat64(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

// ReadStringArray reads a uint32 count followed by the encoded strings.
func (p *Packet) ReadStringArray() ([]string, error) {
	n, err := p.readCount(4)
	if err != nil {
		return nil, err
	}
	vs := make([]string, n)
	for i := range vs {
		if vs[i], err = p.ReadString(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}
