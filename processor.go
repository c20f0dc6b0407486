package strand

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Processor frames an inbound byte stream into discrete messages. The
// default is LengthPrefixProcessor; applications with a different wire
// format supply their own through Config.
type Processor interface {
	// HeaderSize is the number of leading bytes that carry the frame
	// length.
	HeaderSize() int
	// Length parses a complete header and returns the payload length it
	// declares.
	Length(header []byte) (int, error)
	// NewPacket wraps one complete payload as an inbound packet.
	NewPacket(payload []byte) *Packet
}

// LengthPrefixProcessor frames by "length prefix covers payload only": a
// uint32 little-endian payload length that does not count itself, followed
// by that many payload bytes.
type LengthPrefixProcessor struct{}

// HeaderSize returns 4.
func (LengthPrefixProcessor) HeaderSize() int { return lenHeaderSize }

// Length returns the payload length the header declares.
func (LengthPrefixProcessor) Length(header []byte) (int, error) {
	n := binary.LittleEndian.Uint32(header)
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: header declares %d bytes", ErrFrameTooLarge, n)
	}
	return int(n), nil
}

// NewPacket wraps payload as an inbound packet.
func (LengthPrefixProcessor) NewPacket(payload []byte) *Packet {
	return NewPacketFrom(payload)
}

// assembler tracks partial frames inside a connection's receive window.
// Exactly one read loop owns it, so it needs no locking. The window is the
// connection's arena slice; dataStart..next is the buffered-but-unframed
// region and next.. is free space for the next read.
type assembler struct {
	proc      Processor
	window    []byte
	dataStart int
	next      int
}

func newAssembler(proc Processor, window []byte) *assembler {
	return &assembler{proc: proc, window: window}
}

// writeWindow returns the free region the next read lands in. It is never
// empty: advance compacts whenever the tail cannot hold what the current
// frame still needs.
func (a *assembler) writeWindow() []byte {
	return a.window[a.next:]
}

// advance consumes k freshly received bytes and emits every complete frame
// buffered so far, in order. A frame that cannot fit the window at all
// fails with ErrFrameTooLarge; the caller must close the connection.
func (a *assembler) advance(k int, emit func(*Packet)) error {
	a.next += k
	hdr := a.proc.HeaderSize()
	for {
		avail := a.next - a.dataStart
		if avail < hdr {
			break
		}
		msgLen, err := a.proc.Length(a.window[a.dataStart : a.dataStart+hdr])
		if err != nil {
			return err
		}
		if msgLen < 0 || msgLen > len(a.window)-hdr {
			return fmt.Errorf("%w: %d bytes declared, window holds at most %d",
				ErrFrameTooLarge, msgLen, len(a.window)-hdr)
		}
		if avail < hdr+msgLen {
			break
		}
		emit(a.proc.NewPacket(a.window[a.dataStart+hdr : a.dataStart+hdr+msgLen]))
		a.dataStart += hdr + msgLen
	}
	a.compact()
	return nil
}

// compact moves the residual bytes to the window start when the free tail
// can no longer hold what the current frame still needs.
func (a *assembler) compact() {
	if a.dataStart == 0 {
		return
	}
	residual := a.next - a.dataStart
	if residual == 0 {
		a.dataStart, a.next = 0, 0
		return
	}
	hdr := a.proc.HeaderSize()
	needed := hdr
	if residual >= hdr {
		// Header already buffered; advance validated it.
		n, err := a.proc.Length(a.window[a.dataStart : a.dataStart+hdr])
		if err == nil {
			needed = hdr + n
		}
	}
	if a.dataStart+needed > len(a.window) {
		copy(a.window, a.window[a.dataStart:a.next])
		a.dataStart = 0
		a.next = residual
	}
}

// buffered returns the number of received bytes not yet framed.
func (a *assembler) buffered() int {
	return a.next - a.dataStart
}
