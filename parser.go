package mssql

import (
	"math"
	"sync/atomic"

	"github.com/google/uuid"
)

// streamParser is a suspendable reader over the logical byte stream
// reassembled from zero or more inbound packets. Unlike the teacher's
// callback-per-read continuations (token.go predates native
// coroutines upstream), this generalizes the primitive-reader idiom
// onto a goroutine that blocks on packetReader.readPacket — Go's
// native suspension point — per the design note in spec.md §9.
type streamParser struct {
	pr        *packetReader
	lg        *logger
	buf       []byte
	pos       int
	eom       bool
	msgType   packetType
	cancelled *int32
}

func newStreamParser(pr *packetReader, lg *logger) *streamParser {
	return &streamParser{pr: pr, lg: lg, cancelled: new(int32)}
}

func (p *streamParser) setCancelled()    { atomic.StoreInt32(p.cancelled, 1) }
func (p *streamParser) isCancelled() bool { return atomic.LoadInt32(p.cancelled) != 0 }

// need ensures at least n unread bytes are buffered, pulling further
// packets from the transport as required. Returns a ProtocolError if
// the message ends (EOM) before n bytes are available.
func (p *streamParser) need(n int) error {
	for len(p.buf)-p.pos < n {
		if p.eom {
			return protocolErrorf("truncated message: need %d bytes, have %d", n, len(p.buf)-p.pos)
		}
		h, chunk, err := p.pr.readPacket(p.lg)
		if err != nil {
			return err
		}
		if p.msgType == 0 {
			p.msgType = h.packetType
		}
		// compact the already-consumed prefix so the buffer doesn't
		// grow unboundedly across a long-running token stream.
		if p.pos > 0 {
			p.buf = append(p.buf[:0], p.buf[p.pos:]...)
			p.pos = 0
		}
		p.buf = append(p.buf, chunk...)
		if h.isEOM() {
			p.eom = true
		}
	}
	return nil
}

func (p *streamParser) take(n int) ([]byte, error) {
	if err := p.need(n); err != nil {
		return nil, err
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

func (p *streamParser) readByte() (byte, error) {
	b, err := p.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *streamParser) readUint16() (uint16, error) {
	b, err := p.take(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (p *streamParser) readUint24() (uint32, error) {
	b, err := p.take(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

func (p *streamParser) readUint32() (uint32, error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (p *streamParser) readUint64() (uint64, error) {
	b, err := p.take(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (p *streamParser) readInt8() (int8, error) {
	b, err := p.readByte()
	return int8(b), err
}
func (p *streamParser) readInt16() (int16, error) {
	v, err := p.readUint16()
	return int16(v), err
}
func (p *streamParser) readInt32() (int32, error) {
	v, err := p.readUint32()
	return int32(v), err
}
func (p *streamParser) readInt64() (int64, error) {
	v, err := p.readUint64()
	return int64(v), err
}

func (p *streamParser) readFloat32() (float32, error) {
	v, err := p.readUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (p *streamParser) readFloat64() (float64, error) {
	v, err := p.readUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (p *streamParser) readBuffer(n int) ([]byte, error) {
	b, err := p.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (p *streamParser) readAscii(n int) (string, error) {
	b, err := p.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readBVarChar reads a u8 character count followed by 2*count bytes
// decoded as UCS-2 LE.
func (p *streamParser) readBVarChar() (string, error) {
	n, err := p.readByte()
	if err != nil {
		return "", err
	}
	b, err := p.take(int(n) * 2)
	if err != nil {
		return "", err
	}
	return ucs22str(b)
}

// readUsVarChar reads a u16 character count followed by 2*count bytes
// decoded as UCS-2 LE.
func (p *streamParser) readUsVarChar() (string, error) {
	n, err := p.readUint16()
	if err != nil {
		return "", err
	}
	b, err := p.take(int(n) * 2)
	if err != nil {
		return "", err
	}
	return ucs22str(b)
}

// readBVarByte reads a u8 byte count followed by that many raw bytes
// (B_VARBYTE), used by several ENVCHANGE records.
func (p *streamParser) readBVarByte() ([]byte, error) {
	n, err := p.readByte()
	if err != nil {
		return nil, err
	}
	return p.readBuffer(int(n))
}

// readUUID reads 16 bytes in MS-GUID mixed-endian order and returns
// the canonical (RFC 4122) uuid.UUID.
func (p *streamParser) readUUID() (uuid.UUID, error) {
	b, err := p.take(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	return msGUIDToUUID(b), nil
}

