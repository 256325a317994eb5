package mssql

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// trackingBuffer is a growable little-endian byte sink with a write
// cursor. It never fails except on out-of-memory, which is fatal and
// left to panic the way append() would.
type trackingBuffer struct {
	buf []byte
}

func newTrackingBuffer(initialCap int) *trackingBuffer {
	if initialCap <= 0 {
		initialCap = 64
	}
	return &trackingBuffer{buf: make([]byte, 0, initialCap)}
}

func (b *trackingBuffer) Len() int        { return len(b.buf) }
func (b *trackingBuffer) Bytes() []byte   { return b.buf }
func (b *trackingBuffer) Reset()          { b.buf = b.buf[:0] }
func (b *trackingBuffer) WriteByte(v byte) error {
	b.buf = append(b.buf, v)
	return nil
}

func (b *trackingBuffer) WriteBuf(p []byte) { b.buf = append(b.buf, p...) }

func (b *trackingBuffer) writeUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *trackingBuffer) writeUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *trackingBuffer) writeUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *trackingBuffer) writeInt16(v int16) { b.writeUint16(uint16(v)) }
func (b *trackingBuffer) writeInt32(v int32) { b.writeUint32(uint32(v)) }
func (b *trackingBuffer) writeInt64(v int64) { b.writeUint64(uint64(v)) }

func (b *trackingBuffer) writeFloat32(v float32) { b.writeUint32(math.Float32bits(v)) }
func (b *trackingBuffer) writeFloat64(v float64) { b.writeUint64(math.Float64bits(v)) }

// writeBVarChar writes a BVARCHAR: a u8 character count followed by
// that many UCS-2 LE code units.
func (b *trackingBuffer) writeBVarChar(s string) error {
	u16, err := str2ucs2(s)
	if err != nil {
		return err
	}
	if len(u16)/2 > 255 {
		return protocolErrorf("BVARCHAR value too long: %d characters", len(u16)/2)
	}
	b.buf = append(b.buf, byte(len(u16)/2))
	b.buf = append(b.buf, u16...)
	return nil
}

// writeUsVarChar writes a USVARCHAR: a u16 character count followed by
// that many UCS-2 LE code units.
func (b *trackingBuffer) writeUsVarChar(s string) error {
	u16, err := str2ucs2(s)
	if err != nil {
		return err
	}
	if len(u16)/2 > 0xffff {
		return protocolErrorf("USVARCHAR value too long: %d characters", len(u16)/2)
	}
	b.writeUint16(uint16(len(u16) / 2))
	b.buf = append(b.buf, u16...)
	return nil
}

// writeDecimal appends a SQL Server NUMERIC/DECIMAL wire value: a sign
// byte (1 = positive) followed by the unscaled magnitude as a
// little-endian integer occupying dataLength-1 bytes.
func (b *trackingBuffer) writeDecimal(d decimal.Decimal, dataLength int) {
	sign := byte(1)
	coef := d.Coefficient()
	if coef.Sign() < 0 {
		sign = 0
		coef.Neg(coef)
	}
	b.buf = append(b.buf, sign)
	raw := coef.Bytes() // big-endian magnitude
	out := make([]byte, dataLength-1)
	for i := 0; i < len(raw) && i < len(out); i++ {
		out[i] = raw[len(raw)-1-i]
	}
	b.buf = append(b.buf, out...)
}

// writeUUID appends a GUID in MS-GUID mixed-endian wire order.
func (b *trackingBuffer) writeUUID(id uuid.UUID) {
	b.buf = append(b.buf, msGUIDBytes(id)...)
}

// msGUIDBytes reorders a canonical (big-endian, RFC 4122) UUID into
// the mixed-endian layout MS-TDS uses on the wire: the first three
// fields are little-endian, the last two are left as-is.
func msGUIDBytes(id uuid.UUID) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = id[3], id[2], id[1], id[0]
	out[4], out[5] = id[5], id[4]
	out[6], out[7] = id[7], id[6]
	copy(out[8:], id[8:])
	return out
}

// msGUIDToUUID reverses msGUIDBytes.
func msGUIDToUUID(raw []byte) uuid.UUID {
	var id uuid.UUID
	id[0], id[1], id[2], id[3] = raw[3], raw[2], raw[1], raw[0]
	id[4], id[5] = raw[5], raw[4]
	id[6], id[7] = raw[7], raw[6]
	copy(id[8:], raw[8:])
	return id
}
