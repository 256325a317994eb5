package mssql

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoadedParser(buf []byte) *streamParser {
	p := newStreamParser(nil, newLogger(0))
	p.buf = buf
	p.eom = true
	return p
}

func TestStreamParserPrimitiveRoundTrip(t *testing.T) {
	b := newTrackingBuffer(64)
	b.WriteBuf([]byte{0x42})
	b.writeUint16(0xBEEF)
	b.writeInt32(-12345)
	b.writeUint64(0x0102030405060708)
	b.writeFloat32(3.5)
	b.writeFloat64(-2.25)

	p := newLoadedParser(b.Bytes())

	by, err := p.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), by)

	u16, err := p.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u16)

	i32, err := p.readInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-12345), i32)

	u64, err := p.readUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	f32, err := p.readFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), f32)

	f64, err := p.readFloat64()
	require.NoError(t, err)
	assert.Equal(t, -2.25, f64)
}

func TestStreamParserNeedErrorsOnTruncation(t *testing.T) {
	p := newLoadedParser([]byte{1, 2})
	_, err := p.readUint32()
	require.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestStreamParserBVarCharRoundTrip(t *testing.T) {
	b := newTrackingBuffer(32)
	require.NoError(t, b.writeBVarChar("hello"))

	p := newLoadedParser(b.Bytes())
	s, err := p.readBVarChar()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestStreamParserUsVarCharRoundTrip(t *testing.T) {
	b := newTrackingBuffer(32)
	require.NoError(t, b.writeUsVarChar("wide string"))

	p := newLoadedParser(b.Bytes())
	s, err := p.readUsVarChar()
	require.NoError(t, err)
	assert.Equal(t, "wide string", s)
}

func TestStreamParserUUIDRoundTrip(t *testing.T) {
	id := uuid.New()
	b := newTrackingBuffer(16)
	b.writeUUID(id)

	p := newLoadedParser(b.Bytes())
	got, err := p.readUUID()
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestStreamParserReadBVarByteRoundTrip(t *testing.T) {
	p := newLoadedParser([]byte{3, 0xAA, 0xBB, 0xCC})
	got, err := p.readBVarByte()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)
}

func TestStreamParserTakeCompactsConsumedPrefixOnlyWhenPulling(t *testing.T) {
	// pos advances within an already-fully-buffered (eom) message; no
	// further packets are pulled so the buffer is never compacted.
	p := newLoadedParser([]byte{1, 2, 3, 4})
	_, _ = p.readByte()
	_, _ = p.readByte()
	assert.Equal(t, 2, p.pos)
	assert.Equal(t, 4, len(p.buf))
}
