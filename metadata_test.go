package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildColMetadataMessage renders a COLMETADATA body (without the tag
// byte, which decodeColMetadata doesn't consume) for n Int columns,
// each carrying userType=2, flags=3, colName="name".
func buildColMetadataMessage(n int) []byte {
	b := newTrackingBuffer(n * 8)
	b.writeUint16(uint16(n))
	for i := 0; i < n; i++ {
		b.writeUint32(2) // userType, TDS 7.2+ width
		b.writeUint16(3) // flags: nullable (bit 0) + one reserved bit
		b.WriteBuf([]byte{byte(typeInt4)})
		_ = b.writeBVarChar("name")
	}
	return b.Bytes()
}

func TestDecodeColMetadata1024Columns(t *testing.T) {
	msg := buildColMetadataMessage(1024)
	p := newStreamParser(nil, newLogger(0))
	p.buf = msg
	p.eom = true

	cols, err := decodeColMetadata(p, tds74)
	require.NoError(t, err)
	require.Len(t, cols, 1024)

	for _, col := range cols {
		assert.Equal(t, uint32(2), col.UserType)
		assert.Equal(t, uint16(3), col.Flags)
		assert.True(t, col.Nullable)
		assert.Equal(t, "name", col.Name)
		assert.Equal(t, typeInt4, col.Type.id)
	}
}

func TestUserTypeIsWide(t *testing.T) {
	assert.False(t, userTypeIsWide(tds71))
	assert.False(t, userTypeIsWide(tds71rev1))
	assert.True(t, userTypeIsWide(tds72))
	assert.True(t, userTypeIsWide(tds74))
}
