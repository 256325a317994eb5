package mssql

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCollationUTF8(t *testing.T) {
	raw, err := hex.DecodeString("0904e02400")
	require.NoError(t, err)

	c := parseCollation(raw)

	assert.Equal(t, uint32(0x0409), c.lcid)
	assert.Equal(t, uint8(0), c.sortID)
	assert.Equal(t, uint8(2), c.version)
	assert.True(t, c.utf8())
	assert.True(t, c.ignoreAccent())
	assert.True(t, c.ignoreKana())
	assert.True(t, c.ignoreWidth())
	assert.Equal(t, "utf8", c.codepage())
}

func TestParseCollationDefaultCodepage(t *testing.T) {
	c := parseCollation(defaultCollationBytes())

	assert.Equal(t, uint32(0x0409), c.lcid)
	assert.False(t, c.utf8())
	assert.Equal(t, "CP1252", c.codepage())
}

func TestCollationSortIDFallback(t *testing.T) {
	// lcid=0, sortId=30 (CP437), no UTF8 flag.
	c := collation{lcid: 0, sortID: 30}
	assert.Equal(t, "CP437", c.codepage())
}
