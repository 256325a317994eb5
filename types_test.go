package mssql

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripColumnValue encodes v through a dataType's own
// emitLengthPrefix/emitValueData and decodes the resulting bytes back
// through decodeColumnValue, exercising the two directions against
// each other rather than a fixed wire fixture.
func roundTripColumnValue(t *testing.T, col *ColumnDef, v interface{}) interface{} {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(col.Type.emitLengthPrefix(v, col))
	require.NoError(t, col.Type.emitValueData(&buf, v, col))

	p := newLoadedParser(buf.Bytes())
	got, err := decodeColumnValue(p, col)
	require.NoError(t, err)
	return got
}

func TestDecimalRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("decimal")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Precision: 18, Scale: 2}

	in := decimal.NewFromFloat(1234.56)
	got := roundTripColumnValue(t, col, in)

	gotDec, ok := got.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, in.Equal(gotDec), "want %s got %s", in, gotDec)
}

func TestDecimalRoundTripNegative(t *testing.T) {
	dt, err := LookupTypeByName("numeric")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Precision: 28, Scale: 4}

	in := decimal.NewFromFloat(-98765.4321)
	got := roundTripColumnValue(t, col, in)

	gotDec, ok := got.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, in.Equal(gotDec), "want %s got %s", in, gotDec)
}

func TestDecimalRoundTripNull(t *testing.T) {
	dt, err := LookupTypeByName("decimal")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Precision: 18, Scale: 2}

	got := roundTripColumnValue(t, col, nil)
	assert.Nil(t, got)
}

func TestMoneyRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("money")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt}

	in := decimal.NewFromFloat(19.99)
	got := roundTripColumnValue(t, col, in)

	gotDec, ok := got.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, in.Equal(gotDec), "want %s got %s", in, gotDec)
}

func TestSmallMoneyRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("smallmoney")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt}

	in := decimal.NewFromFloat(5.25)
	got := roundTripColumnValue(t, col, in)

	gotDec, ok := got.(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, in.Equal(gotDec), "want %s got %s", in, gotDec)
}

func TestDateTime2RoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("datetime2")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Scale: 7}

	in := time.Date(2024, time.March, 15, 13, 45, 30, 123456700, time.UTC)
	got := roundTripColumnValue(t, col, in)

	gotTime, ok := got.(time.Time)
	require.True(t, ok)
	assert.True(t, in.Equal(gotTime), "want %s got %s", in, gotTime)
}

func TestDateRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("date")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt}

	in, err := toCivilDate("2023-11-02")
	require.NoError(t, err)
	got := roundTripColumnValue(t, col, in)

	assert.Equal(t, in, got)
}

func TestIntRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("int")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt}

	got := roundTripColumnValue(t, col, int64(-100042))
	assert.EqualValues(t, -100042, got)
}

func TestVarCharRoundTripNull(t *testing.T) {
	dt, err := LookupTypeByName("varchar")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Length: 50}

	got := roundTripColumnValue(t, col, nil)
	assert.Nil(t, got)
}

func TestVarCharRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("varchar")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Length: 50}

	got := roundTripColumnValue(t, col, "hello world")
	assert.Equal(t, "hello world", got)
}

func TestNVarCharRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("nvarchar")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Length: 50}

	got := roundTripColumnValue(t, col, "héllo")
	assert.Equal(t, "héllo", got)
}

func TestVarBinaryRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("varbinary")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt, Length: 16}

	got := roundTripColumnValue(t, col, []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestUniqueIdentifierRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("uniqueidentifier")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt}

	id := uuid.New()
	got := roundTripColumnValue(t, col, id)
	assert.Equal(t, id, got)
}

func TestBitRoundTrip(t *testing.T) {
	dt, err := LookupTypeByName("bit")
	require.NoError(t, err)
	col := &ColumnDef{Type: dt}

	got := roundTripColumnValue(t, col, true)
	assert.Equal(t, true, got)

	gotFalse := roundTripColumnValue(t, col, false)
	assert.Equal(t, false, gotFalse)
}
