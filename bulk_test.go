package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBulkLoad(t *testing.T, opts BulkOptions) *BulkLoad {
	t.Helper()
	b, err := NewBulkLoad("dbo.Target", opts, func(error, uint64) {})
	require.NoError(t, err)
	return b
}

func TestNewBulkLoadRejectsBadOrderDirection(t *testing.T) {
	_, err := NewBulkLoad("dbo.Target", BulkOptions{Order: map[string]string{"id": "sideways"}}, nil)
	require.Error(t, err)
	assert.Equal(t, `The value of the "id" key in the "options.order" object must be either "ASC" or "DESC".`, err.Error())
}

func TestAddColumnFailsAfterExecutionStarted(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	require.NoError(t, b.addColumn("id", "int", ColumnOption{}))

	b.phase = bulkExecuting

	err := b.addColumn("late", "int", ColumnOption{})
	require.Error(t, err)
	assert.Equal(t, "Columns cannot be added to bulk insert after execution has started.", err.Error())
}

func TestAddColumnUnknownType(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	err := b.addColumn("id", "not_a_type", ColumnOption{})
	require.Error(t, err)
}

func TestGetTableCreationSql(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	require.NoError(t, b.addColumn("id", "int", ColumnOption{}))
	require.NoError(t, b.addColumn("name", "varchar", ColumnOption{Nullable: true, Length: 50}))

	sql := b.getTableCreationSql()
	assert.Equal(t, "CREATE TABLE dbo.Target ([id] int NOT NULL, [name] varchar(50) NULL)", sql)
}

func TestPreludeSQLWithOptions(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{
		CheckConstraints: true,
		FireTriggers:     true,
		KeepNulls:        true,
		Order:            map[string]string{"b": "DESC", "a": "ASC"},
	})
	require.NoError(t, b.addColumn("a", "int", ColumnOption{}))
	require.NoError(t, b.addColumn("b", "int", ColumnOption{}))

	sql := b.preludeSQL()
	assert.Equal(t,
		"INSERT BULK dbo.Target ([a] int, [b] int) WITH (CHECK_CONSTRAINTS, FIRE_TRIGGERS, KEEP_NULLS, ORDER([a] ASC, [b] DESC))",
		sql)
}

func TestPreludeSQLWithoutOptions(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	require.NoError(t, b.addColumn("a", "int", ColumnOption{}))

	assert.Equal(t, "INSERT BULK dbo.Target ([a] int)", b.preludeSQL())
}

func TestQuoteIdentEscapesBrackets(t *testing.T) {
	assert.Equal(t, "[a]]b]", quoteIdent("a]b"))
}

// settle invokes the completion callback exactly once even if called
// twice (e.g. a late-firing timer racing a normal return).
func TestSettleInvokesCallbackExactlyOnce(t *testing.T) {
	calls := 0
	var lastErr error
	var lastCount uint64
	b, err := NewBulkLoad("dbo.Target", BulkOptions{}, func(e error, n uint64) {
		calls++
		lastErr = e
		lastCount = n
	})
	require.NoError(t, err)

	b.settle(nil, 42)
	b.settle(ErrCanceled, 0) // late call after settlement: must be a no-op

	assert.Equal(t, 1, calls)
	assert.NoError(t, lastErr)
	assert.Equal(t, uint64(42), lastCount)
	assert.Equal(t, bulkCompleted, b.phase)
}

func TestSettlePhaseCancelled(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	b.settle(ErrCanceled, 0)
	assert.Equal(t, bulkCancelled, b.phase)
}

func TestSettlePhaseErrored(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	b.settle(&TransportError{Cause: assert.AnError}, 0)
	assert.Equal(t, bulkErrored, b.phase)
}

func TestCancelIsIdempotent(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	b.Cancel()
	firstErr := b.currentCancelErr()
	b.Cancel()

	assert.True(t, b.isCancelRequested())
	assert.Same(t, ErrCanceled, firstErr)
	assert.Same(t, ErrCanceled, b.currentCancelErr())
}

// Cancel after the request has already settled must not flip the
// recorded phase back or record a cancellation error.
func TestCancelAfterCompletionIsNoOp(t *testing.T) {
	b := newTestBulkLoad(t, BulkOptions{})
	b.settle(nil, 1)

	b.Cancel()

	assert.False(t, b.isCancelRequested())
	assert.Nil(t, b.currentCancelErr())
	assert.Equal(t, bulkCompleted, b.phase)
}

func TestNormalizeRowPositional(t *testing.T) {
	cols := []*ColumnDef{{Name: "a"}, {Name: "b"}}
	out, err := normalizeRow([]interface{}{1, "x"}, cols)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, "x"}, out)
}

func TestNormalizeRowPositionalLengthMismatch(t *testing.T) {
	cols := []*ColumnDef{{Name: "a"}, {Name: "b"}}
	_, err := normalizeRow([]interface{}{1}, cols)
	require.Error(t, err)
}

func TestNormalizeRowMapProjection(t *testing.T) {
	cols := []*ColumnDef{{Name: "a"}, {Name: "b"}}
	out, err := normalizeRow(map[string]interface{}{"b": "y", "a": 7}, cols)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{7, "y"}, out)
}

func TestNormalizeRowUnsupportedType(t *testing.T) {
	cols := []*ColumnDef{{Name: "a"}}
	_, err := normalizeRow(42, cols)
	require.Error(t, err)
}

func TestValidateRowWrapsColumnFailure(t *testing.T) {
	intType, err := LookupTypeByName("int")
	require.NoError(t, err)
	cols := []*ColumnDef{{Name: "id", Type: intType}}

	_, err = validateRow(cols, []interface{}{"not an int"})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Column)
}

func TestValidateRowPassesNilThrough(t *testing.T) {
	intType, err := LookupTypeByName("int")
	require.NoError(t, err)
	cols := []*ColumnDef{{Name: "id", Type: intType}}

	out, err := validateRow(cols, []interface{}{nil})
	require.NoError(t, err)
	assert.Nil(t, out[0])
}

func TestDateValidatorRejectsGarbage(t *testing.T) {
	dateType, err := LookupTypeByName("date")
	require.NoError(t, err)
	cols := []*ColumnDef{{Name: "d", Type: dateType}}

	_, err = validateRow(cols, []interface{}{42})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Invalid date.", verr.Cause.Error())
}

// writeColMetadataHeader/writeRowToken are the write-direction mirror
// of decodeColMetadata/decodeRow; round-tripping through a buffer
// exercises both sides against the same column set.
func TestWriteColMetadataAndRowRoundTrip(t *testing.T) {
	intType, err := LookupTypeByName("int")
	require.NoError(t, err)
	varcharType, err := LookupTypeByName("varchar")
	require.NoError(t, err)

	cols := []*ColumnDef{
		{Name: "id", Type: intType, Length: 4},
		{Name: "name", Type: varcharType, Nullable: true, Length: 50},
	}

	buf := newTrackingBuffer(64)
	require.NoError(t, writeColMetadataHeader(writerFunc(buf.WriteBuf), cols, tds74))

	values := []interface{}{int64(7), "hello"}
	require.NoError(t, writeRowToken(writerFunc(buf.WriteBuf), cols, values))

	p := newStreamParser(nil, newLogger(0))
	p.buf = buf.Bytes()
	p.eom = true

	tok, err := decodeToken(p, tds74)
	require.NoError(t, err)
	cm, ok := tok.(ColMetadataToken)
	require.True(t, ok)
	require.Len(t, cm.Columns, 2)
	assert.Equal(t, "id", cm.Columns[0].Name)
	assert.Equal(t, "name", cm.Columns[1].Name)
	assert.True(t, cm.Columns[1].Nullable)

	tagByte, err := p.readByte()
	require.NoError(t, err)
	require.Equal(t, tagRow, tokenTag(tagByte))

	rowTok, err := decodeRow(p, cm.Columns)
	require.NoError(t, err)
	row, ok := rowTok.(RowToken)
	require.True(t, ok)
	require.Len(t, row.Values, 2)
	assert.EqualValues(t, 7, row.Values[0])
	assert.Equal(t, "hello", row.Values[1])
}

// writerFunc adapts a WriteBuf-shaped method to io.Writer for tests
// that only need to feed bytes in, never observe n/err beyond success.
type writerFunc func([]byte)

func (f writerFunc) Write(p []byte) (int, error) {
	f(p)
	return len(p), nil
}
