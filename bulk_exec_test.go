package mssql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoAckMessage wires the two server replies a successful bulk load
// consumes: the prelude's acknowledgement DONE, then the final DONE
// carrying the inserted row count.
func twoAckMessage(preludeRowCount, finalRowCount uint64) []byte {
	var all []byte
	all = append(all, packMessage(packReply, doneTokenBytes(doneFinal, preludeRowCount))...)
	all = append(all, packMessage(packReply, doneTokenBytes(doneFinal|doneCount, finalRowCount))...)
	return all
}

func newExecTestBulk(t *testing.T) (*BulkLoad, *error, *uint64) {
	t.Helper()
	var gotErr error
	var gotRows uint64
	b, err := NewBulkLoad("dbo.Target", BulkOptions{}, func(e error, n uint64) {
		gotErr = e
		gotRows = n
	})
	require.NoError(t, err)
	require.NoError(t, b.addColumn("id", "int", ColumnOption{}))
	require.NoError(t, b.addColumn("name", "varchar", ColumnOption{Length: 50}))
	return b, &gotErr, &gotRows
}

func TestBulkLoadExecSucceedsAndReportsRowCount(t *testing.T) {
	b, gotErr, gotRows := newExecTestBulk(t)
	sess := NewSession(newFakeTransport(twoAckMessage(0, 2)), tds74, 0)

	rs := NewSliceRowSource([]Row{
		[]interface{}{int64(1), "alice"},
		[]interface{}{int64(2), "bob"},
	})
	b.Exec(context.Background(), sess, rs)

	assert.NoError(t, *gotErr)
	assert.Equal(t, uint64(2), *gotRows)
	assert.Equal(t, bulkCompleted, b.phase)
	assert.Equal(t, StateLoggedIn, sess.state)
}

func TestBulkLoadExecPropagatesRowSourceError(t *testing.T) {
	b, gotErr, gotRows := newExecTestBulk(t)
	sess := NewSession(newFakeTransport(doneMessageOnly()), tds74, 0)

	boom := assert.AnError
	rs := NewSyncIteratorRowSource(func() (Row, bool, error) {
		return nil, false, boom
	})
	b.Exec(context.Background(), sess, rs)

	assert.ErrorIs(t, *gotErr, boom)
	assert.Equal(t, uint64(0), *gotRows)
	assert.Equal(t, bulkErrored, b.phase)
}

func TestBulkLoadExecHonorsPriorCancelRequest(t *testing.T) {
	b, gotErr, gotRows := newExecTestBulk(t)
	b.Cancel()
	sess := NewSession(newFakeTransport(nil), tds74, 0)

	b.Exec(context.Background(), sess, NewSliceRowSource(nil))

	assert.ErrorIs(t, *gotErr, ErrCanceled)
	assert.Equal(t, uint64(0), *gotRows)
	assert.Equal(t, bulkCancelled, b.phase)
}

func TestBulkLoadExecInvokesCallbackExactlyOnceEvenWithLateTimer(t *testing.T) {
	b, gotErr, gotRows := newExecTestBulk(t)
	sess := NewSession(newFakeTransport(twoAckMessage(0, 1)), tds74, 0)
	b.SetTimeout(50)

	rs := NewSliceRowSource([]Row{[]interface{}{int64(1), "alice"}})
	b.Exec(context.Background(), sess, rs)

	assert.NoError(t, *gotErr)
	assert.Equal(t, uint64(1), *gotRows)

	// The timeout timer, if it fires after Exec already settled, must
	// be a no-op: settle stops the timer, and requestCancel ignores a
	// request once the phase is completed.
	time.Sleep(75 * time.Millisecond)
	assert.NoError(t, *gotErr)
	assert.Equal(t, uint64(1), *gotRows)
}

func doneMessageOnly() []byte {
	return packMessage(packReply, doneTokenBytes(doneFinal, 0))
}

func TestBulkLoadExecCancelMidStreamStopsBeforeExhaustingRows(t *testing.T) {
	b, gotErr, gotRows := newExecTestBulk(t)
	var all []byte
	all = append(all, packMessage(packReply, doneTokenBytes(doneFinal, 0))...)
	all = append(all, packMessage(packReply, doneTokenBytes(doneFinal|doneAttn, 0))...)
	sess := NewSession(newFakeTransport(all), tds74, 0)

	calls := 0
	rs := NewSyncIteratorRowSource(func() (Row, bool, error) {
		calls++
		switch calls {
		case 1:
			return []interface{}{int64(1), "alice"}, true, nil
		case 2:
			b.Cancel()
			return []interface{}{int64(2), "bob"}, true, nil
		default:
			t.Fatalf("row source pulled a third time after cancel was requested")
			return nil, false, nil
		}
	})

	b.Exec(context.Background(), sess, rs)

	assert.ErrorIs(t, *gotErr, ErrCanceled)
	assert.Equal(t, uint64(0), *gotRows)
	assert.Equal(t, bulkCancelled, b.phase)
	assert.LessOrEqual(t, calls, 2)
}

func TestBulkLoadExecTimeoutFiresDuringRowStream(t *testing.T) {
	b, gotErr, gotRows := newExecTestBulk(t)
	var all []byte
	all = append(all, packMessage(packReply, doneTokenBytes(doneFinal, 0))...)
	all = append(all, packMessage(packReply, doneTokenBytes(doneFinal|doneAttn, 0))...)
	sess := NewSession(newFakeTransport(all), tds74, 0)
	b.SetTimeout(10)

	calls := 0
	rs := NewSyncIteratorRowSource(func() (Row, bool, error) {
		calls++
		if calls == 1 {
			time.Sleep(30 * time.Millisecond) // outlasts the 10ms timeout
		}
		return []interface{}{int64(calls), "row"}, true, nil
	})

	b.Exec(context.Background(), sess, rs)

	var timeoutErr *TimeoutError
	assert.ErrorAs(t, *gotErr, &timeoutErr)
	assert.Equal(t, uint64(0), *gotRows)
	assert.Equal(t, bulkCancelled, b.phase)
}
