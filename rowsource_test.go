package mssql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceRowSourceExhausts(t *testing.T) {
	rs := NewSliceRowSource([]Row{1, 2, 3})

	for _, want := range []int{1, 2, 3} {
		row, ok, err := rs.next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, row)
	}

	row, ok, err := rs.next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, row)
}

func TestSyncIteratorRowSourceDelegates(t *testing.T) {
	calls := 0
	rs := NewSyncIteratorRowSource(func() (Row, bool, error) {
		calls++
		if calls > 2 {
			return nil, false, nil
		}
		return calls, true, nil
	})

	row, ok, err := rs.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, row)

	row, ok, err = rs.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, row)

	_, ok, err = rs.next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannelRowSourceDrainsThenCloses(t *testing.T) {
	ch := make(chan RowOrError, 2)
	ch <- RowOrError{Row: "a"}
	ch <- RowOrError{Row: "b"}
	close(ch)

	rs := NewChannelRowSource(ch)

	row, ok, err := rs.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", row)

	row, ok, err = rs.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", row)

	_, ok, err = rs.next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannelRowSourcePropagatesProducerError(t *testing.T) {
	ch := make(chan RowOrError, 1)
	producerErr := errors.New("producer failed")
	ch <- RowOrError{Err: producerErr}
	close(ch)

	rs := NewChannelRowSource(ch)
	_, ok, err := rs.next()
	assert.False(t, ok)
	assert.Equal(t, producerErr, err)
}

func TestChannelRowSourceNextCtxHonorsCancellation(t *testing.T) {
	ch := make(chan RowOrError)
	rs := NewChannelRowSource(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := rs.nextCtx(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPullRowPrefersNextCtxWhenAvailable(t *testing.T) {
	ch := make(chan RowOrError, 1)
	ch <- RowOrError{Row: "fast"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	row, ok, err := pullRow(ctx, NewChannelRowSource(ch))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fast", row)
}

func TestPullRowFallsBackToPlainNext(t *testing.T) {
	rs := NewSliceRowSource([]Row{"only"})

	row, ok, err := pullRow(context.Background(), rs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "only", row)
}
