package mssql

import "context"

// Row is one bulk-load input row: either an ordered tuple ([]interface{},
// positional) or a keyed mapping (map[string]interface{}, projected by
// column name) per spec.md §4.6 step 4.
type Row interface{}

// RowOrError is the element type of a channel-backed row source, used
// to carry a producer-side failure across the channel boundary without
// a second error-only channel.
type RowOrError struct {
	Row Row
	Err error
}

// rowSource is the single "pull one row, possibly suspending"
// abstraction spec.md §9's design note calls for, unifying the finite
// list / sync iterator / async iterator / stream shapes named in
// spec.md §6. next returns (nil, false, nil) at end of stream.
type rowSource interface {
	next() (row Row, ok bool, err error)
}

// ctxRowSource is implemented by row sources whose pull can suspend
// indefinitely (the async/channel shape) and therefore needs to honor
// cancellation while blocked, rather than only between calls.
type ctxRowSource interface {
	rowSource
	nextCtx(ctx context.Context) (row Row, ok bool, err error)
}

// pullRow calls nextCtx when rs supports it, otherwise falls back to
// the plain blocking next — the bulk engine's row loop doesn't need to
// know which shape it was handed.
func pullRow(ctx context.Context, rs rowSource) (Row, bool, error) {
	if cs, ok := rs.(ctxRowSource); ok {
		return cs.nextCtx(ctx)
	}
	return rs.next()
}

// sliceRowSource adapts a finite, already-materialized list of rows.
type sliceRowSource struct {
	rows []Row
	pos  int
}

// NewSliceRowSource wraps a fixed list of rows as a rowSource.
func NewSliceRowSource(rows []Row) rowSource {
	return &sliceRowSource{rows: rows}
}

func (s *sliceRowSource) next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

// syncIteratorRowSource adapts a blocking pull function: the
// synchronous lazy iterator shape from spec.md §6.
type syncIteratorRowSource struct {
	pull func() (Row, bool, error)
}

// NewSyncIteratorRowSource wraps a blocking pull function as a
// rowSource. pull returns (row, true, nil) for a row, (nil, false,
// nil) at end of stream, or (nil, false, err) on producer failure.
func NewSyncIteratorRowSource(pull func() (Row, bool, error)) rowSource {
	return &syncIteratorRowSource{pull: pull}
}

func (s *syncIteratorRowSource) next() (Row, bool, error) {
	return s.pull()
}

// channelRowSource adapts a channel of rows: the asynchronous lazy
// iterator / stream shape from spec.md §6. The producer closes ch to
// signal end of stream.
type channelRowSource struct {
	ch <-chan RowOrError
}

// NewChannelRowSource wraps a channel as a rowSource.
func NewChannelRowSource(ch <-chan RowOrError) rowSource {
	return &channelRowSource{ch: ch}
}

func (s *channelRowSource) next() (Row, bool, error) {
	item, open := <-s.ch
	if !open {
		return nil, false, nil
	}
	if item.Err != nil {
		return nil, false, item.Err
	}
	return item.Row, true, nil
}

// nextCtx additionally honors cancellation while blocked waiting on
// the channel (spec.md §5: "the bulk engine awaiting the next row from
// the source" is a cancellable suspension point).
func (s *channelRowSource) nextCtx(ctx context.Context) (Row, bool, error) {
	select {
	case item, open := <-s.ch:
		if !open {
			return nil, false, nil
		}
		if item.Err != nil {
			return nil, false, item.Err
		}
		return item.Row, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
