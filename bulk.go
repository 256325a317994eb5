package mssql

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// BulkPhase is one state of the bulk-load lifecycle (spec.md §4.6).
type BulkPhase int

const (
	bulkConfiguring BulkPhase = iota
	bulkExecuting
	bulkCancelled
	bulkCompleted
	bulkErrored
)

// BulkOptions is the recognised bulk option surface (spec.md §6).
// Unrecognised keys have no Go-side representation at all, which is
// how "unrecognised keys are ignored" is realised in a typed struct.
type BulkOptions struct {
	CheckConstraints bool
	FireTriggers     bool
	KeepNulls        bool
	Order            map[string]string // column name -> "ASC" | "DESC"
}

func validateBulkOptions(opts BulkOptions) error {
	for col, dir := range opts.Order {
		if dir != "ASC" && dir != "DESC" {
			return fmt.Errorf(`The value of the %q key in the "options.order" object must be either "ASC" or "DESC".`, col)
		}
	}
	return nil
}

// ColumnOption configures one addColumn call.
type ColumnOption struct {
	Nullable  bool
	Length    int
	Precision uint8
	Scale     uint8
	ObjName   string
}

// BulkLoad is a single bulk-insert request (C6, spec.md §4.6 — "the
// centre of gravity"). A handle is owned by one request at a time; it
// is not safe to reuse across concurrent Exec calls (spec.md §5).
type BulkLoad struct {
	tableName string
	opts      BulkOptions
	cb        func(err error, rowCount uint64)

	mu              sync.Mutex
	phase           BulkPhase
	columns         []*ColumnDef
	sess            *Session
	cancelRequested bool
	cancelErr       error
	timeoutMs       int
	timer           *time.Timer
	cancelTimeout   time.Duration

	// recvCancelled is handed to every Session.runReceiving call for
	// this request so the stream parser can tell, between tokens,
	// that an ATTENTION is in flight and it should discard everything
	// but the DONE that acknowledges it (spec.md §4.3/§4.6).
	recvCancelled int32

	settleOnce sync.Once
}

// NewBulkLoad validates opts fail-fast (before any I/O, spec.md §4.6)
// and returns a handle in phase configuring.
func NewBulkLoad(tableName string, opts BulkOptions, cb func(err error, rowCount uint64)) (*BulkLoad, error) {
	if err := validateBulkOptions(opts); err != nil {
		return nil, err
	}
	return &BulkLoad{
		tableName:     tableName,
		opts:          opts,
		cb:            cb,
		phase:         bulkConfiguring,
		cancelTimeout: 30 * time.Second,
	}, nil
}

// SetCancelTimeout overrides the default post-cancel grace period
// (spec.md §4.6: "the connection must return to LoggedIn ... within
// the configured cancelTimeout").
func (b *BulkLoad) SetCancelTimeout(d time.Duration) {
	b.mu.Lock()
	b.cancelTimeout = d
	b.mu.Unlock()
}

// SetTimeout arms a one-shot timer at execution start that behaves
// exactly like Cancel except for the error message (spec.md §4.6
// Timeout). Calling it before Exec just records ms; the timer itself
// is armed when Exec begins.
func (b *BulkLoad) SetTimeout(ms int) {
	b.mu.Lock()
	b.timeoutMs = ms
	b.mu.Unlock()
}

// addColumn appends one column descriptor. Valid only in phase
// configuring; spec.md §4.6 requires this exact failure message
// thereafter.
func (b *BulkLoad) addColumn(name, typeName string, opt ColumnOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != bulkConfiguring {
		return fmt.Errorf("Columns cannot be added to bulk insert after execution has started.")
	}
	dt, err := LookupTypeByName(typeName)
	if err != nil {
		return err
	}
	b.columns = append(b.columns, &ColumnDef{
		Name: name, Type: dt, Nullable: opt.Nullable, Length: opt.Length,
		Precision: opt.Precision, Scale: opt.Scale, ObjName: opt.ObjName,
	})
	return nil
}

// getTableCreationSql synthesises a CREATE TABLE statement from the
// configured columns against the same registry entries that drive wire
// encoding, so declared SQL types and wire types can never drift
// (spec.md §4.6).
func (b *BulkLoad) getTableCreationSql() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	sb.WriteString(b.tableName)
	sb.WriteString(" (")
	for i, col := range b.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(col.Name))
		sb.WriteString(" ")
		sb.WriteString(col.Type.declaration(col))
		if col.Nullable {
			sb.WriteString(" NULL")
		} else {
			sb.WriteString(" NOT NULL")
		}
	}
	sb.WriteString(")")
	return sb.String()
}

func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// preludeSQL renders the BULK INSERT statement that names the target
// table and applies options (spec.md §4.6 step 3).
func (b *BulkLoad) preludeSQL() string {
	var sb strings.Builder
	sb.WriteString("INSERT BULK ")
	sb.WriteString(b.tableName)
	sb.WriteString(" (")
	for i, col := range b.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(col.Name))
		sb.WriteString(" ")
		sb.WriteString(col.Type.declaration(col))
	}
	sb.WriteString(")")

	var with []string
	if b.opts.CheckConstraints {
		with = append(with, "CHECK_CONSTRAINTS")
	}
	if b.opts.FireTriggers {
		with = append(with, "FIRE_TRIGGERS")
	}
	if b.opts.KeepNulls {
		with = append(with, "KEEP_NULLS")
	}
	if len(b.opts.Order) > 0 {
		names := make([]string, 0, len(b.opts.Order))
		for name := range b.opts.Order {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s %s", quoteIdent(name), b.opts.Order[name])
		}
		with = append(with, fmt.Sprintf("ORDER(%s)", strings.Join(parts, ", ")))
	}
	if len(with) > 0 {
		sb.WriteString(" WITH (")
		sb.WriteString(strings.Join(with, ", "))
		sb.WriteString(")")
	}
	return sb.String()
}

// Cancel marks the request cancelled (spec.md §4.6 Cancellation).
// Idempotent; a no-op once the request has settled.
func (b *BulkLoad) Cancel() {
	b.requestCancel(ErrCanceled)
}

func (b *BulkLoad) requestCancel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == bulkCompleted || b.phase == bulkErrored || b.phase == bulkCancelled {
		return
	}
	if b.cancelRequested {
		return
	}
	b.cancelRequested = true
	b.cancelErr = err
	if b.phase == bulkExecuting && b.sess != nil {
		b.sess.log.Printf(logCancel, "bulk load cancel requested: %v", err)
		atomic.StoreInt32(&b.recvCancelled, 1)
		_ = b.sess.sendAttention()
	}
}

func (b *BulkLoad) isCancelRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelRequested
}

func (b *BulkLoad) currentCancelErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelErr
}

// Exec runs the full bulk-load protocol against sess using rs as the
// row source (spec.md §4.6 steps 1-7), invoking the completion
// callback given to NewBulkLoad exactly once before returning.
func (b *BulkLoad) Exec(ctx context.Context, sess *Session, rs rowSource) {
	b.mu.Lock()
	if b.cancelRequested {
		err := b.cancelErr
		b.mu.Unlock()
		b.settle(err, 0)
		return
	}
	b.phase = bulkExecuting
	b.sess = sess
	if b.timeoutMs > 0 {
		ms := b.timeoutMs
		b.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			b.requestCancel(&TimeoutError{Millis: ms})
		})
	}
	b.mu.Unlock()

	err, rowCount := b.run(ctx, sess, rs)
	b.settle(err, rowCount)
}

func (b *BulkLoad) settle(err error, rowCount uint64) {
	b.settleOnce.Do(func() {
		b.mu.Lock()
		if b.timer != nil {
			b.timer.Stop()
		}
		switch {
		case err == nil:
			b.phase = bulkCompleted
		case err == ErrCanceled, err == b.cancelErr && b.cancelErr != nil:
			b.phase = bulkCancelled
		default:
			b.phase = bulkErrored
		}
		b.mu.Unlock()
		if b.cb != nil {
			b.cb(err, rowCount)
		}
	})
}

func (b *BulkLoad) run(ctx context.Context, sess *Session, rs rowSource) (error, uint64) {
	if writeErr := sess.write(packSQLBatch, func(w *packetWriter) error {
		return writeBatchText(w, b.preludeSQL())
	}); writeErr != nil {
		return &TransportError{Cause: writeErr}, 0
	}

	ackErr, _, err := b.drainUntilDone(ctx, sess)
	if err != nil {
		return err, 0
	}
	if ackErr != nil {
		return *ackErr, 0
	}

	var bodyErr error
	writeErr := sess.write(packBulkLoadBCP, func(w *packetWriter) error {
		if err := writeColMetadataHeader(w, b.columns, sess.version); err != nil {
			return err
		}
		for {
			if b.isCancelRequested() {
				bodyErr = b.currentCancelErr()
				return bodyErr
			}
			row, ok, rerr := pullRow(ctx, rs)
			if rerr != nil {
				bodyErr = rerr
				return rerr
			}
			if !ok {
				return nil
			}
			tuple, err := normalizeRow(row, b.columns)
			if err != nil {
				bodyErr = err
				return err
			}
			values, err := validateRow(b.columns, tuple)
			if err != nil {
				bodyErr = err
				return err
			}
			if err := writeRowToken(w, b.columns, values); err != nil {
				bodyErr = &TransportError{Cause: err}
				return bodyErr
			}
		}
		// The client-side token stream ends here: DONE (MS-TDS 2.2.7.5)
		// is a server-to-client token with no client-side wire form, so
		// "emit DONE" from spec.md §4.6 step 5 is realised as simply not
		// writing a trailing token before the caller's Flush.
	})
	if writeErr != nil {
		return b.abortAndDrain(ctx, sess, bodyErr)
	}

	return b.reconcile(ctx, sess)
}

// drainUntilDone runs the receive loop once and reports any ERROR
// token seen along the way, used for the prelude's acknowledgement.
func (b *BulkLoad) drainUntilDone(ctx context.Context, sess *Session) (*ServerError, DoneToken, error) {
	var ackErr *ServerError
	var lastDone DoneToken
	sess.onToken(func(tok Token) {
		switch t := tok.(type) {
		case ErrorToken:
			e := t.Err
			ackErr = &e
		case DoneToken:
			lastDone = t
		}
	})
	err := sess.runReceiving(ctx, &b.recvCancelled)
	return ackErr, lastDone, err
}

func (b *BulkLoad) reconcile(ctx context.Context, sess *Session) (error, uint64) {
	ackErr, lastDone, err := b.drainUntilDone(ctx, sess)
	if err != nil {
		return err, 0
	}
	if ackErr != nil {
		// The server determines whether a failed load left a partial
		// count or rolled back fully; whatever its final DONE reports is
		// what's returned, per spec.md §9's partial-rowCount note.
		return *ackErr, lastDone.RowCount
	}
	return nil, lastDone.RowCount
}

// abortAndDrain implements the "same server-side cancel/attention
// sequence as cancel()" behaviour spec.md §4.6 requires both for an
// explicit Cancel and for a row-source/validation failure mid-stream:
// send ATTENTION, then drain until the DONE that carries doneAttn
// (the teacher's readCancelConfirmation), not merely the first DONE
// seen. recvCancelled is forced set here even when cause didn't come
// through requestCancel (a plain row-source error still triggers this
// same ATTENTION, so the drain must key on the same cancel-ack DONE).
func (b *BulkLoad) abortAndDrain(ctx context.Context, sess *Session, cause error) (error, uint64) {
	atomic.StoreInt32(&b.recvCancelled, 1)
	_ = sess.sendAttention()
	b.mu.Lock()
	timeout := b.cancelTimeout
	b.mu.Unlock()
	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_ = sess.runReceiving(drainCtx, &b.recvCancelled) // best-effort; cause is authoritative
	return cause, 0
}

func normalizeRow(row Row, cols []*ColumnDef) ([]interface{}, error) {
	switch r := row.(type) {
	case []interface{}:
		if len(r) != len(cols) {
			return nil, fmt.Errorf("mssql: row has %d values, expected %d", len(r), len(cols))
		}
		return r, nil
	case map[string]interface{}:
		out := make([]interface{}, len(cols))
		for i, col := range cols {
			out[i] = r[col.Name]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("mssql: unsupported row type %T", row)
	}
}

func validateRow(cols []*ColumnDef, values []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(values))
	for i, col := range cols {
		v, err := col.Type.validate(values[i], col)
		if err != nil {
			return nil, &ValidationError{Column: col.Name, Cause: err}
		}
		out[i] = v
	}
	return out, nil
}

func writeBatchText(w io.Writer, sql string) error {
	enc, err := str2ucs2(sql)
	if err != nil {
		return err
	}
	_, err = w.Write(enc)
	return err
}

// writeColMetadataHeader renders the COLMETADATA token describing the
// bulk load's columns, the write-direction mirror of decodeColMetadata
// (metadata.go).
func writeColMetadataHeader(w io.Writer, cols []*ColumnDef, ver tdsVersion) error {
	head := newTrackingBuffer(3)
	head.WriteBuf([]byte{byte(tagColMetadata)})
	head.writeUint16(uint16(len(cols)))
	if _, err := w.Write(head.Bytes()); err != nil {
		return err
	}
	for _, col := range cols {
		hb := newTrackingBuffer(16)
		if userTypeIsWide(ver) {
			hb.writeUint32(col.UserType)
		} else {
			hb.writeUint16(uint16(col.UserType))
		}
		hb.writeUint16(col.colMetaFlags())
		hb.WriteBuf(col.Type.emitTypeInfo(col))
		if err := hb.writeBVarChar(col.Name); err != nil {
			return err
		}
		if _, err := w.Write(hb.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// writeRowToken renders one ROW token: tag byte followed by each
// column's [length prefix][value bytes] pair (spec.md §4.6 step 4).
func writeRowToken(w io.Writer, cols []*ColumnDef, values []interface{}) error {
	if _, err := w.Write([]byte{byte(tagRow)}); err != nil {
		return err
	}
	for i, col := range cols {
		if lp := col.Type.emitLengthPrefix(values[i], col); len(lp) > 0 {
			if _, err := w.Write(lp); err != nil {
				return err
			}
		}
		if err := col.Type.emitValueData(w, values[i], col); err != nil {
			return err
		}
	}
	return nil
}
