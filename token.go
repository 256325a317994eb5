package mssql

import (
	"math/big"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// tokenTag is the one-byte tag prefixing every TDS token (spec.md §3,
// GLOSSARY). Named and valued exactly as the teacher's `token` type.
type tokenTag byte

const (
	tagReturnStatus tokenTag = 0x79
	tagColMetadata  tokenTag = 0x81
	tagOrder        tokenTag = 0xA9
	tagError        tokenTag = 0xAA
	tagInfo         tokenTag = 0xAB
	tagReturnValue  tokenTag = 0xAC
	tagLoginAck     tokenTag = 0xAD
	tagFeatExtAck   tokenTag = 0xAE
	tagRow          tokenTag = 0xD1
	tagNbcRow       tokenTag = 0xD2
	tagEnvChange    tokenTag = 0xE3
	tagSSPI         tokenTag = 0xED
	tagFedAuthInfo  tokenTag = 0xEE
	tagDone         tokenTag = 0xFD
	tagDoneProc     tokenTag = 0xFE
	tagDoneInProc   tokenTag = 0xFF
)

// DONE status flags (spec.md §3, MS-TDS 2.2.7.5).
const (
	doneFinal    uint16 = 0x00
	doneMore     uint16 = 0x01
	doneError    uint16 = 0x02
	doneInxact   uint16 = 0x04
	doneCount    uint16 = 0x10
	doneAttn     uint16 = 0x20
	doneSrvError uint16 = 0x100
)

// Token is the interface implemented by every decoded token payload.
type Token interface{ isToken() }

// DoneToken carries a DONE/DONEPROC/DONEINPROC token (spec.md §3).
type DoneToken struct {
	Tag        tokenTag
	Status     uint16
	CurCmd     uint16
	RowCount   uint64
}

func (DoneToken) isToken() {}

func (d DoneToken) isError() bool  { return d.Status&doneError != 0 }
func (d DoneToken) moreComing() bool { return d.Status&doneMore != 0 }
func (d DoneToken) cancelAck() bool  { return d.Status&doneAttn != 0 }

// ColMetadataToken carries a decoded COLMETADATA token.
type ColMetadataToken struct{ Columns []*ColumnDef }

func (ColMetadataToken) isToken() {}

// RowToken carries one decoded data row, column-aligned with the most
// recent ColMetadataToken.
type RowToken struct{ Values []interface{} }

func (RowToken) isToken() {}

// ErrorToken carries a decoded ERROR token.
type ErrorToken struct{ Err ServerError }

func (ErrorToken) isToken() {}

// InfoToken carries a decoded INFO token.
type InfoToken struct{ Info ServerError }

func (InfoToken) isToken() {}

// ReturnStatusToken carries a decoded RETURNSTATUS token.
type ReturnStatusToken struct{ Value int32 }

func (ReturnStatusToken) isToken() {}

// OrderToken carries a decoded ORDER token (column ids the server
// reports results are sorted by).
type OrderToken struct{ ColIDs []uint16 }

func (OrderToken) isToken() {}

// EnvChangeToken carries the subset of ENVCHANGE sub-records this
// client applies to connection state (spec.md §5: "the rest of the
// pack"'s ENVCHANGE handling, adapted from the teacher's processEnvChg).
type EnvChangeToken struct {
	Database     string
	PacketSize   int
	BeginTranID  uint64
	EndTran      bool
	RoutedServer string
	RoutedPort   uint16
}

func (EnvChangeToken) isToken() {}

// FeatureExtAckToken and ReturnValueToken are decoded-and-discarded:
// FEATUREEXTACK and RETURNVALUE aren't acted on by the bulk engine but
// share the one dispatcher its DONE/ERROR reconciliation is built on
// (spec.md §5).
type FeatureExtAckToken struct{}

func (FeatureExtAckToken) isToken() {}

type ReturnValueToken struct{}

func (ReturnValueToken) isToken() {}

// LoginAckToken carries a decoded LOGINACK token.
type LoginAckToken struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

func (LoginAckToken) isToken() {}

// decodeToken reads one tag-prefixed token from p and dispatches to
// its per-tag decoder, mirroring the teacher's processSingleResponse
// switch but returning the token to its caller instead of pushing it
// onto a channel.
func decodeToken(p *streamParser, ver tdsVersion) (Token, error) {
	tagByte, err := p.readByte()
	if err != nil {
		return nil, err
	}
	return decodeTokenFromTag(p, tokenTag(tagByte), ver)
}

// decodeTokenFromTag decodes the body of a token whose tag byte has
// already been consumed by the caller (Session.nextToken needs the
// tag before deciding whether to special-case ROW/NBCROW against the
// active column set).
func decodeTokenFromTag(p *streamParser, tag tokenTag, ver tdsVersion) (Token, error) {
	switch tag {
	case tagReturnStatus:
		v, err := p.readInt32()
		if err != nil {
			return nil, err
		}
		return ReturnStatusToken{Value: v}, nil
	case tagColMetadata:
		cols, err := decodeColMetadata(p, ver)
		if err != nil {
			return nil, err
		}
		return ColMetadataToken{Columns: cols}, nil
	case tagOrder:
		ids, err := decodeOrder(p)
		if err != nil {
			return nil, err
		}
		return OrderToken{ColIDs: ids}, nil
	case tagDone, tagDoneProc, tagDoneInProc:
		d, err := decodeDone(p, tag)
		if err != nil {
			return nil, err
		}
		return d, nil
	case tagError:
		e, err := decodeServerError(p)
		if err != nil {
			return nil, err
		}
		return ErrorToken{Err: e}, nil
	case tagInfo:
		e, err := decodeServerError(p)
		if err != nil {
			return nil, err
		}
		return InfoToken{Info: e}, nil
	case tagLoginAck:
		l, err := decodeLoginAck(p)
		if err != nil {
			return nil, err
		}
		return l, nil
	case tagFeatExtAck:
		if err := skipFeatureExtAck(p); err != nil {
			return nil, err
		}
		return FeatureExtAckToken{}, nil
	case tagEnvChange:
		ec, err := decodeEnvChange(p)
		if err != nil {
			return nil, err
		}
		return ec, nil
	case tagReturnValue:
		if err := skipReturnValue(p); err != nil {
			return nil, err
		}
		return ReturnValueToken{}, nil
	case tagRow, tagNbcRow:
		return nil, protocolErrorf("ROW token decode requires active column metadata context")
	default:
		return nil, protocolErrorf("unknown TDS token tag 0x%02x", byte(tag))
	}
}

func decodeOrder(p *streamParser) ([]uint16, error) {
	n, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	ids := make([]uint16, n/2)
	for i := range ids {
		v, err := p.readUint16()
		if err != nil {
			return nil, err
		}
		ids[i] = v
	}
	return ids, nil
}

func decodeDone(p *streamParser, tag tokenTag) (DoneToken, error) {
	status, err := p.readUint16()
	if err != nil {
		return DoneToken{}, err
	}
	curCmd, err := p.readUint16()
	if err != nil {
		return DoneToken{}, err
	}
	rowCount, err := p.readUint64()
	if err != nil {
		return DoneToken{}, err
	}
	return DoneToken{Tag: tag, Status: status, CurCmd: curCmd, RowCount: rowCount}, nil
}

func decodeServerError(p *streamParser) (ServerError, error) {
	if _, err := p.readUint16(); err != nil { // token length, unused
		return ServerError{}, err
	}
	number, err := p.readInt32()
	if err != nil {
		return ServerError{}, err
	}
	state, err := p.readByte()
	if err != nil {
		return ServerError{}, err
	}
	class, err := p.readByte()
	if err != nil {
		return ServerError{}, err
	}
	message, err := p.readUsVarChar()
	if err != nil {
		return ServerError{}, err
	}
	serverName, err := p.readBVarChar()
	if err != nil {
		return ServerError{}, err
	}
	procName, err := p.readBVarChar()
	if err != nil {
		return ServerError{}, err
	}
	lineNo, err := p.readInt32()
	if err != nil {
		return ServerError{}, err
	}
	return ServerError{
		Number: number, State: state, Class: class, Message: message,
		ServerName: serverName, ProcName: procName, LineNumber: lineNo,
	}, nil
}

func decodeLoginAck(p *streamParser) (LoginAckToken, error) {
	size, err := p.readUint16()
	if err != nil {
		return LoginAckToken{}, err
	}
	buf, err := p.readBuffer(int(size))
	if err != nil {
		return LoginAckToken{}, err
	}
	if len(buf) < 10 {
		return LoginAckToken{}, protocolErrorf("LOGINACK body too short: %d bytes", len(buf))
	}
	var l LoginAckToken
	l.Interface = buf[0]
	l.TDSVersion = beUint32(buf[1:5])
	nameLen := int(buf[5])
	if 6+nameLen*2 > len(buf) {
		return LoginAckToken{}, protocolErrorf("LOGINACK progname overruns body")
	}
	name, err := ucs22str(buf[6 : 6+nameLen*2])
	if err != nil {
		return LoginAckToken{}, err
	}
	l.ProgName = name
	l.ProgVer = beUint32(buf[len(buf)-4:])
	return l, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

const (
	featExtTerminator      = 0xff
	featExtFedAuth         = 0x02
	featExtColumnEncryption = 0x04
)

func skipFeatureExtAck(p *streamParser) error {
	for {
		feature, err := p.readByte()
		if err != nil {
			return err
		}
		if feature == featExtTerminator {
			return nil
		}
		length, err := p.readUint32()
		if err != nil {
			return err
		}
		if _, err := p.readBuffer(int(length)); err != nil {
			return err
		}
	}
}

// skipReturnValue consumes a RETURNVALUE token. Output-parameter
// binding is non-bulk parameter encoding, out of scope per spec.md §1;
// the dispatcher still needs to step past the bytes to keep the
// stream aligned.
func skipReturnValue(p *streamParser) error {
	if _, err := p.readUint16(); err != nil { // ParamOrdinal
		return err
	}
	if _, err := p.readBVarChar(); err != nil { // ParamName
		return err
	}
	if _, err := p.readByte(); err != nil { // Status
		return err
	}
	userType, err := p.readUint32()
	if err != nil {
		return err
	}
	_ = userType
	if _, err := p.readUint16(); err != nil { // Flags
		return err
	}
	rawTypeID, err := p.readByte()
	if err != nil {
		return err
	}
	dt, err := lookupTypeByID(typeID(rawTypeID))
	if err != nil {
		return err
	}
	col := &ColumnDef{Type: dt}
	if err := decodeTypeTail(p, dt, col); err != nil {
		return err
	}
	return skipValue(p, col)
}

// skipValue reads and discards one column value using the column's
// length prefix shape, without materializing a typed Go value.
func skipValue(p *streamParser, col *ColumnDef) error {
	switch col.Type.family {
	case familyFixed:
		if col.Type.id == typeDateN {
			n, err := p.readByte()
			if err != nil || n == 0 {
				return err
			}
			_, err = p.readBuffer(int(n))
			return err
		}
		if col.Type.fixedSize > 0 {
			_, err := p.readBuffer(col.Type.fixedSize)
			return err
		}
		return nil
	case familyNullableFixed:
		n, err := p.readByte()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = p.readBuffer(int(n))
		return err
	case familyBinary:
		n, err := p.readUint16()
		if err != nil {
			return err
		}
		if n == 0xffff {
			return nil
		}
		_, err = p.readBuffer(int(n))
		return err
	case familyDecimalLike:
		n, err := p.readByte()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = p.readBuffer(int(n))
		return err
	case familyTimeScale:
		n, err := p.readByte()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err = p.readBuffer(int(n))
		return err
	case familyCharWithCollation:
		n, err := p.readUint16()
		if err != nil {
			return err
		}
		if n == 0xffff {
			return nil
		}
		_, err = p.readBuffer(int(n))
		return err
	case familyTextWithCollation, familyImage, familyVariant:
		n, err := p.readUint32()
		if err != nil {
			return err
		}
		if n == 0xffffffff {
			return nil
		}
		_, err = p.readBuffer(int(n))
		return err
	default:
		return protocolErrorf("skipValue: unhandled family for %s", col.Type.displayName)
	}
}

// decodeRow decodes a ROW token body: one value per active column, in
// order (spec.md §3, MS-TDS 2.2.7.17).
func decodeRow(p *streamParser, cols []*ColumnDef) (Token, error) {
	values := make([]interface{}, len(cols))
	for i, col := range cols {
		v, err := decodeColumnValue(p, col)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return RowToken{Values: values}, nil
}

// decodeNbcRow decodes an NBCROW token body: a null-bitmap prefix
// (one bit per column, LSB first) followed by only the non-null
// values (MS-TDS 2.2.7.13).
func decodeNbcRow(p *streamParser, cols []*ColumnDef) (Token, error) {
	bitmapLen := (len(cols) + 7) / 8
	bitmap, err := p.readBuffer(bitmapLen)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(cols))
	for i, col := range cols {
		if bitmap[i/8]&(1<<(uint(i)%8)) != 0 {
			values[i] = nil
			continue
		}
		v, err := decodeColumnValue(p, col)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return RowToken{Values: values}, nil
}

// decodeColumnValue reads one column's length-prefixed wire value and
// returns it as a Go value, the read-direction counterpart of the
// registry's emitValueData/emitLengthPrefix pair.
func decodeColumnValue(p *streamParser, col *ColumnDef) (interface{}, error) {
	switch col.Type.family {
	case familyFixed:
		if col.Type.id == typeNull {
			return nil, nil
		}
		if col.Type.id == typeDateN {
			// DATEN carries no COLMETADATA tail (decodeTypeTail treats it
			// like a true fixed type) but, like the other date/time Ns,
			// each row value is still a 1-byte length (0 = NULL, else 3).
			n, err := p.readByte()
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, nil
			}
		}
		return decodeFixedValue(p, col.Type.id, col.Type.fixedSize)
	case familyNullableFixed:
		n, err := p.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return decodeFixedValue(p, col.Type.id, int(n))
	case familyBinary:
		n, err := p.readUint16()
		if err != nil {
			return nil, err
		}
		if n == 0xffff {
			return nil, nil
		}
		return p.readBuffer(int(n))
	case familyCharWithCollation:
		n, err := p.readUint16()
		if err != nil {
			return nil, err
		}
		if n == 0xffff {
			return nil, nil
		}
		b, err := p.readBuffer(int(n))
		if err != nil {
			return nil, err
		}
		return decodeCharBytes(b, col)
	case familyTextWithCollation, familyImage, familyVariant:
		n, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		if n == 0xffffffff {
			return nil, nil
		}
		b, err := p.readBuffer(int(n))
		if err != nil {
			return nil, err
		}
		if col.Type.family == familyTextWithCollation {
			return decodeCharBytes(b, col)
		}
		return b, nil
	case familyDecimalLike:
		n, err := p.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := p.readBuffer(int(n))
		if err != nil {
			return nil, err
		}
		return decodeDecimalBytes(b, col.Scale)
	case familyTimeScale:
		n, err := p.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := p.readBuffer(int(n))
		if err != nil {
			return nil, err
		}
		return decodeTimeBytes(b, col)
	default:
		return nil, protocolErrorf("decodeColumnValue: unhandled family for %s", col.Type.displayName)
	}
}

func decodeFixedValue(p *streamParser, id typeID, size int) (interface{}, error) {
	switch id {
	case typeBit, typeBitN:
		b, err := p.readByte()
		return b != 0, err
	case typeInt1:
		b, err := p.readByte()
		return b, err
	case typeInt2, typeIntN:
		if size == 1 {
			b, err := p.readByte()
			return b, err
		}
		if size == 2 {
			v, err := p.readInt16()
			return v, err
		}
		if size == 8 {
			v, err := p.readInt64()
			return v, err
		}
		v, err := p.readInt32()
		return v, err
	case typeInt4:
		v, err := p.readInt32()
		return v, err
	case typeInt8:
		v, err := p.readInt64()
		return v, err
	case typeFlt4:
		v, err := p.readFloat32()
		return v, err
	case typeFlt8, typeFltN:
		if size == 4 {
			v, err := p.readFloat32()
			return v, err
		}
		v, err := p.readFloat64()
		return v, err
	case typeGUID:
		v, err := p.readUUID()
		return v, err
	case typeMoney4, typeMoneyN:
		if size == 4 {
			v, err := p.readInt32()
			return moneyToDecimal(int64(v)), err
		}
		hi, err := p.readInt32()
		if err != nil {
			return nil, err
		}
		lo, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		return moneyToDecimal(int64(hi)<<32 | int64(lo)), nil
	case typeMoney:
		hi, err := p.readInt32()
		if err != nil {
			return nil, err
		}
		lo, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		return moneyToDecimal(int64(hi)<<32 | int64(lo)), nil
	case typeDateTim4, typeDateTimeN:
		if size == 4 {
			days, err := p.readUint16()
			if err != nil {
				return nil, err
			}
			minutes, err := p.readUint16()
			return smallDateTimeToTime(days, minutes), err
		}
		days, err := p.readInt32()
		if err != nil {
			return nil, err
		}
		ticks, err := p.readInt32()
		return dateTimeToTime(days, ticks), err
	case typeDateTime:
		days, err := p.readInt32()
		if err != nil {
			return nil, err
		}
		ticks, err := p.readInt32()
		return dateTimeToTime(days, ticks), err
	case typeDateN:
		b, err := p.readBuffer(3)
		if err != nil {
			return nil, err
		}
		days := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
		return daysToDate(days), nil
	default:
		_, err := p.readBuffer(size)
		return nil, err
	}
}

func decodeCharBytes(b []byte, col *ColumnDef) (string, error) {
	switch col.Type.id {
	case typeNVarChar, typeNChar, typeNText:
		return ucs22str(b)
	default:
		return string(b), nil
	}
}

// ---- fixed-value decode helpers: the read-direction counterparts of
// types.go's moneyWriter/smallDateTimeWriter/dateTimeWriter/daysSinceCE ----

func moneyToDecimal(raw int64) decimal.Decimal {
	return decimal.New(raw, -4)
}

var tdsDateTimeBase = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

func smallDateTimeToTime(days, minutes uint16) time.Time {
	return tdsDateTimeBase.AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute)
}

func dateTimeToTime(days, ticks int32) time.Time {
	secFraction := time.Duration(ticks) * time.Second / 300
	return tdsDateTimeBase.AddDate(0, 0, int(days)).Add(secFraction)
}

func daysToDate(days int) civil.Date {
	return civil.DateOf(tdsDateTimeBase.AddDate(0, 0, days))
}

// decodeDecimalBytes mirrors writeDecimal: a sign byte (1 = positive)
// followed by a little-endian magnitude.
func decodeDecimalBytes(b []byte, scale uint8) (decimal.Decimal, error) {
	if len(b) < 2 {
		return decimal.Decimal{}, protocolErrorf("decimal value too short")
	}
	sign := b[0]
	mag := make([]byte, len(b)-1)
	for i, j := 0, len(b)-2; j >= 0; i, j = i+1, j-1 {
		mag[i] = b[1+j]
	}
	bi := new(big.Int).SetBytes(mag)
	if sign == 0 {
		bi.Neg(bi)
	}
	return decimal.NewFromBigInt(bi, -int32(scale)), nil
}

// leUintN reads a little-endian unsigned integer from a byte slice
// shorter than 8 bytes (TIME/DATETIME2 tick fields).
func leUintN(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func ticksToDuration(ticks uint64, scale uint8) time.Duration {
	shift := uint8(9)
	if scale < shift {
		shift -= scale
	} else {
		shift = 0
	}
	nanos := ticks
	for i := uint8(0); i < shift; i++ {
		nanos *= 10
	}
	return time.Duration(nanos)
}

// decodeTimeBytes mirrors the TIME/DATETIME2/DATETIMEOFFSET branches of
// registerTimeTypes' emitValueData.
func decodeTimeBytes(b []byte, col *ColumnDef) (interface{}, error) {
	n := timeScaleLen(col.Scale)
	if len(b) < n {
		return nil, protocolErrorf("time value too short for scale %d", col.Scale)
	}
	ticks := leUintN(b[:n])
	tod := ticksToDuration(ticks, col.Scale)

	switch col.Type.id {
	case typeTimeN:
		return civil.TimeOf(tdsDateTimeBase.Add(tod)), nil
	case typeDateTime2N:
		if len(b) < n+3 {
			return nil, protocolErrorf("datetime2 value too short")
		}
		days := int(b[n]) | int(b[n+1])<<8 | int(b[n+2])<<16
		return tdsDateTimeBase.AddDate(0, 0, days).Add(tod), nil
	case typeDateTimeOffsetN:
		if len(b) < n+5 {
			return nil, protocolErrorf("datetimeoffset value too short")
		}
		days := int(b[n]) | int(b[n+1])<<8 | int(b[n+2])<<16
		offsetMin := int16(uint16(b[n+3]) | uint16(b[n+4])<<8)
		loc := time.FixedZone("", int(offsetMin)*60)
		return tdsDateTimeBase.AddDate(0, 0, days).Add(tod).In(loc), nil
	default:
		return nil, protocolErrorf("decodeTimeBytes: unhandled type %s", col.Type.displayName)
	}
}
