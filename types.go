package mssql

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// typeID is the wire id of a TDS data type (MS-TDS 2.2.5.4).
type typeID byte

const (
	typeNull            typeID = 0x1f
	typeInt1            typeID = 0x30 // TinyInt
	typeBit             typeID = 0x32
	typeInt2            typeID = 0x34 // SmallInt
	typeInt4            typeID = 0x38 // Int
	typeDateTim4        typeID = 0x3a // SmallDateTime
	typeFlt4            typeID = 0x3b // Real
	typeMoney           typeID = 0x3c
	typeDateTime        typeID = 0x3d
	typeFlt8            typeID = 0x3e // Float
	typeMoney4          typeID = 0x7a // SmallMoney
	typeInt8            typeID = 0x7f // BigInt
	typeGUID            typeID = 0x24 // UniqueIdentifier
	typeIntN            typeID = 0x26
	typeDecimal         typeID = 0x37
	typeNumeric         typeID = 0x3f
	typeBitN            typeID = 0x68
	typeDecimalN        typeID = 0x6a
	typeNumericN        typeID = 0x6c
	typeFltN            typeID = 0x6d
	typeMoneyN          typeID = 0x6e
	typeDateTimeN       typeID = 0x6f
	typeDateN           typeID = 0x28
	typeTimeN           typeID = 0x29
	typeDateTime2N      typeID = 0x2a
	typeDateTimeOffsetN typeID = 0x2b
	typeChar            typeID = 0x2f
	typeVarChar         typeID = 0x27
	typeBigVarBin       typeID = 0xa5
	typeBigVarChar      typeID = 0xa7
	typeBigBinary       typeID = 0xad
	typeBigChar         typeID = 0xaf
	typeNVarChar        typeID = 0xe7
	typeNChar           typeID = 0xef
	typeXml             typeID = 0xf1
	typeUdt             typeID = 0xf0
	typeText            typeID = 0x23
	typeImage           typeID = 0x22
	typeNText           typeID = 0x63
	typeVariant         typeID = 0x62
)

// typeFamily groups types that share a COLMETADATA tail shape
// (spec.md §4.4's table).
type typeFamily int

const (
	familyFixed typeFamily = iota
	familyNullableFixed
	familyVariant
	familyCharWithCollation
	familyTextWithCollation
	familyBinary
	familyImage
	familyXML
	familyTimeScale
	familyDecimalLike
	familyUDT
)

// dataType is one entry of the process-wide, immutable data-type
// registry (C5). Populated once in init(); never mutated afterward,
// resolving the design note in spec.md §9 about the teacher's
// module-level mutation at import time.
type dataType struct {
	id          typeID
	wireName    string
	displayName string
	family      typeFamily
	fixedSize   int // byte size on the wire for familyFixed; -1 otherwise

	// declaration renders the T-SQL type declaration for DDL synthesis
	// (getTableCreationSql).
	declaration func(col *ColumnDef) string

	// emitTypeInfo renders {typeId, ...family-specific tail} as used in
	// a COLMETADATA header.
	emitTypeInfo func(col *ColumnDef) []byte

	// emitLengthPrefix renders the per-value length prefix (0 bytes for
	// fixed-length families).
	emitLengthPrefix func(v interface{}, col *ColumnDef) []byte

	// emitValueData streams the value's encoded bytes to w. Writing
	// directly to the packet writer is what makes this "lazy": large
	// values are fragmented across packets as the writer's buffer
	// fills rather than being materialized as one []byte up front.
	emitValueData func(w io.Writer, v interface{}, col *ColumnDef) error

	// validate coerces and range-checks a caller-supplied cell. A nil
	// input always validates to nil. Failures return a plain error,
	// never a panic (spec.md §4.5).
	validate func(v interface{}, col *ColumnDef) (interface{}, error)
}

var (
	typesByID   = map[typeID]*dataType{}
	typesByName = map[string]*dataType{}
)

func registerType(t *dataType) {
	typesByID[t.id] = t
	typesByName[t.wireName] = t
}

// lookupTypeByID resolves a wire type id to its registry entry. Used
// by the metadata decoder (C4); an unknown id is a fatal protocol
// error per spec.md §4.4.
func lookupTypeByID(id typeID) (*dataType, error) {
	t, ok := typesByID[id]
	if !ok {
		return nil, protocolErrorf("unknown TDS type id 0x%02x", byte(id))
	}
	return t, nil
}

// LookupTypeByName resolves a type by its bulk-load-facing name
// ("int", "nvarchar", "decimal", ...), used by addColumn.
func LookupTypeByName(name string) (*dataType, error) {
	t, ok := typesByName[name]
	if !ok {
		return nil, fmt.Errorf("mssql: unknown type name %q", name)
	}
	return t, nil
}

func init() {
	registerFixedTypes()
	registerNullableFixedTypes()
	registerCharTypes()
	registerBinaryTypes()
	registerDecimalTypes()
	registerTimeTypes()
	registerMiscTypes()
}

// ---- fixed-length family: no COLMETADATA tail, no length prefix ----

func registerFixedTypes() {
	registerType(&dataType{
		id: typeInt1, wireName: "tinyint", displayName: "TinyInt", family: familyFixed, fixedSize: 1,
		declaration:      func(*ColumnDef) string { return "tinyint" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeInt1)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    intWriter(1),
		validate:         intValidator(0, 255, "TinyInt"),
	})
	registerType(&dataType{
		id: typeInt2, wireName: "smallint", displayName: "SmallInt", family: familyFixed, fixedSize: 2,
		declaration:      func(*ColumnDef) string { return "smallint" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeInt2)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    intWriter(2),
		validate:         intValidator(math.MinInt16, math.MaxInt16, "SmallInt"),
	})
	registerType(&dataType{
		id: typeInt4, wireName: "int", displayName: "Int", family: familyFixed, fixedSize: 4,
		declaration:      func(*ColumnDef) string { return "int" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeInt4)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    intWriter(4),
		validate:         intValidator(math.MinInt32, math.MaxInt32, "Int"),
	})
	registerType(&dataType{
		id: typeInt8, wireName: "bigint", displayName: "BigInt", family: familyFixed, fixedSize: 8,
		declaration:      func(*ColumnDef) string { return "bigint" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeInt8)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    intWriter(8),
		validate:         intValidator(math.MinInt64, math.MaxInt64, "BigInt"),
	})
	registerType(&dataType{
		id: typeFlt4, wireName: "real", displayName: "Real", family: familyFixed, fixedSize: 4,
		declaration:      func(*ColumnDef) string { return "real" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeFlt4)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			f, err := toFloat64(v)
			if err != nil {
				return err
			}
			b := newTrackingBuffer(4)
			b.writeFloat32(float32(f))
			_, err = w.Write(b.Bytes())
			return err
		},
		validate: floatValidator("Real"),
	})
	registerType(&dataType{
		id: typeFlt8, wireName: "float", displayName: "Float", family: familyFixed, fixedSize: 8,
		declaration:      func(*ColumnDef) string { return "float" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeFlt8)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			f, err := toFloat64(v)
			if err != nil {
				return err
			}
			b := newTrackingBuffer(8)
			b.writeFloat64(f)
			_, err = w.Write(b.Bytes())
			return err
		},
		validate: floatValidator("Float"),
	})
	registerType(&dataType{
		id: typeBit, wireName: "bit_fixed", displayName: "Bit", family: familyFixed, fixedSize: 1,
		declaration:      func(*ColumnDef) string { return "bit" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeBit)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			b, err := toBool(v)
			if err != nil {
				return err
			}
			if b {
				_, err = w.Write([]byte{1})
			} else {
				_, err = w.Write([]byte{0})
			}
			return err
		},
		validate: boolValidator,
	})
	registerType(&dataType{
		id: typeMoney4, wireName: "smallmoney", displayName: "SmallMoney", family: familyFixed, fixedSize: 4,
		declaration:      func(*ColumnDef) string { return "smallmoney" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeMoney4)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    moneyWriter(4),
		validate:         decimalValidator("SmallMoney"),
	})
	registerType(&dataType{
		id: typeMoney, wireName: "money", displayName: "Money", family: familyFixed, fixedSize: 8,
		declaration:      func(*ColumnDef) string { return "money" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeMoney)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    moneyWriter(8),
		validate:         decimalValidator("Money"),
	})
	registerType(&dataType{
		id: typeDateTim4, wireName: "smalldatetime", displayName: "SmallDateTime", family: familyFixed, fixedSize: 4,
		declaration:      func(*ColumnDef) string { return "smalldatetime" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeDateTim4)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    smallDateTimeWriter,
		validate:         dateTimeValidator("SmallDateTime"),
	})
	registerType(&dataType{
		id: typeDateTime, wireName: "datetime", displayName: "DateTime", family: familyFixed, fixedSize: 8,
		declaration:      func(*ColumnDef) string { return "datetime" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeDateTime)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    dateTimeWriter,
		validate:         dateTimeValidator("DateTime"),
	})
}

// ---- nullable-fixed family: u8 dataLength tail, u8 length prefix ----

func registerNullableFixedTypes() {
	registerType(&dataType{
		id: typeIntN, wireName: "int_n", displayName: "IntN", family: familyNullableFixed,
		declaration:  func(col *ColumnDef) string { return sizedIntDeclaration(col) },
		emitTypeInfo: u8LenTypeInfo(typeIntN, func(col *ColumnDef) byte { return byte(intNSize(col)) }),
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			if v == nil {
				return []byte{0}
			}
			return []byte{byte(intNSize(col))}
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			return intWriter(intNSize(col))(w, v, col)
		},
		validate: intValidator(math.MinInt64, math.MaxInt64, "IntN"),
	})
	registerType(&dataType{
		id: typeFltN, wireName: "float_n", displayName: "FloatN", family: familyNullableFixed,
		declaration: func(col *ColumnDef) string {
			if floatNSize(col) == 4 {
				return "real"
			}
			return "float"
		},
		emitTypeInfo: u8LenTypeInfo(typeFltN, func(col *ColumnDef) byte { return byte(floatNSize(col)) }),
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			if v == nil {
				return []byte{0}
			}
			return []byte{byte(floatNSize(col))}
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			f, err := toFloat64(v)
			if err != nil {
				return err
			}
			b := newTrackingBuffer(8)
			if floatNSize(col) == 4 {
				b.writeFloat32(float32(f))
			} else {
				b.writeFloat64(f)
			}
			_, err = w.Write(b.Bytes())
			return err
		},
		validate: floatValidator("FloatN"),
	})
	registerType(&dataType{
		id: typeMoneyN, wireName: "money_n", displayName: "MoneyN", family: familyNullableFixed,
		declaration: func(col *ColumnDef) string {
			if col.effectiveLength(8) == 4 {
				return "smallmoney"
			}
			return "money"
		},
		emitTypeInfo: u8LenTypeInfo(typeMoneyN, func(col *ColumnDef) byte { return byte(col.effectiveLength(8)) }),
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			if v == nil {
				return []byte{0}
			}
			return []byte{byte(col.effectiveLength(8))}
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			return moneyWriter(col.effectiveLength(8))(w, v, col)
		},
		validate: decimalValidator("MoneyN"),
	})
	registerType(&dataType{
		id: typeBitN, wireName: "bit", displayName: "BitN", family: familyNullableFixed,
		declaration:      func(*ColumnDef) string { return "bit" },
		emitTypeInfo:     u8LenTypeInfo(typeBitN, func(*ColumnDef) byte { return 1 }),
		emitLengthPrefix: nullableLengthPrefix(1),
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			b, err := toBool(v)
			if err != nil {
				return err
			}
			if b {
				_, err = w.Write([]byte{1})
			} else {
				_, err = w.Write([]byte{0})
			}
			return err
		},
		validate: boolValidator,
	})
	registerType(&dataType{
		id: typeGUID, wireName: "uniqueidentifier", displayName: "UniqueIdentifier", family: familyNullableFixed,
		declaration:      func(*ColumnDef) string { return "uniqueidentifier" },
		emitTypeInfo:     u8LenTypeInfo(typeGUID, func(*ColumnDef) byte { return 16 }),
		emitLengthPrefix: nullableLengthPrefix(16),
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			id, err := toUUID(v)
			if err != nil {
				return err
			}
			_, err = w.Write(msGUIDBytes(id))
			return err
		},
		validate: uuidValidator,
	})
	registerType(&dataType{
		id: typeDateTimeN, wireName: "datetime_n", displayName: "DateTimeN", family: familyNullableFixed,
		declaration: func(col *ColumnDef) string {
			if col.effectiveLength(8) == 4 {
				return "smalldatetime"
			}
			return "datetime"
		},
		emitTypeInfo: u8LenTypeInfo(typeDateTimeN, func(col *ColumnDef) byte { return byte(col.effectiveLength(8)) }),
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			if v == nil {
				return []byte{0}
			}
			return []byte{byte(col.effectiveLength(8))}
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			if col.effectiveLength(8) == 4 {
				return smallDateTimeWriter(w, v, col)
			}
			return dateTimeWriter(w, v, col)
		},
		validate: dateTimeValidator("DateTimeN"),
	})
}

// ---- char/text family: length + collation ----

func registerCharTypes() {
	for _, spec := range []struct {
		id       typeID
		name     string
		disp     string
		wide     bool
		lenBytes int
		family   typeFamily
	}{
		{typeBigVarChar, "varchar", "VarChar", false, 2, familyCharWithCollation},
		{typeBigChar, "char", "Char", false, 2, familyCharWithCollation},
		{typeNVarChar, "nvarchar", "NVarChar", true, 2, familyCharWithCollation},
		{typeNChar, "nchar", "NChar", true, 2, familyCharWithCollation},
		{typeText, "text", "Text", false, 4, familyTextWithCollation},
		{typeNText, "ntext", "NText", true, 4, familyTextWithCollation},
	} {
		spec := spec
		registerType(&dataType{
			id: spec.id, wireName: spec.name, displayName: spec.disp, family: spec.family,
			declaration: func(col *ColumnDef) string {
				n := col.effectiveLength(4000)
				if n <= 0 || n > 8000 {
					return fmt.Sprintf("%s(max)", spec.name)
				}
				return fmt.Sprintf("%s(%d)", spec.name, n)
			},
			emitTypeInfo: func(col *ColumnDef) []byte {
				b := newTrackingBuffer(8)
				b.WriteBuf([]byte{byte(spec.id)})
				if spec.lenBytes == 2 {
					b.writeUint16(uint16(charByteLength(col, spec.wide)))
				} else {
					b.writeUint32(uint32(charByteLength(col, spec.wide)))
				}
				b.WriteBuf(defaultCollationBytes())
				return b.Bytes()
			},
			emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
				b := newTrackingBuffer(4)
				n := 0
				if v != nil {
					s, _ := v.(string)
					n = charEncodedLen(s, spec.wide)
				}
				if spec.lenBytes == 2 {
					if v == nil {
						b.writeUint16(0xffff)
					} else {
						b.writeUint16(uint16(n))
					}
				} else {
					if v == nil {
						b.writeUint32(0xffffffff)
					} else {
						b.writeUint32(uint32(n))
					}
				}
				return b.Bytes()
			},
			emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
				if v == nil {
					return nil
				}
				s, err := toStringValue(v)
				if err != nil {
					return err
				}
				if spec.wide {
					enc, err := str2ucs2(s)
					if err != nil {
						return err
					}
					_, err = w.Write(enc)
					return err
				}
				_, err = w.Write([]byte(s))
				return err
			},
			validate: stringValidator(spec.disp),
		})
	}
}

// ---- binary family ----

func registerBinaryTypes() {
	registerType(&dataType{
		id: typeBigVarBin, wireName: "varbinary", displayName: "VarBinary", family: familyBinary,
		declaration: func(col *ColumnDef) string {
			n := col.effectiveLength(8000)
			if n <= 0 || n > 8000 {
				return "varbinary(max)"
			}
			return fmt.Sprintf("varbinary(%d)", n)
		},
		emitTypeInfo: func(col *ColumnDef) []byte {
			b := newTrackingBuffer(3)
			b.WriteBuf([]byte{byte(typeBigVarBin)})
			b.writeUint16(uint16(col.effectiveLength(8000)))
			return b.Bytes()
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			b := newTrackingBuffer(2)
			if v == nil {
				b.writeUint16(0xffff)
				return b.Bytes()
			}
			raw, _ := v.([]byte)
			b.writeUint16(uint16(len(raw)))
			return b.Bytes()
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			raw, err := toBytesValue(v)
			if err != nil {
				return err
			}
			_, err = w.Write(raw)
			return err
		},
		validate: bytesValidator("VarBinary"),
	})
	registerType(&dataType{
		id: typeBigBinary, wireName: "binary", displayName: "Binary", family: familyBinary,
		declaration: func(col *ColumnDef) string { return fmt.Sprintf("binary(%d)", col.effectiveLength(8000)) },
		emitTypeInfo: func(col *ColumnDef) []byte {
			b := newTrackingBuffer(3)
			b.WriteBuf([]byte{byte(typeBigBinary)})
			b.writeUint16(uint16(col.effectiveLength(8000)))
			return b.Bytes()
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			b := newTrackingBuffer(2)
			if v == nil {
				b.writeUint16(0xffff)
				return b.Bytes()
			}
			raw, _ := v.([]byte)
			b.writeUint16(uint16(len(raw)))
			return b.Bytes()
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			raw, err := toBytesValue(v)
			if err != nil {
				return err
			}
			_, err = w.Write(raw)
			return err
		},
		validate: bytesValidator("Binary"),
	})
	registerType(&dataType{
		id: typeImage, wireName: "image", displayName: "Image", family: familyImage,
		declaration: func(*ColumnDef) string { return "image" },
		emitTypeInfo: func(*ColumnDef) []byte {
			b := newTrackingBuffer(5)
			b.WriteBuf([]byte{byte(typeImage)})
			b.writeUint32(0x7fffffff)
			return b.Bytes()
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			b := newTrackingBuffer(4)
			if v == nil {
				b.writeUint32(0xffffffff)
				return b.Bytes()
			}
			raw, _ := v.([]byte)
			b.writeUint32(uint32(len(raw)))
			return b.Bytes()
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			raw, err := toBytesValue(v)
			if err != nil {
				return err
			}
			_, err = w.Write(raw)
			return err
		},
		validate: bytesValidator("Image"),
	})
}

// ---- decimal-like family: u8 dataLength, u8 precision, u8 scale ----

func registerDecimalTypes() {
	for _, spec := range []struct {
		id   typeID
		name string
	}{
		{typeDecimalN, "decimal"},
		{typeNumericN, "numeric"},
	} {
		name, id := spec.name, spec.id
		registerType(&dataType{
			id: id, wireName: name, displayName: "DecimalN", family: familyDecimalLike,
			declaration: func(col *ColumnDef) string {
				return fmt.Sprintf("%s(%d,%d)", name, orDefault(col.Precision, 18), col.Scale)
			},
			emitTypeInfo: func(col *ColumnDef) []byte {
				b := newTrackingBuffer(4)
				b.WriteBuf([]byte{byte(id)})
				b.WriteBuf([]byte{byte(decimalWireLen(orDefault(col.Precision, 18)))})
				b.WriteBuf([]byte{orDefault(col.Precision, 18)})
				b.WriteBuf([]byte{col.Scale})
				return b.Bytes()
			},
			emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
				if v == nil {
					return []byte{0}
				}
				return []byte{byte(decimalWireLen(orDefault(col.Precision, 18)))}
			},
			emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
				if v == nil {
					return nil
				}
				d, err := toDecimal(v)
				if err != nil {
					return err
				}
				d = d.Round(int32(col.Scale))
				b := newTrackingBuffer(17)
				b.writeDecimal(d, decimalWireLen(orDefault(col.Precision, 18)))
				_, err = w.Write(b.Bytes())
				return err
			},
			validate: decimalValidator("DecimalN"),
		})
	}
}

// decimalWireLen returns the total on-wire byte count (sign byte
// included) for a given precision, per MS-TDS 2.2.5.4.3.
func decimalWireLen(precision uint8) int {
	switch {
	case precision <= 9:
		return 5
	case precision <= 19:
		return 9
	case precision <= 28:
		return 13
	default:
		return 17
	}
}

// ---- time-scale family: u8 scale tail ----

func registerTimeTypes() {
	registerType(&dataType{
		id: typeDateN, wireName: "date", displayName: "Date", family: familyFixed, fixedSize: 3,
		declaration:      func(*ColumnDef) string { return "date" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeDateN)} },
		emitLengthPrefix: nullableLengthPrefix(3),
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			d, err := toCivilDate(v)
			if err != nil {
				return err
			}
			days := daysSinceCE(d)
			b := newTrackingBuffer(3)
			b.WriteBuf([]byte{byte(days), byte(days >> 8), byte(days >> 16)})
			_, err = w.Write(b.Bytes())
			return err
		},
		validate: dateValidator,
	})
	registerType(&dataType{
		id: typeTimeN, wireName: "time", displayName: "Time", family: familyTimeScale,
		declaration: func(col *ColumnDef) string { return fmt.Sprintf("time(%d)", col.Scale) },
		emitTypeInfo: func(col *ColumnDef) []byte {
			return []byte{byte(typeTimeN), col.Scale}
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			return nullableLengthPrefix(timeScaleLen(col.Scale))(v, col)
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			t, err := toCivilTime(v)
			if err != nil {
				return err
			}
			ticks := timeTicks(t, col.Scale)
			b := newTrackingBuffer(5)
			b.WriteBuf([]byte{byte(ticks), byte(ticks >> 8), byte(ticks >> 16), byte(ticks >> 24), byte(ticks >> 32)})
			_, err = w.Write(b.Bytes()[:timeScaleLen(col.Scale)])
			return err
		},
		validate: timeValidator,
	})
	registerType(&dataType{
		id: typeDateTime2N, wireName: "datetime2", displayName: "DateTime2", family: familyTimeScale,
		declaration: func(col *ColumnDef) string { return fmt.Sprintf("datetime2(%d)", col.Scale) },
		emitTypeInfo: func(col *ColumnDef) []byte {
			return []byte{byte(typeDateTime2N), col.Scale}
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			return nullableLengthPrefix(timeScaleLen(col.Scale)+3)(v, col)
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			tm, err := toGoTime(v)
			if err != nil {
				return err
			}
			date := civil.DateOf(tm)
			days := daysSinceCE(date)
			ticks := timeTicks(civil.TimeOf(tm), col.Scale)
			n := timeScaleLen(col.Scale)
			b := newTrackingBuffer(n + 3)
			tb := make([]byte, 8)
			for i := 0; i < 8; i++ {
				tb[i] = byte(ticks >> (8 * i))
			}
			b.WriteBuf(tb[:n])
			b.WriteBuf([]byte{byte(days), byte(days >> 8), byte(days >> 16)})
			_, err = w.Write(b.Bytes())
			return err
		},
		validate: dateTime2Validator,
	})
	registerType(&dataType{
		id: typeDateTimeOffsetN, wireName: "datetimeoffset", displayName: "DateTimeOffset", family: familyTimeScale,
		declaration: func(col *ColumnDef) string { return fmt.Sprintf("datetimeoffset(%d)", col.Scale) },
		emitTypeInfo: func(col *ColumnDef) []byte {
			return []byte{byte(typeDateTimeOffsetN), col.Scale}
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			return nullableLengthPrefix(timeScaleLen(col.Scale)+5)(v, col)
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			tm, err := toGoTime(v)
			if err != nil {
				return err
			}
			utc := tm.UTC()
			date := civil.DateOf(utc)
			days := daysSinceCE(date)
			ticks := timeTicks(civil.TimeOf(utc), col.Scale)
			_, offsetSec := tm.Zone()
			n := timeScaleLen(col.Scale)
			b := newTrackingBuffer(n + 5)
			tb := make([]byte, 8)
			for i := 0; i < 8; i++ {
				tb[i] = byte(ticks >> (8 * i))
			}
			b.WriteBuf(tb[:n])
			b.WriteBuf([]byte{byte(days), byte(days >> 8), byte(days >> 16)})
			b.writeInt16(int16(offsetSec / 60))
			_, err = w.Write(b.Bytes())
			return err
		},
		validate: dateTimeOffsetValidator,
	})
}

// ---- misc: variant, xml, udt ----

func registerMiscTypes() {
	registerType(&dataType{
		id: typeVariant, wireName: "sql_variant", displayName: "Variant", family: familyVariant,
		declaration:      func(*ColumnDef) string { return "sql_variant" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeVariant)} },
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte { return []byte{0, 0, 0, 0} },
		emitValueData:    func(io.Writer, interface{}, *ColumnDef) error { return nil },
		validate:         func(v interface{}, col *ColumnDef) (interface{}, error) { return v, nil },
	})
	registerType(&dataType{
		id: typeXml, wireName: "xml", displayName: "Xml", family: familyXML,
		declaration: func(*ColumnDef) string { return "xml" },
		emitTypeInfo: func(col *ColumnDef) []byte {
			return []byte{byte(typeXml), 0} // no schema collection advertised
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			b := newTrackingBuffer(8)
			if v == nil {
				b.writeUint64(math.MaxUint64)
				return b.Bytes()
			}
			s, _ := toStringValue(v)
			enc, _ := str2ucs2(s)
			b.writeUint64(uint64(len(enc)))
			return b.Bytes()
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			s, err := toStringValue(v)
			if err != nil {
				return err
			}
			enc, err := str2ucs2(s)
			if err != nil {
				return err
			}
			_, err = w.Write(enc)
			return err
		},
		validate: stringValidator("Xml"),
	})
	registerType(&dataType{
		id: typeUdt, wireName: "udt", displayName: "UDT", family: familyUDT,
		declaration: func(col *ColumnDef) string { return orString(col.ObjName, "varbinary(max)") },
		emitTypeInfo: func(col *ColumnDef) []byte {
			b := newTrackingBuffer(8)
			b.WriteBuf([]byte{byte(typeUdt)})
			b.writeUint16(uint16(col.effectiveLength(8000)))
			_ = b.writeBVarChar("")
			_ = b.writeBVarChar("")
			_ = b.writeBVarChar(orString(col.ObjName, ""))
			_ = b.writeUsVarChar("")
			return b.Bytes()
		},
		emitLengthPrefix: func(v interface{}, col *ColumnDef) []byte {
			b := newTrackingBuffer(8)
			if v == nil {
				b.writeUint64(math.MaxUint64)
				return b.Bytes()
			}
			raw, _ := toBytesValue(v)
			b.writeUint64(uint64(len(raw)))
			return b.Bytes()
		},
		emitValueData: func(w io.Writer, v interface{}, col *ColumnDef) error {
			if v == nil {
				return nil
			}
			raw, err := toBytesValue(v)
			if err != nil {
				return err
			}
			_, err = w.Write(raw)
			return err
		},
		validate: bytesValidator("UDT"),
	})
	registerType(&dataType{
		id: typeNull, wireName: "null", displayName: "Null", family: familyFixed, fixedSize: 0,
		declaration:      func(*ColumnDef) string { return "sql_variant" },
		emitTypeInfo:     func(*ColumnDef) []byte { return []byte{byte(typeNull)} },
		emitLengthPrefix: noLengthPrefix,
		emitValueData:    func(io.Writer, interface{}, *ColumnDef) error { return nil },
		validate:         func(v interface{}, col *ColumnDef) (interface{}, error) { return nil, nil },
	})
}

// ---- shared helpers ----

func noLengthPrefix(interface{}, *ColumnDef) []byte { return nil }

func nullableLengthPrefix(size int) func(interface{}, *ColumnDef) []byte {
	return func(v interface{}, col *ColumnDef) []byte {
		if v == nil {
			return []byte{0}
		}
		return []byte{byte(size)}
	}
}

func u8LenTypeInfo(id typeID, size func(*ColumnDef) byte) func(*ColumnDef) []byte {
	return func(col *ColumnDef) []byte {
		return []byte{byte(id), size(col)}
	}
}

func intNSize(col *ColumnDef) int {
	switch col.effectiveLength(4) {
	case 1, 2, 4, 8:
		return col.effectiveLength(4)
	default:
		return 4
	}
}

func floatNSize(col *ColumnDef) int {
	if col.effectiveLength(8) == 4 {
		return 4
	}
	return 8
}

func sizedIntDeclaration(col *ColumnDef) string {
	switch intNSize(col) {
	case 1:
		return "tinyint"
	case 2:
		return "smallint"
	case 8:
		return "bigint"
	default:
		return "int"
	}
}

func intWriter(size int) func(io.Writer, interface{}, *ColumnDef) error {
	return func(w io.Writer, v interface{}, col *ColumnDef) error {
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b := newTrackingBuffer(8)
		switch size {
		case 1:
			b.WriteBuf([]byte{byte(n)})
		case 2:
			b.writeInt16(int16(n))
		case 4:
			b.writeInt32(int32(n))
		case 8:
			b.writeInt64(n)
		}
		_, err = w.Write(b.Bytes())
		return err
	}
}

func moneyWriter(size int) func(io.Writer, interface{}, *ColumnDef) error {
	return func(w io.Writer, v interface{}, col *ColumnDef) error {
		d, err := toDecimal(v)
		if err != nil {
			return err
		}
		scaled := d.Shift(4).Round(0)
		b := newTrackingBuffer(8)
		if size == 4 {
			b.writeInt32(int32(scaled.IntPart()))
		} else {
			v := scaled.BigInt().Int64()
			b.writeInt32(int32(v >> 32))
			b.writeUint32(uint32(v))
		}
		_, err = w.Write(b.Bytes())
		return err
	}
}

// tdsEpoch is the TDS DateTime/SmallDateTime/Date base date (spec.md
// §4.5).
var tdsEpoch = civil.Date{Year: 1900, Month: 1, Day: 1}

func daysSinceCE(d civil.Date) int {
	return int(d.DaysSince(tdsEpoch))
}

func smallDateTimeWriter(w io.Writer, v interface{}, col *ColumnDef) error {
	tm, err := toGoTime(v)
	if err != nil {
		return err
	}
	days := daysSinceCE(civil.DateOf(tm))
	minutes := tm.Hour()*60 + tm.Minute()
	b := newTrackingBuffer(4)
	b.writeUint16(uint16(days))
	b.writeUint16(uint16(minutes))
	_, err = w.Write(b.Bytes())
	return err
}

func dateTimeWriter(w io.Writer, v interface{}, col *ColumnDef) error {
	tm, err := toGoTime(v)
	if err != nil {
		return err
	}
	days := daysSinceCE(civil.DateOf(tm))
	midnight := time.Date(tm.Year(), tm.Month(), tm.Day(), 0, 0, 0, 0, tm.Location())
	threeHundredths := int32(tm.Sub(midnight).Seconds() * 300)
	b := newTrackingBuffer(8)
	b.writeInt32(int32(days))
	b.writeInt32(threeHundredths)
	_, err = w.Write(b.Bytes())
	return err
}

// timeScaleLen returns the wire byte count for a TIME/DATETIME2 value
// at the given fractional-seconds scale (MS-TDS 2.2.5.4.7).
func timeScaleLen(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func timeTicks(t civil.Time, scale uint8) uint64 {
	secs := uint64(t.Hour)*3600 + uint64(t.Minute)*60 + uint64(t.Second)
	nanoFraction := uint64(t.Nanosecond)
	divisor := uint64(1)
	for i := uint8(0); i < 9-scale; i++ {
		divisor *= 10
	}
	fractionTicks := nanoFraction / divisor
	scaleUnit := uint64(1)
	for i := uint8(0); i < scale; i++ {
		scaleUnit *= 10
	}
	return secs*scaleUnit + fractionTicks
}

func orDefault(v uint8, def uint8) uint8 {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultCollationBytes() []byte {
	// SQL_Latin1_General_CP1_CI_AS, the common default collation.
	return []byte{0x09, 0x04, 0xd0, 0x00, 0x34}
}

func charByteLength(col *ColumnDef, wide bool) int {
	n := col.effectiveLength(4000)
	if wide {
		return n * 2
	}
	return n
}

func charEncodedLen(s string, wide bool) int {
	if wide {
		enc, _ := str2ucs2(s)
		return len(enc)
	}
	return len(s)
}
