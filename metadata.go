package mssql

// COLMETADATA flags (MS-TDS 2.2.5.5.3). Only nullability is modelled;
// the rest are reserved for a fuller result-set implementation, which
// is out of scope (spec.md §1: "result set projection beyond raw
// column decoding").
const (
	colFlagNullable uint16 = 1 << 0
)

// tdsVersion is a numeric, explicitly ordered enum replacing the
// upstream's string-lexicographic "7_0" | "7_1" | "7_2" comparison —
// the Open Question resolution recorded in spec.md §9 / DESIGN.md.
type tdsVersion uint32

const (
	tds70 tdsVersion = iota
	tds71
	tds71rev1
	tds72
	tds73A
	tds73B
	tds74
)

// userTypeIsWide reports whether COLMETADATA's userType field is a u32
// (TDS 7.2+) rather than a u16 (spec.md §4.4 step 2).
func userTypeIsWide(v tdsVersion) bool { return v >= tds72 }

// decodeColMetadata parses a COLMETADATA token body per spec.md §4.4.
// A column count of 0xFFFF means no columns are present.
func decodeColMetadata(p *streamParser, ver tdsVersion) ([]*ColumnDef, error) {
	count, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	if count == 0xffff {
		return nil, nil
	}
	cols := make([]*ColumnDef, count)
	for i := range cols {
		col, err := decodeOneColumn(p, ver)
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return cols, nil
}

func decodeOneColumn(p *streamParser, ver tdsVersion) (*ColumnDef, error) {
	var userType uint32
	var err error
	if userTypeIsWide(ver) {
		userType, err = p.readUint32()
	} else {
		var u16 uint16
		u16, err = p.readUint16()
		userType = uint32(u16)
	}
	if err != nil {
		return nil, err
	}
	flags, err := p.readUint16()
	if err != nil {
		return nil, err
	}
	rawTypeID, err := p.readByte()
	if err != nil {
		return nil, err
	}
	dt, err := lookupTypeByID(typeID(rawTypeID))
	if err != nil {
		return nil, err
	}

	col := &ColumnDef{Type: dt, UserType: userType, Flags: flags, Nullable: flags&colFlagNullable != 0}

	if err := decodeTypeTail(p, dt, col); err != nil {
		return nil, err
	}

	name, err := p.readBVarChar()
	if err != nil {
		return nil, err
	}
	col.Name = name
	return col, nil
}

// decodeTypeTail decodes the per-family tail described by spec.md
// §4.4's table, filling in the parts of col the registry entry itself
// doesn't carry (per-instance length/precision/scale/collation).
func decodeTypeTail(p *streamParser, dt *dataType, col *ColumnDef) error {
	switch dt.family {
	case familyFixed:
		// no tail
		return nil
	case familyNullableFixed:
		n, err := p.readByte()
		if err != nil {
			return err
		}
		col.Length = int(n)
		return nil
	case familyVariant:
		n, err := p.readUint32()
		if err != nil {
			return err
		}
		col.Length = int(n)
		return nil
	case familyCharWithCollation:
		n, err := p.readUint16()
		if err != nil {
			return err
		}
		col.Length = int(n)
		return decodeCollation(p, col)
	case familyTextWithCollation:
		n, err := p.readUint32()
		if err != nil {
			return err
		}
		col.Length = int(n)
		return decodeCollation(p, col)
	case familyBinary:
		n, err := p.readUint16()
		if err != nil {
			return err
		}
		col.Length = int(n)
		return nil
	case familyImage:
		n, err := p.readUint32()
		if err != nil {
			return err
		}
		col.Length = int(n)
		return nil
	case familyXML:
		present, err := p.readByte()
		if err != nil {
			return err
		}
		if present == 1 {
			if _, err := p.readBVarChar(); err != nil { // dbname
				return err
			}
			if _, err := p.readBVarChar(); err != nil { // owning schema
				return err
			}
			if _, err := p.readUsVarChar(); err != nil { // schema collection
				return err
			}
		}
		return nil
	case familyTimeScale:
		scale, err := p.readByte()
		if err != nil {
			return err
		}
		col.Scale = scale
		return nil
	case familyDecimalLike:
		length, err := p.readByte()
		if err != nil {
			return err
		}
		precision, err := p.readByte()
		if err != nil {
			return err
		}
		scale, err := p.readByte()
		if err != nil {
			return err
		}
		col.Length = int(length)
		col.Precision = precision
		col.Scale = scale
		return nil
	case familyUDT:
		maxSize, err := p.readUint16()
		if err != nil {
			return err
		}
		col.Length = int(maxSize)
		if _, err := p.readBVarChar(); err != nil { // dbname
			return err
		}
		if _, err := p.readBVarChar(); err != nil { // owning schema
			return err
		}
		typeName, err := p.readBVarChar()
		if err != nil {
			return err
		}
		col.ObjName = typeName
		if _, err := p.readUsVarChar(); err != nil { // assembly name
			return err
		}
		return nil
	default:
		return protocolErrorf("unhandled type family for %s", dt.displayName)
	}
}

func decodeCollation(p *streamParser, col *ColumnDef) error {
	raw, err := p.readBuffer(5)
	if err != nil {
		return err
	}
	c := parseCollation(raw)
	col.Coll = &c
	return nil
}
