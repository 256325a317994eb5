package mssql

// collation is the 5-byte TDS collation descriptor attached to
// character-family columns (MS-TDS 2.2.5.1.2).
type collation struct {
	lcid    uint32
	flags   uint8
	version uint8
	sortID  uint8
}

const (
	collFlagIgnoreCase   uint8 = 1 << 0
	collFlagIgnoreAccent uint8 = 1 << 1
	collFlagIgnoreKana   uint8 = 1 << 2
	collFlagIgnoreWidth  uint8 = 1 << 3
	collFlagBinary       uint8 = 1 << 4
	collFlagBinary2      uint8 = 1 << 5
	collFlagUTF8         uint8 = 1 << 6
	collFlagReserved     uint8 = 1 << 7
)

func (c collation) ignoreCase() bool   { return c.flags&collFlagIgnoreCase != 0 }
func (c collation) ignoreAccent() bool { return c.flags&collFlagIgnoreAccent != 0 }
func (c collation) ignoreKana() bool   { return c.flags&collFlagIgnoreKana != 0 }
func (c collation) ignoreWidth() bool  { return c.flags&collFlagIgnoreWidth != 0 }
func (c collation) binary() bool       { return c.flags&collFlagBinary != 0 }
func (c collation) binary2() bool      { return c.flags&collFlagBinary2 != 0 }
func (c collation) utf8() bool         { return c.flags&collFlagUTF8 != 0 }

// parseCollation decodes the strict 5-byte layout from spec.md §3/§4.4:
// b0,b1,b2 carry the LCID (20 bits); the high nybble of b2 plus the
// low nybble of b3 carry the flag bits; the high nybble of b3 carries
// the version; b4 is the sortId.
func parseCollation(b []byte) collation {
	_ = b[4] // bounds check hint, mirrors teacher's explicit-length reads
	lcid := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2]&0x0f)<<16
	// The 4-byte LCID/flags/version word is packed little-endian: byte2's
	// high nybble holds flags bits 0-3, byte3's low nybble holds flags
	// bits 4-7, byte3's high nybble holds the version.
	flags := (b[3]&0x0f)<<4 | b[2]>>4
	version := (b[3] & 0xf0) >> 4
	return collation{lcid: lcid, flags: flags, version: version, sortID: b[4]}
}

// codepage resolves the collation to a Go-recognised codepage name
// per the resolution order in spec.md §3: UTF8 flag wins outright,
// then sortId (when nonzero), then LCID, then a fixed fallback.
func (c collation) codepage() string {
	if c.utf8() {
		return "utf8"
	}
	if c.sortID == 0 {
		if cp, ok := lcidToCodepage[c.lcid]; ok {
			return cp
		}
		return "CP1252"
	}
	if cp, ok := sortIDToCodepage[c.sortID]; ok {
		return cp
	}
	return "CP1252"
}

// Small, representative subset of the SQL Server LCID/sortId ->
// codepage tables; populated once and never mutated, as spec.md §5
// requires for shared immutable state.
var lcidToCodepage = map[uint32]string{
	0x0409: "CP1252", // en-US
	0x0407: "CP1252", // de-DE
	0x040c: "CP1252", // fr-FR
	0x0411: "CP932",  // ja-JP
	0x0804: "CP936",  // zh-CN
	0x0419: "CP1251", // ru-RU
	0x0416: "CP1252", // pt-BR
}

var sortIDToCodepage = map[uint8]string{
	30: "CP437",
	31: "CP437",
	32: "CP437",
	33: "CP437",
	34: "CP437",
	40: "CP850",
	50: "CP1252",
	51: "CP1252",
	52: "CP1252",
	53: "CP1252",
	54: "CP1252",
	55: "CP850",
	56: "CP850",
	57: "CP850",
	58: "CP850",
	59: "CP850",
	60: "CP850",
	61: "CP850",
}
