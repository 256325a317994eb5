package mssql

import "golang.org/x/text/encoding/unicode"

// utf16Encoding and its decoder/encoder are shared by the write buffer (C1) and the stream parser
// (C3) for UCS-2 LE <-> string conversion, the way the teacher shares
// a single package-level utf16Decoder across its read paths.
var (
	utf16Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	utf16Decoder  = utf16Encoding.NewDecoder()
	utf16Encoder  = utf16Encoding.NewEncoder()
)

func str2ucs2(s string) ([]byte, error) {
	return utf16Encoder.Bytes([]byte(s))
}

func ucs22str(b []byte) (string, error) {
	s, err := utf16Decoder.Bytes(b)
	if err != nil {
		return "", err
	}
	return string(s), nil
}
