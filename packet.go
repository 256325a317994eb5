package mssql

import (
	"encoding/binary"
	"io"
)

// packetType is the first byte of a TDS packet header (MS-TDS 2.2.3.1).
type packetType byte

const (
	packSQLBatch    packetType = 1
	packRPCRequest  packetType = 3
	packReply       packetType = 4
	packAttention   packetType = 6
	packBulkLoadBCP packetType = 7
	packTransMgrReq packetType = 14
	packLogin7      packetType = 16
	packSSPIMessage packetType = 17
	packPrelogin    packetType = 18
)

// packet status bits (MS-TDS 2.2.3.1.2).
const (
	statusNormal         byte = 0x00
	statusEOM            byte = 0x01
	statusIgnore         byte = 0x02
	statusResetConn      byte = 0x08
	statusResetConnSkip  byte = 0x10
)

const (
	packetHeaderSize  = 8
	defaultPacketSize = 4096
	minPacketSize     = 512
	maxPacketSize     = 32767
)

// packetHeader is the fixed 8-byte TDS packet header.
type packetHeader struct {
	packetType packetType
	status     byte
	length     uint16 // total packet length, header included, big-endian on the wire
	spid       uint16
	packetID   byte
	window     byte
}

func (h packetHeader) isEOM() bool { return h.status&statusEOM != 0 }

func (h packetHeader) marshal() [packetHeaderSize]byte {
	var out [packetHeaderSize]byte
	out[0] = byte(h.packetType)
	out[1] = h.status
	binary.BigEndian.PutUint16(out[2:4], h.length)
	binary.BigEndian.PutUint16(out[4:6], h.spid)
	out[6] = h.packetID
	out[7] = h.window
	return out
}

func parsePacketHeader(buf []byte) (packetHeader, error) {
	if len(buf) < packetHeaderSize {
		return packetHeader{}, protocolErrorf("truncated packet header: %d bytes", len(buf))
	}
	h := packetHeader{
		packetType: packetType(buf[0]),
		status:     buf[1],
		length:     binary.BigEndian.Uint16(buf[2:4]),
		spid:       binary.BigEndian.Uint16(buf[4:6]),
		packetID:   buf[6],
		window:     buf[7],
	}
	if h.length < packetHeaderSize {
		return packetHeader{}, protocolErrorf("packet length %d shorter than header", h.length)
	}
	return h, nil
}

// packetWriter fragments an outbound byte stream into packets of the
// negotiated size and writes them to the transport as they fill, so it
// never buffers more than one packet's worth of bytes ahead of the
// wire. This is the backpressure point the bulk engine (C6) relies on.
type packetWriter struct {
	w          io.Writer
	packetSize int
	packetType packetType
	packetID   byte
	pending    []byte
}

func newPacketWriter(w io.Writer, packetSize int, pt packetType) *packetWriter {
	if packetSize < minPacketSize {
		packetSize = defaultPacketSize
	}
	if packetSize > maxPacketSize {
		packetSize = maxPacketSize
	}
	return &packetWriter{w: w, packetSize: packetSize, packetType: pt}
}

func (pw *packetWriter) resize(n int) {
	if n < minPacketSize {
		n = minPacketSize
	}
	if n > maxPacketSize {
		n = maxPacketSize
	}
	pw.packetSize = n
}

func (pw *packetWriter) maxPayload() int { return pw.packetSize - packetHeaderSize }

// Write buffers p, flushing complete packets to the transport as they
// fill. It never holds more than one packet's worth of bytes.
func (pw *packetWriter) Write(p []byte) (int, error) {
	total := len(p)
	pw.pending = append(pw.pending, p...)
	for len(pw.pending) >= pw.maxPayload() {
		chunk := pw.pending[:pw.maxPayload()]
		if err := pw.flushChunk(chunk, false); err != nil {
			return 0, err
		}
		pw.pending = pw.pending[pw.maxPayload():]
	}
	return total, nil
}

// Flush emits any buffered remainder with EOM set, ending the logical
// message. Call exactly once per outbound message.
func (pw *packetWriter) Flush() error {
	if err := pw.flushChunk(pw.pending, true); err != nil {
		return err
	}
	pw.pending = nil
	return nil
}

func (pw *packetWriter) flushChunk(chunk []byte, eom bool) error {
	status := statusNormal
	if eom {
		status = statusEOM
	}
	h := packetHeader{
		packetType: pw.packetType,
		status:     status,
		length:     uint16(packetHeaderSize + len(chunk)),
		packetID:   pw.packetID,
	}
	pw.packetID++
	hdr := h.marshal()
	if _, err := pw.w.Write(hdr[:]); err != nil {
		return &TransportError{Cause: err}
	}
	if len(chunk) > 0 {
		if _, err := pw.w.Write(chunk); err != nil {
			return &TransportError{Cause: err}
		}
	}
	return nil
}

// packetReader reassembles inbound packets into logical messages. It
// reads exactly one packet at a time so the caller (the stream
// parser, C3) controls pace; a RESET_CONNECTION status is surfaced via
// resetRequested for the connection state machine (C7) rather than
// consumed here.
type packetReader struct {
	r               io.Reader
	lastPacketID    byte
	havePacketID    bool
	resetRequested  bool
	ignoreRemaining bool
}

func newPacketReader(r io.Reader) *packetReader {
	return &packetReader{r: r}
}

// readPacket reads one full packet (header + payload) and returns its
// header, payload, and whether the message is complete (EOM).
func (pr *packetReader) readPacket(lg *logger) (packetHeader, []byte, error) {
	var hdrBuf [packetHeaderSize]byte
	if _, err := io.ReadFull(pr.r, hdrBuf[:]); err != nil {
		return packetHeader{}, nil, &TransportError{Cause: err}
	}
	h, err := parsePacketHeader(hdrBuf[:])
	if err != nil {
		return packetHeader{}, nil, err
	}
	if h.length > maxPacketSize {
		return packetHeader{}, nil, protocolErrorf("packet length %d exceeds max %d", h.length, maxPacketSize)
	}
	payload := make([]byte, int(h.length)-packetHeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(pr.r, payload); err != nil {
			return packetHeader{}, nil, &TransportError{Cause: err}
		}
	}
	if pr.havePacketID && byte(pr.lastPacketID+1) != h.packetID {
		lg.Printf(logPackets, "non-monotonic packetId: got %d, expected %d", h.packetID, pr.lastPacketID+1)
	}
	pr.lastPacketID = h.packetID
	pr.havePacketID = true
	if h.status&statusResetConn != 0 {
		pr.resetRequested = true
	}
	lg.Printf(logPackets, "read packet type=%d status=%#x len=%d", h.packetType, h.status, h.length)
	return h, payload, nil
}

// readMessage reads packets until EOM and returns the concatenated
// payload. A message flagged IGNORE on any of its packets is
// discarded and readMessage reads the next one instead.
func (pr *packetReader) readMessage(lg *logger) (packetType, []byte, error) {
	for {
		var msgType packetType
		var payload []byte
		ignored := false
		for {
			h, chunk, err := pr.readPacket(lg)
			if err != nil {
				return 0, nil, err
			}
			if msgType == 0 {
				msgType = h.packetType
			}
			if h.status&statusIgnore != 0 {
				ignored = true
			}
			payload = append(payload, chunk...)
			if h.isEOM() {
				break
			}
		}
		if ignored {
			continue
		}
		return msgType, payload, nil
	}
}
