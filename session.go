package mssql

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ConnState is one of the five states the bulk engine observes on a
// Session (spec.md §4.7).
type ConnState int

const (
	StateConnecting ConnState = iota
	StateLoggedIn
	StateSentClientRequest
	StateSentAttention
	StateFinal
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateLoggedIn:
		return "LoggedIn"
	case StateSentClientRequest:
		return "SentClientRequest"
	case StateSentAttention:
		return "SentAttention"
	case StateFinal:
		return "Final"
	default:
		return "Unknown"
	}
}

// Session is the minimal Request/Connection State Machine collaborator
// surface the bulk engine depends on (spec.md §4.7): it owns the
// transport, frames outbound messages, and dispatches the inbound
// token stream to whichever request is currently active. Everything
// outside that surface (login, pre-login negotiation, the public
// database/sql-facing API) is out of scope per spec.md §1.
type Session struct {
	transport io.ReadWriteCloser
	version   tdsVersion
	log       *logger

	mu         sync.Mutex
	state      ConnState
	database   string
	tranID     uint64
	routedHost string
	routedPort uint16
	packetSize int

	reader *packetReader

	tokenCb func(Token)
	endCb   func(error)
}

// NewSession wraps transport in a Session, assumed already past
// Pre-Login/Login7 (those phases are external collaborators per
// spec.md §1) and sitting in StateLoggedIn.
func NewSession(transport io.ReadWriteCloser, ver tdsVersion, flags LogFlags) *Session {
	return &Session{
		transport:  transport,
		version:    ver,
		log:        newLogger(flags),
		state:      StateLoggedIn,
		packetSize: defaultPacketSize,
		reader:     newPacketReader(transport),
	}
}

func (s *Session) currentStateName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

func (s *Session) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// onToken registers the callback invoked for every token the session
// decodes while a request is active.
func (s *Session) onToken(cb func(Token)) { s.tokenCb = cb }

// onEnd stores a callback for the end of the current request. The
// Session only records it: no code path in this package calls it.
func (s *Session) onEnd(cb func(error)) { s.endCb = cb }

// write sends one complete outbound message of the given packet type,
// fragmented by a packetWriter at the session's negotiated packet
// size (C2).
func (s *Session) write(pt packetType, body func(w *packetWriter) error) error {
	s.setState(StateSentClientRequest)
	pw := newPacketWriter(s.transport, s.packetSize, pt)
	if err := body(pw); err != nil {
		return err
	}
	return pw.Flush()
}

// sendAttention emits the zero-payload ATTENTION packet used to
// request cancellation (spec.md §4.6 Cancellation).
func (s *Session) sendAttention() error {
	s.log.Printf(logCancel, "sending ATTENTION")
	s.setState(StateSentAttention)
	pw := newPacketWriter(s.transport, s.packetSize, packAttention)
	return pw.Flush()
}

// runReceiving drives the inbound token stream for the current
// request until a DONE/DONEPROC/DONEINPROC with doneMore unset, an
// error, or ctx cancellation. A ProtocolError or TransportError leaves
// the session in StateFinal; any other error returns it to
// StateLoggedIn. It is the glue between the packet reader (C2), the
// stream parser (C3), and the token dispatcher (token.go), playing the
// role of the teacher's processSingleResponse + tokenProcessor pair.
//
// Once cancelled is observed set, every non-DONE token is discarded
// without dispatch, and a DONE is only yielded (and the loop
// terminated) once it carries the cancel acknowledgement (doneAttn) —
// spec.md §4.3's cancellation behaviour, mirroring the teacher's
// readCancelConfirmation draining for doneAttn rather than stopping at
// the first DONE it sees.
func (s *Session) runReceiving(ctx context.Context, cancelled *int32) error {
	parser := newStreamParser(s.reader, s.log)
	parser.cancelled = cancelled

	var activeCols []*ColumnDef
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tok, err := s.nextToken(parser, &activeCols)
		if err != nil {
			var perr *ProtocolError
			var terr *TransportError
			if errors.As(err, &perr) || errors.As(err, &terr) {
				s.setState(StateFinal)
			} else {
				s.setState(StateLoggedIn)
			}
			return err
		}
		if tok == nil {
			continue
		}
		done, isDone := tok.(DoneToken)
		if parser.isCancelled() {
			if !isDone || !done.cancelAck() {
				continue
			}
			s.log.dump("token", tok)
			if s.tokenCb != nil {
				s.tokenCb(tok)
			}
			s.setState(StateLoggedIn)
			return nil
		}
		s.log.dump("token", tok)
		if s.tokenCb != nil {
			s.tokenCb(tok)
		}
		if isDone && !done.moreComing() {
			s.setState(StateLoggedIn)
			return nil
		}
	}
}

// nextToken decodes the next token, reassembling ROW/NBCROW bodies
// against the most recently seen COLMETADATA the way the teacher's
// processSingleResponse closes over `columns`.
func (s *Session) nextToken(p *streamParser, activeCols *[]*ColumnDef) (Token, error) {
	tagByte, err := p.readByte()
	if err != nil {
		return nil, err
	}
	switch tokenTag(tagByte) {
	case tagRow:
		return decodeRow(p, *activeCols)
	case tagNbcRow:
		return decodeNbcRow(p, *activeCols)
	default:
		// The tag byte is already consumed, so dispatch on it directly
		// through decodeTokenFromTag; decodeToken would read a second
		// tag byte.
		tok, err := decodeTokenFromTag(p, tokenTag(tagByte), s.version)
		if err != nil {
			return nil, err
		}
		if cm, ok := tok.(ColMetadataToken); ok {
			*activeCols = cm.Columns
		}
		if ec, ok := tok.(EnvChangeToken); ok {
			s.applyEnvChange(ec)
		}
		return tok, nil
	}
}

func (s *Session) applyEnvChange(ec EnvChangeToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ec.Database != "" {
		s.database = ec.Database
	}
	if ec.PacketSize > 0 {
		s.packetSize = ec.PacketSize
	}
	if ec.BeginTranID != 0 {
		s.tranID = ec.BeginTranID
	}
	if ec.EndTran {
		s.tranID = 0
	}
	if ec.RoutedServer != "" {
		s.routedHost = ec.RoutedServer
		s.routedPort = ec.RoutedPort
	}
}
