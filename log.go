package mssql

import (
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
)

// LogFlags gates which categories of diagnostic output a Session
// emits. Mirrors the teacher driver's logFlags bitmask: cheap to check,
// cheap to leave compiled in, opt-in at construction time.
type LogFlags uint64

const (
	logErrors LogFlags = 1 << iota
	logMessages
	logRows
	logDebug
	logTransaction
	logPackets
	logCancel
)

type logger struct {
	out   *log.Logger
	flags LogFlags
}

func newLogger(flags LogFlags) *logger {
	return &logger{out: log.New(os.Stderr, "mssql: ", log.LstdFlags), flags: flags}
}

func (l *logger) has(f LogFlags) bool {
	return l != nil && l.flags&f != 0
}

func (l *logger) Printf(f LogFlags, format string, args ...interface{}) {
	if l.has(f) {
		l.out.Printf(format, args...)
	}
}

// dump renders v with go-spew when logDebug is enabled. Used for
// token, packet, and column-descriptor tracing where a one-line
// Printf would be unreadable.
func (l *logger) dump(label string, v interface{}) {
	if l.has(logDebug) {
		l.out.Printf("%s:\n%s", label, spew.Sdump(v))
	}
}
