// Package message defines the unit of work the connection engine pipelines:
// a request's payload, its lifecycle state, and the typed completion target
// that receives its decoded reply.
package message

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mickamy/respipe/resp"
)

// State is a message's position in its lifecycle. Transitions are
// monotonic: NotSent -> Sent -> Complete, with NotSent -> Cancelled also
// permitted. All transitions are performed with atomic compare-and-swap.
type State int32

const (
	NotSent State = iota
	Sent
	Complete
	Cancelled
)

func (s State) String() string {
	switch s {
	case NotSent:
		return "NotSent"
	case Sent:
		return "Sent"
	case Complete:
		return "Complete"
	case Cancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// NoDB is the sentinel database index for DB-agnostic commands (those that
// do not need a SELECT reconciled in front of them).
const NoDB = -1

// InvalidDB forces a fresh SELECT before the next non-DB-agnostic message,
// used after EVAL/EVALSHA/DISCARD/EXEC per spec.md §3.
const InvalidDB = -2

// Flags modify how the writer and matcher treat a Message.
type Flags struct {
	MustSucceed bool // a failing reply is a fatal protocol error
	DuringInit  bool // may be written while the engine is "held"
	QueueJump   bool // bypasses the held gate, not the in-progress writer
}

// Message carries one request: its command and arguments, target database,
// optional expected-literal success check, flags, lifecycle state, and the
// Sink that receives its decoded result.
type Message struct {
	ID   string
	Args [][]byte // Args[0] is the command name
	DB   int      // NoDB for DB-agnostic commands

	Expected []byte // non-nil: the literal Status reply required for success
	Flags    Flags

	Sink Sink

	state atomic.Int32
}

// New constructs a Message targeting db, with no expected-literal check and
// no flags set. Use the With* methods to adjust flags before enqueuing.
func New(db int, sink Sink, args ...[]byte) *Message {
	return &Message{
		ID:   uuid.New().String(),
		Args: args,
		DB:   db,
		Sink: sink,
	}
}

// WithExpected sets the literal status reply required for success.
func (m *Message) WithExpected(status []byte) *Message {
	m.Expected = status
	return m
}

// WithFlags overwrites the message's flags.
func (m *Message) WithFlags(f Flags) *Message {
	m.Flags = f
	return m
}

// State returns the message's current lifecycle state.
func (m *Message) State() State {
	return State(m.state.Load())
}

// TryTransition attempts an atomic CAS from `from` to `to`, returning
// whether it succeeded. Illegal transitions (anything but NotSent->Sent,
// Sent->Complete, or NotSent->Cancelled) should not be attempted by
// callers; TryTransition does not itself validate legality beyond the CAS
// comparand.
func (m *Message) TryTransition(from, to State) bool {
	return m.state.CompareAndSwap(int32(from), int32(to))
}

// Command returns the message's command name, or "" if Args is empty.
func (m *Message) Command() string {
	if len(m.Args) == 0 {
		return ""
	}
	return string(m.Args[0])
}

// Complete transitions the message Sent->Complete and, only if that
// transition succeeds, delivers reply to its sink. A second call (e.g. a
// racing shutdown-drain and reader completion) is a safe no-op: the CAS
// guards single delivery.
func (m *Message) Complete(reply resp.Reply) {
	if m.TryTransition(Sent, Complete) {
		m.Sink.Complete(reply)
	}
}

// CompleteCancelled transitions NotSent->Cancelled and, only if that
// transition succeeds, delivers resp.Cancelled to the sink. Used by
// cancel-unsent (the conn package's Engine.CancelUnsent).
func (m *Message) CompleteCancelled() {
	if m.TryTransition(NotSent, Cancelled) {
		m.Sink.Complete(resp.Cancelled)
	}
}
