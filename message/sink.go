package message

import (
	"fmt"
	"strconv"

	"github.com/mickamy/respipe/resp"
)

// Future is the caller-facing completion handle for one Message. Each
// typed sink constructor below (NewBoolSink, NewIntSink, ...) returns a
// Sink together with the Future of the matching result type.
type Future[T any] struct {
	ch chan Outcome[T]
}

// Outcome carries either a decoded value or an error.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Wait blocks until the sink completes, returning its outcome.
func (f *Future[T]) Wait() Outcome[T] {
	return <-f.ch
}

// Done returns the channel the outcome arrives on, for use in a select.
func (f *Future[T]) Done() <-chan Outcome[T] {
	return f.ch
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan Outcome[T], 1)}
}

// Sink converts a decoded resp.Reply to a typed value and completes
// exactly one Future. The matcher (conn package) picks the concrete Sink
// by the shape the caller requested; there is no virtual-dispatch
// hierarchy (see spec.md §9 "Dynamic dispatch over result sinks").
type Sink interface {
	// Complete is invoked exactly once with the message's final reply:
	// a decoded resp.Reply, resp.Pass (expected-literal match), or
	// resp.Cancelled.
	Complete(r resp.Reply)
}

// ServerError wraps a RESP Error reply's text as a Go error.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string { return "respipe: server error: " + e.Text }

// ErrCancelled is delivered to a sink whose message was cancelled or whose
// connection was torn down before a real reply arrived.
var ErrCancelled = fmt.Errorf("respipe: message cancelled")

// ---- boolean ----

type boolSink struct{ f *Future[bool] }

// NewBoolSink returns a sink that maps Integer(0)->false, Integer(1)->true.
func NewBoolSink() (Sink, *Future[bool]) {
	f := newFuture[bool]()
	return &boolSink{f: f}, f
}

func (s *boolSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindPass:
		s.f.ch <- Outcome[bool]{Value: true}
	case resp.KindInt:
		switch r.Int {
		case 0:
			s.f.ch <- Outcome[bool]{Value: false}
		case 1:
			s.f.ch <- Outcome[bool]{Value: true}
		default:
			s.f.ch <- Outcome[bool]{Err: &ServerError{Text: fmt.Sprintf("integer %d out of bool range", r.Int)}}
		}
	case resp.KindError:
		s.f.ch <- Outcome[bool]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[bool]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[bool]{Err: &ServerError{Text: "unexpected reply for bool sink"}}
	}
}

// ---- integer ----

type intSink struct{ f *Future[int64] }

// NewIntSink returns a sink that passes Integer replies through unchanged.
func NewIntSink() (Sink, *Future[int64]) {
	f := newFuture[int64]()
	return &intSink{f: f}, f
}

func (s *intSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindInt:
		s.f.ch <- Outcome[int64]{Value: r.Int}
	case resp.KindError:
		s.f.ch <- Outcome[int64]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[int64]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[int64]{Err: &ServerError{Text: "unexpected reply for integer sink"}}
	}
}

// ---- nullable integer ----

type nullIntSink struct{ f *Future[*int64] }

// NewNullIntSink returns a sink where a nil bulk reply maps to a nil
// pointer (absent value).
func NewNullIntSink() (Sink, *Future[*int64]) {
	f := newFuture[*int64]()
	return &nullIntSink{f: f}, f
}

func (s *nullIntSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindInt:
		v := r.Int
		s.f.ch <- Outcome[*int64]{Value: &v}
	case resp.KindBulk:
		if r.IsNil {
			s.f.ch <- Outcome[*int64]{Value: nil}
			return
		}
		n, err := parseDecimal(r.Bulk)
		if err != nil {
			s.f.ch <- Outcome[*int64]{Err: err}
			return
		}
		s.f.ch <- Outcome[*int64]{Value: &n}
	case resp.KindError:
		s.f.ch <- Outcome[*int64]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[*int64]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[*int64]{Err: &ServerError{Text: "unexpected reply for nullable-integer sink"}}
	}
}

// ---- double (bulk, decimal text) ----

type doubleSink struct{ f *Future[float64] }

// NewDoubleSink returns a sink that parses a bulk reply as a decimal
// float, the wire shape commands like INCRBYFLOAT and ZSCORE use.
func NewDoubleSink() (Sink, *Future[float64]) {
	f := newFuture[float64]()
	return &doubleSink{f: f}, f
}

func (s *doubleSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindBulk:
		if r.IsNil {
			s.f.ch <- Outcome[float64]{Err: &ServerError{Text: "nil reply for double sink"}}
			return
		}
		v, err := strconv.ParseFloat(string(r.Bulk), 64)
		if err != nil {
			s.f.ch <- Outcome[float64]{Err: &ServerError{Text: fmt.Sprintf("malformed double bulk %q", r.Bulk)}}
			return
		}
		s.f.ch <- Outcome[float64]{Value: v}
	case resp.KindError:
		s.f.ch <- Outcome[float64]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[float64]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[float64]{Err: &ServerError{Text: "unexpected reply for double sink"}}
	}
}

// ---- nullable double ----

type nullDoubleSink struct{ f *Future[*float64] }

// NewNullDoubleSink returns a sink where a nil bulk reply maps to a nil
// pointer (absent value), e.g. ZSCORE on a missing member.
func NewNullDoubleSink() (Sink, *Future[*float64]) {
	f := newFuture[*float64]()
	return &nullDoubleSink{f: f}, f
}

func (s *nullDoubleSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindBulk:
		if r.IsNil {
			s.f.ch <- Outcome[*float64]{Value: nil}
			return
		}
		v, err := strconv.ParseFloat(string(r.Bulk), 64)
		if err != nil {
			s.f.ch <- Outcome[*float64]{Err: &ServerError{Text: fmt.Sprintf("malformed double bulk %q", r.Bulk)}}
			return
		}
		s.f.ch <- Outcome[*float64]{Value: &v}
	case resp.KindError:
		s.f.ch <- Outcome[*float64]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[*float64]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[*float64]{Err: &ServerError{Text: "unexpected reply for nullable-double sink"}}
	}
}

// ---- bytes (bulk) ----

type bytesSink struct{ f *Future[[]byte] }

// NewBytesSink returns a sink where a nil bulk reply completes with a nil
// slice and no error.
func NewBytesSink() (Sink, *Future[[]byte]) {
	f := newFuture[[]byte]()
	return &bytesSink{f: f}, f
}

func (s *bytesSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindBulk:
		if r.IsNil {
			s.f.ch <- Outcome[[]byte]{}
			return
		}
		s.f.ch <- Outcome[[]byte]{Value: r.Bulk}
	case resp.KindError:
		s.f.ch <- Outcome[[]byte]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[[]byte]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[[]byte]{Err: &ServerError{Text: "unexpected reply for bytes sink"}}
	}
}

// ---- string (UTF-8 decoded bulk) ----

type stringSink struct{ f *Future[string] }

// NewStringSink returns a sink where a nil bulk reply completes with "".
func NewStringSink() (Sink, *Future[string]) {
	f := newFuture[string]()
	return &stringSink{f: f}, f
}

func (s *stringSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindPass:
		s.f.ch <- Outcome[string]{}
	case resp.KindStatus:
		s.f.ch <- Outcome[string]{Value: string(r.Str)}
	case resp.KindBulk:
		if r.IsNil {
			s.f.ch <- Outcome[string]{}
			return
		}
		s.f.ch <- Outcome[string]{Value: string(r.Bulk)}
	case resp.KindError:
		s.f.ch <- Outcome[string]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[string]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[string]{Err: &ServerError{Text: "unexpected reply for string sink"}}
	}
}

// ---- array of bytes ----

type bytesArraySink struct{ f *Future[[][]byte] }

// NewBytesArraySink rejects non-array replies; a nil array completes with a
// nil slice and no error.
func NewBytesArraySink() (Sink, *Future[[][]byte]) {
	f := newFuture[[][]byte]()
	return &bytesArraySink{f: f}, f
}

func (s *bytesArraySink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindArray:
		if r.IsNil {
			s.f.ch <- Outcome[[][]byte]{}
			return
		}
		out := make([][]byte, len(r.Array))
		for i, e := range r.Array {
			if e.Kind != resp.KindBulk || e.IsNil {
				out[i] = nil
				continue
			}
			out[i] = e.Bulk
		}
		s.f.ch <- Outcome[[][]byte]{Value: out}
	case resp.KindError:
		s.f.ch <- Outcome[[][]byte]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[[][]byte]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[[][]byte]{Err: &ServerError{Text: "unexpected reply for bytes-array sink"}}
	}
}

// ---- key/score pairs (e.g. ZRANGE WITHSCORES) ----

// Pair is one element of a key/score or field/value array reply.
type Pair struct {
	Key   []byte
	Value []byte
}

type pairSink struct{ f *Future[[]Pair] }

// NewPairSink decodes a flat bulk array into key/value pairs, failing with
// a protocol error if the array has an odd number of elements.
func NewPairSink() (Sink, *Future[[]Pair]) {
	f := newFuture[[]Pair]()
	return &pairSink{f: f}, f
}

func (s *pairSink) Complete(r resp.Reply) {
	switch r.Kind {
	case resp.KindArray:
		if r.IsNil {
			s.f.ch <- Outcome[[]Pair]{}
			return
		}
		if len(r.Array)%2 != 0 {
			s.f.ch <- Outcome[[]Pair]{Err: fmt.Errorf("respipe: odd-length array for pair sink (%d elements)", len(r.Array))}
			return
		}
		pairs := make([]Pair, len(r.Array)/2)
		for i := range pairs {
			pairs[i] = Pair{Key: r.Array[2*i].Bulk, Value: r.Array[2*i+1].Bulk}
		}
		s.f.ch <- Outcome[[]Pair]{Value: pairs}
	case resp.KindError:
		s.f.ch <- Outcome[[]Pair]{Err: &ServerError{Text: string(r.Str)}}
	case resp.KindCancelled:
		s.f.ch <- Outcome[[]Pair]{Err: ErrCancelled}
	default:
		s.f.ch <- Outcome[[]Pair]{Err: &ServerError{Text: "unexpected reply for pair sink"}}
	}
}

// ---- raw (the Reply itself) ----

type rawSink struct{ f *Future[resp.Reply] }

// NewRawSink completes with the Reply unchanged, including Error/Cancelled
// as values rather than as Outcome.Err — used for diagnostic calls that
// want to inspect the wire shape directly.
func NewRawSink() (Sink, *Future[resp.Reply]) {
	f := newFuture[resp.Reply]()
	return &rawSink{f: f}, f
}

func (s *rawSink) Complete(r resp.Reply) {
	s.f.ch <- Outcome[resp.Reply]{Value: r}
}

func parseDecimal(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, &ServerError{Text: "empty numeric bulk"}
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
	}
	var n int64
	for ; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, &ServerError{Text: fmt.Sprintf("malformed numeric bulk %q", b)}
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
