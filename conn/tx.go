package conn

import (
	"context"
	"fmt"

	"github.com/mickamy/respipe/message"
	"github.com/mickamy/respipe/resp"
)

// Tx buffers commands between MULTI and EXEC/DISCARD (spec.md §4.F
// "Transactions"). A Tx is not safe for concurrent use from more than one
// goroutine; an Engine allows at most one open Tx at a time. Nothing a Tx
// does reaches the wire until Execute: Multi, Queue, and Discard only
// mutate client-side state, so the WATCH/MULTI/queued-commands/EXEC
// sequence Execute eventually writes can be framed as one uninterrupted
// sequence under a single write-lock acquisition (spec.md §5).
type Tx struct {
	engine    *Engine
	watchKeys [][]byte
	buffered  []*message.Message
	closed    bool
}

// Multi reserves the engine's single transaction slot and returns a Tx for
// queuing commands and, if watchKeys is non-empty, watching them. Only one
// transaction may be open on an Engine at a time; a second call before the
// first is closed fails with ErrNested. Nothing is written to the wire
// until Execute.
func (e *Engine) Multi(watchKeys ...[]byte) (*Tx, error) {
	if !e.inTx.CompareAndSwap(false, true) {
		return nil, ErrNested
	}
	return &Tx{engine: e, watchKeys: watchKeys}, nil
}

// Queue buffers m as part of the open transaction. m is not written to the
// wire here; it is framed in order, alongside a provisional QUEUED
// placeholder, when Execute runs the whole composite under one write-lock
// hold. m's real completion is delivered later, demultiplexed from EXEC's
// array reply.
func (t *Tx) Queue(m *message.Message) error {
	if t.closed {
		return ErrTxClosed
	}
	if !m.TryTransition(message.NotSent, message.Sent) {
		return fmt.Errorf("respipe: message already sent or cancelled")
	}
	t.buffered = append(t.buffered, m)
	return nil
}

// Discard cancels every buffered message and closes the transaction. Since
// nothing was ever written to the wire, no DISCARD needs to be sent to the
// server. Safe to call at most once.
func (t *Tx) Discard() error {
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	defer t.engine.inTx.Store(false)

	t.cancelBuffered()
	return nil
}

// Execute writes the transaction's whole composite — WATCH (if any keys
// were given), MULTI, a QUEUED placeholder per buffered command, and EXEC —
// as one sequence under a single write-lock acquisition, then demultiplexes
// EXEC's array reply back to each buffered message's own sink, in queue
// order (spec.md §4.F). It reports commit=false without error when a
// WATCHed key changed (server replies with a nil array), matching spec.md
// §4.F "abort by nil array".
func (t *Tx) Execute(ctx context.Context) (bool, error) {
	if t.closed {
		return false, ErrTxClosed
	}
	t.closed = true
	defer t.engine.inTx.Store(false)

	execSink, execFut := message.NewRawSink()
	exec := message.New(message.NoDB, execSink, []byte("EXEC"))

	t.engine.withWriteLock(func() {
		if len(t.watchKeys) > 0 {
			args := make([][]byte, 0, len(t.watchKeys)+1)
			args = append(args, []byte("WATCH"))
			args = append(args, t.watchKeys...)
			watch := message.New(t.engine.currentDB, discardSink{}, args...).WithExpected([]byte("OK"))
			watch.WithFlags(message.Flags{DuringInit: true})
			t.engine.writeOneLocked(watch)
		}

		multi := message.New(t.engine.currentDB, discardSink{}, []byte("MULTI")).WithExpected([]byte("OK"))
		multi.WithFlags(message.Flags{DuringInit: true})
		t.engine.writeOneLocked(multi)

		for _, m := range t.buffered {
			placeholder := message.New(m.DB, discardSink{}, m.Args...).WithExpected([]byte("QUEUED"))
			placeholder.WithFlags(message.Flags{DuringInit: true})
			t.engine.writeOneLocked(placeholder)
		}

		t.engine.writeOneLocked(exec)
	})

	done := make(chan message.Outcome[resp.Reply], 1)
	go func() { done <- execFut.Wait() }()

	var out message.Outcome[resp.Reply]
	select {
	case out = <-done:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if out.Err != nil {
		t.completeBufferedErr(out.Err)
		return false, out.Err
	}

	reply := out.Value
	switch reply.Kind {
	case resp.KindArray:
		if reply.IsNil {
			t.cancelBuffered()
			return false, nil
		}
		if len(reply.Array) != len(t.buffered) {
			err := &ProtocolError{Msg: fmt.Sprintf("EXEC returned %d replies for %d queued commands", len(reply.Array), len(t.buffered))}
			t.completeBufferedErr(err)
			return false, err
		}
		for i, elem := range reply.Array {
			t.buffered[i].Complete(elem)
		}
		return true, nil
	case resp.KindError:
		err := &message.ServerError{Text: string(reply.Str)}
		t.completeBufferedErr(err)
		return false, err
	case resp.KindCancelled:
		t.cancelBuffered()
		return false, message.ErrCancelled
	default:
		err := &ProtocolError{Msg: "unexpected EXEC reply kind"}
		t.completeBufferedErr(err)
		return false, err
	}
}

func (t *Tx) cancelBuffered() {
	for _, m := range t.buffered {
		m.Complete(resp.Cancelled)
	}
}

func (t *Tx) completeBufferedErr(err error) {
	reply := resp.Reply{Kind: resp.KindError, Str: []byte(err.Error())}
	for _, m := range t.buffered {
		m.Complete(reply)
	}
}
