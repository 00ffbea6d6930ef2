package conn

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/mickamy/respipe/cmdfmt"
	"github.com/mickamy/respipe/message"
	"github.com/mickamy/respipe/resp"
)

// readLoop owns the socket's read side for the engine's lifetime: it
// decodes one reply per iteration, matches it against the oldest pending
// message in `sent`, and dispatches the completion off itself (spec.md
// §4.C "Receive path"). It exits and tears the connection down on the
// first decode error or EOF.
func (e *Engine) readLoop() {
	br := bufio.NewReaderSize(e.netConn, inlineReadBufSize)
	dec := resp.NewDecoder(br)

	for {
		e.applyReadDeadline()
		reply, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.shutdown(ErrServerTerminated)
			} else {
				e.shutdown(err)
			}
			return
		}
		e.counters.messagesReceived.Add(1)

		m, ok := e.sent.pop()
		if !ok {
			e.shutdown(&ProtocolError{Msg: "reply received with no pending message"})
			return
		}
		e.matchAndDispatch(m, reply)
	}
}

// matchAndDispatch implements the pending-reply matcher (spec.md §4.C): a
// reply matching m's expected-literal status is translated to resp.Pass; a
// mismatching Status reply is substituted with a synthetic Error carrying
// the returned status, so a caller checking for a specific status (e.g.
// "OK") cannot silently observe the wrong one; a must-succeed message whose
// (possibly substituted) reply is an Error is treated as a fatal protocol
// fault; a plain (non-must-succeed) Error is delivered to the message's own
// sink and also reported as a non-fatal event. Delivery always happens on
// the dispatcher, never inline on the reader goroutine.
func (e *Engine) matchAndDispatch(m *message.Message, reply resp.Reply) {
	if m.Expected != nil && reply.Kind == resp.KindStatus {
		if bytes.Equal(reply.Str, m.Expected) {
			e.dispatch.submit(func() { m.Complete(resp.Pass) })
			return
		}
		reply = resp.Reply{Kind: resp.KindError, Str: reply.Str}
	}

	if reply.Kind == resp.KindError {
		e.counters.errorMessages.Add(1)
		if m.Flags.MustSucceed {
			e.dispatch.submit(func() { m.Complete(reply) })
			e.shutdown(&ProtocolError{Msg: "must-succeed command failed: " + string(reply.Str)})
			return
		}
		e.fireEvent(m.Command(), cmdfmt.Redact(m.Args), &message.ServerError{Text: string(reply.Str)}, false)
		e.dispatch.submit(func() { m.Complete(reply) })
		return
	}

	e.dispatch.submit(func() { m.Complete(reply) })
}
