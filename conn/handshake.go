package conn

import (
	"errors"
	"fmt"

	"github.com/mickamy/respipe/message"
	"github.com/mickamy/respipe/probe"
)

// runHandshake performs the init sequence (spec.md §4.E): AUTH when a
// password is configured, CLIENT SETNAME when a connection name is
// configured, and an INFO probe used to classify the server (spec.md §9
// "Server role detection"). Every handshake message is flagged
// DuringInit so it bypasses the held gate that parks ordinary Enqueue
// callers until the handshake finishes. On success the engine transitions
// Opening->Open, the held gate releases, and any messages parked during
// the handshake flush to the wire. On failure the engine transitions to
// Closed and the failure is reported back through openResult.
//
// A server Error reply to AUTH or the INFO probe is not by itself a
// handshake failure: the server is talking, just lacks (or rejects) a
// feature. Only a non-reply failure — an I/O error, a decode fault, a
// timeout, or cancellation — forces the connection to Closed.
func (e *Engine) runHandshake() {
	if e.opts.Password != "" {
		sink, fut := message.NewStringSink()
		auth := message.New(message.NoDB, sink, []byte("AUTH"), []byte(e.opts.Password)).
			WithExpected([]byte("OK"))
		auth.WithFlags(message.Flags{DuringInit: true})
		e.Enqueue(auth)
		if out := fut.Wait(); out.Err != nil && !isBenignHandshakeErr(out.Err) {
			e.failHandshake(fmt.Errorf("respipe: auth: %w", out.Err))
			return
		}
	}

	if e.opts.Name != "" {
		sink, fut := message.NewStringSink()
		setname := message.New(message.NoDB, sink, []byte("CLIENT"), []byte("SETNAME"), []byte(e.opts.Name)).
			WithExpected([]byte("OK"))
		setname.WithFlags(message.Flags{DuringInit: true})
		e.Enqueue(setname)
		fut.Wait() // best-effort: older servers lack CLIENT SETNAME
	}

	sink, fut := message.NewBytesSink()
	info := message.New(message.NoDB, sink, []byte("INFO"))
	info.WithFlags(message.Flags{DuringInit: true})
	e.Enqueue(info)

	out := fut.Wait()
	var si probe.ServerInfo
	switch {
	case out.Err != nil && isBenignHandshakeErr(out.Err):
		// server replied, just doesn't support INFO; classification stays zero-value.
	case out.Err != nil:
		e.failHandshake(fmt.Errorf("respipe: info probe: %w", out.Err))
		return
	default:
		parsed, err := probe.ParseInfo(out.Value)
		if err != nil {
			e.failHandshake(fmt.Errorf("respipe: info probe: %w", err))
			return
		}
		si = parsed
	}
	e.serverInfo = si

	if !e.state.cas(StateOpening, StateOpen) {
		e.failHandshake(&LifecycleError{Op: "handshake", State: e.state.load()})
		return
	}

	e.held.Store(false)
	e.withWriteLock(func() {})

	select {
	case e.openResult <- nil:
	default:
	}
}

// isBenignHandshakeErr reports whether err is a *message.ServerError, the
// shape a RESP Error reply from the server takes. The synthetic errors a
// teardown delivers (ErrClosed, ErrServerTerminated, a decode fault) reach
// the sinks as Error replies too, so they also count here; a teardown has
// already left the engine Closed, so the Opening->Open transition in
// runHandshake then fails and the handshake fails regardless.
func isBenignHandshakeErr(err error) bool {
	var serverErr *message.ServerError
	return errors.As(err, &serverErr)
}

func (e *Engine) failHandshake(err error) {
	e.teardown(err)
	select {
	case e.openResult <- err:
	default:
	}
}

// ServerInfo returns the server classification learned during the
// handshake's INFO probe. Valid only after Open returns successfully.
func (e *Engine) ServerInfo() probe.ServerInfo { return e.serverInfo }
