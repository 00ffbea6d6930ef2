// Package conn implements the connection engine: the state machine, the
// send/receive pipelining, reply-to-request matching, database-context
// tracking, and graceful/abortive shutdown described in spec.md §§3–5.
package conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mickamy/respipe/cmdfmt"
	"github.com/mickamy/respipe/message"
	"github.com/mickamy/respipe/probe"
	"github.com/mickamy/respipe/resp"
	"github.com/mickamy/respipe/watchdog"
)

// inlineReadBufSize sizes the reader's bufio.Reader; see spec.md §4.A.
const inlineReadBufSize = 4096

// Event is delivered on the channel returned by Events: a non-fatal
// server-error reply or a fatal I/O/protocol failure (spec.md §6). Command,
// when non-empty, is the offending (or, for a read-side shutdown, the
// oldest in-flight) command rendered via cmdfmt.Redact, for logging and the
// live monitor.
type Event struct {
	Cause   string
	Command string
	Err     error
	Fatal   bool
}

// Engine owns the socket, the send/receive buffers, both pending queues,
// and the counters for one connection (spec.md §3 "Ownership"). The zero
// value is not usable; construct with New.
type Engine struct {
	opts Options

	state stateBox
	held  atomic.Bool
	abort atomic.Bool

	netConn net.Conn
	bw      *bufio.Writer

	writeMu        sync.Mutex
	pendingWriters atomic.Int32
	currentDB      int // guarded by writeMu

	unsent unsentQueue
	sent   *sentQueue

	counters counters
	watch    *watchdog.Watchdog

	dispatch *dispatcher

	events    chan Event
	closedCh  chan struct{}
	closeOnce sync.Once

	inTx atomic.Bool

	openResult chan error
	serverInfo probe.ServerInfo
}

// New constructs an Engine from validated Options. The engine starts in
// State New; call Open to connect.
func New(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:       opts,
		sent:       newSentQueue(),
		dispatch:   newDispatcher(opts.InlineDispatch),
		events:     make(chan Event, 64),
		closedCh:   make(chan struct{}),
		openResult: make(chan error, 1),
		watch:      watchdog.New(opts.waitTimeout(), opts.waitTimeout()),
	}
	e.currentDB = 0
	e.held.Store(true)
	return e, nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state.load() }

// Events returns the channel on which non-fatal server errors and fatal
// failures are reported (spec.md §6).
func (e *Engine) Events() <-chan Event { return e.events }

// Closed returns a channel that is closed exactly once, when the engine
// reaches State Closed.
func (e *Engine) Closed() <-chan struct{} { return e.closedCh }

func (e *Engine) fireEvent(cause, command string, err error, fatal bool) {
	select {
	case e.events <- Event{Cause: cause, Command: command, Err: err, Fatal: fatal}:
	default:
		// Events channel full: drop rather than block the reader/writer.
	}
}

// Open dials (host, port), performs the init/handshake (spec.md §4.E), and
// blocks until the handshake probe completes or ctx is cancelled. On
// success the engine transitions to StateOpen; on failure it transitions
// to StateClosed and the returned error explains why.
func (e *Engine) Open(ctx context.Context) error {
	if !e.state.cas(StateNew, StateOpening) {
		return &LifecycleError{Op: "Open", State: e.state.load()}
	}

	dialer := net.Dialer{Timeout: e.opts.syncTimeout()}
	nc, err := dialer.DialContext(ctx, "tcp", e.opts.addr())
	if err != nil {
		e.state.forceClosed()
		return fmt.Errorf("respipe: dial %s: %w", e.opts.addr(), err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return e.attach(ctx, nc)
}

// attach wires an already-established connection into the engine and runs
// the handshake. Split out from Open so tests can drive the engine over an
// in-memory net.Pipe instead of a real socket.
func (e *Engine) attach(ctx context.Context, nc net.Conn) error {
	e.netConn = nc
	e.bw = bufio.NewWriterSize(nc, inlineReadBufSize)

	go e.readLoop()
	e.runHandshake()

	select {
	case err := <-e.openResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyWriteDeadline and applyReadDeadline set the per-operation socket
// deadline, called before every blocking write/read when Options.IOTimeout
// is non-zero.
func (e *Engine) applyWriteDeadline() {
	if e.opts.IOTimeout > 0 {
		_ = e.netConn.SetWriteDeadline(time.Now().Add(e.opts.IOTimeout))
	}
}

func (e *Engine) applyReadDeadline() {
	if e.opts.IOTimeout > 0 {
		_ = e.netConn.SetReadDeadline(time.Now().Add(e.opts.IOTimeout))
	}
}

// Enqueue submits m for sending. While the engine is held, an ordinary
// message is parked in the unsent queue and Enqueue returns at once;
// otherwise Enqueue frames the message and, as the last pending writer,
// flushes it to the socket on the caller's goroutine, so it can block on
// the write-lock, the unsent queue's mutex, and the socket write (bounded
// by IOTimeout when set).
func (e *Engine) Enqueue(m *message.Message) {
	switch e.state.load() {
	case StateClosed:
		m.Sink.Complete(resp.Reply{Kind: resp.KindError, Str: []byte(ErrClosed.Error())})
		return
	}
	if e.abort.Load() && m.Command() != "QUIT" {
		m.Sink.Complete(resp.Reply{Kind: resp.KindError, Str: []byte(ErrAborted.Error())})
		return
	}
	if e.opts.MaxUnsent > 0 && !m.Flags.DuringInit && e.unsent.len() >= e.opts.MaxUnsent {
		m.Sink.Complete(resp.Reply{Kind: resp.KindError, Str: []byte(ErrQueueFull.Error())})
		return
	}

	held := e.held.Load()
	writeNow := !held || m.Flags.DuringInit || m.Flags.QueueJump
	if !writeNow {
		e.unsent.push(m)
		return
	}

	e.withWriteLock(func() {
		e.writeOneLocked(m)
	})
}

// CancelUnsent drains the unsent queue, completing every message with
// resp.Cancelled (spec.md §5 "Cancellation").
func (e *Engine) CancelUnsent() {
	for _, m := range e.unsent.drain() {
		m.CompleteCancelled()
		e.counters.messagesCancelled.Add(1)
	}
}

// Wait blocks up to Options.WaitTimeout (falling back to SyncTimeout) for
// fn to return, raising a *TimeoutError otherwise. When
// IncludeDetailInTimeouts is set, the error's Detail is populated from the
// watchdog: the oldest in-flight command, but only once it has genuinely
// stalled past the watchdog's threshold, rather than unconditionally
// naming whatever happens to be oldest.
func (e *Engine) Wait(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timeout := e.opts.waitTimeout()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		detail := ""
		if e.opts.IncludeDetailInTimeouts {
			if oldest, startedAt := e.sent.peekOldest(); oldest != nil {
				if stalled, alert := e.watch.Check(oldest.Command(), startedAt, time.Now()); stalled {
					detail = cmdfmt.Redact(oldest.Args)
					if alert != nil {
						e.fireEvent("watchdog", detail, fmt.Errorf("respipe: %s stalled for %s", alert.Command, alert.Age), false)
					}
				}
			}
		}
		e.counters.timeouts.Add(1)
		return &TimeoutError{Detail: detail}
	}
}

// Close transitions the engine to Closing then Closed. A graceful close
// (abort=false) enqueues a synthetic QUIT (if QuitOnClose is set) and
// waits up to SyncTimeout for its completion before releasing resources;
// an abortive close skips QUIT and fails every outstanding message with
// ErrAborted. Calling Close more than once is a no-op after the first
// call (spec.md §8 idempotence).
func (e *Engine) Close(abort bool) {
	if !e.state.cas(StateOpen, StateClosing) && !e.state.cas(StateOpening, StateClosing) {
		return // already Closing or Closed
	}

	if abort {
		e.abort.Store(true)
	} else if e.opts.QuitOnClose && e.netConn != nil {
		deadline := time.Now().Add(e.opts.syncTimeout())

		drained := make(chan struct{})
		go func() { e.sent.waitDrained(); close(drained) }()
		select {
		case <-drained:
		case <-time.After(time.Until(deadline)):
		}

		sink, fut := message.NewRawSink()
		quit := message.New(message.NoDB, sink, []byte("QUIT")).WithExpected([]byte("OK"))
		e.Enqueue(quit)
		waitCh := make(chan struct{})
		go func() { fut.Wait(); close(waitCh) }()
		select {
		case <-waitCh:
		case <-time.After(time.Until(deadline)):
		}
	}

	if abort {
		e.teardown(ErrAborted)
	} else {
		e.teardown(ErrClosed)
	}
}

// teardown closes the socket, drains `sent` with a synthetic error,
// cancels `unsent`, stops the dispatcher, and fires `closed` exactly once.
// cause becomes the error delivered to every message still outstanding.
func (e *Engine) teardown(cause error) {
	e.state.forceClosed()
	if e.netConn != nil {
		_ = e.netConn.Close()
	}
	e.sent.drainWithError(cause)
	e.CancelUnsent()
	e.closeOnce.Do(func() {
		e.dispatch.stop()
		close(e.closedCh)
	})
}

// shutdown is invoked by the reader on EOF or a fatal protocol error: it
// tears the connection down exactly once and reports the cause via the
// `error` event before `closed` fires.
func (e *Engine) shutdown(cause error) {
	if e.state.load() == StateClosed {
		return
	}
	if !e.state.cas(StateOpen, StateClosing) {
		e.state.cas(StateOpening, StateClosing)
	}
	cmd := ""
	if oldest, _ := e.sent.peekOldest(); oldest != nil {
		cmd = cmdfmt.Redact(oldest.Args)
	}
	e.fireEvent("read", cmd, cause, true)
	e.teardown(cause)
}

// withWriteLock serializes socket writes behind a single mutex while
// coalescing concurrent enqueuers: each caller increments pendingWriters
// on entry; the one that decrements it to zero performs the real flush
// (spec.md §4.D "Send path" — "batches of small commands issued by many
// threads collapse into one syscall").
func (e *Engine) withWriteLock(f func()) {
	e.pendingWriters.Add(1)
	e.writeMu.Lock()
	defer func() {
		last := e.pendingWriters.Add(-1) == 0
		if last && e.bw != nil {
			e.applyWriteDeadline()
			_ = e.bw.Flush()
		}
		e.writeMu.Unlock()
	}()
	e.drainUnsentLocked()
	f()
	e.drainUnsentLocked()
}

func (e *Engine) drainUnsentLocked() {
	if e.held.Load() {
		return // parked messages stay in unsent until the handshake releases the gate
	}
	for _, m := range e.unsent.drain() {
		e.writeOneLocked(m)
	}
}

// invalidatingCommands forces a fresh SELECT before the next non-DB-agnostic
// message (spec.md §3 "Current DB").
var invalidatingCommands = map[string]bool{
	"EVAL": true, "EVALSHA": true, "DISCARD": true, "EXEC": true,
}

// writeOneLocked transitions m NotSent->Sent, reconciles the current DB,
// frames and writes it, and appends it to `sent`. Must be called while
// holding writeMu. A message that fails its CAS (already cancelled by a
// racing caller) is skipped and counted.
func (e *Engine) writeOneLocked(m *message.Message) {
	if !m.TryTransition(message.NotSent, message.Sent) {
		e.counters.messagesCancelled.Add(1)
		return
	}

	if m.DB != message.NoDB && m.DB != e.currentDB {
		e.writeSelectLocked(m.DB)
	}

	e.applyWriteDeadline()
	_, err := e.bw.Write(resp.AppendEncode(nil, m.Args))
	if err != nil {
		m.Complete(resp.Reply{Kind: resp.KindError, Str: []byte(err.Error())})
		return
	}
	e.sent.push(m)
	e.counters.messagesSent.Add(1)
	e.counters.dbUsage.record(m.DB)
	if m.Flags.QueueJump {
		e.counters.queueJumpers.Add(1)
	}

	if invalidatingCommands[m.Command()] {
		e.currentDB = message.InvalidDB
	}
}

// writeSelectLocked writes a synthetic SELECT db and tracks it in `sent`
// with an internal sink, so the reply stream stays 1:1 with writes
// (spec.md §3 invariant).
func (e *Engine) writeSelectLocked(db int) {
	sink := discardSink{}
	sel := message.New(message.NoDB, sink, []byte("SELECT"), []byte(itoa(db))).WithExpected([]byte("OK"))
	sel.WithFlags(message.Flags{DuringInit: true})
	sel.TryTransition(message.NotSent, message.Sent)

	e.applyWriteDeadline()
	_, err := e.bw.Write(resp.AppendEncode(nil, sel.Args))
	if err != nil {
		return
	}
	e.sent.push(sel)
	e.counters.messagesSent.Add(1)
	e.currentDB = db
}

// discardSink silently drops its completion; used for internal
// housekeeping messages (synthetic SELECT, MULTI/WATCH placeholders) whose
// outcome the caller never observes directly.
type discardSink struct{}

func (discardSink) Complete(resp.Reply) {}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
