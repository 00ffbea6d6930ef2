package conn

import (
	"errors"
	"fmt"
)

// ConfigError signals an invalid Options value, raised synchronously at
// construction or before Open.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "respipe: configuration error: " + e.Msg }

// LifecycleError signals an operation attempted in the wrong connection
// State (e.g. enqueue after abort, open on an already-open engine).
type LifecycleError struct {
	Op    string
	State State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("respipe: lifecycle error: %s in state %s", e.Op, e.State)
}

// ProtocolError signals a decoder fault, an unmatched reply, or a
// must-succeed command that failed. Protocol errors encountered while
// reading are fatal (the connection shuts down); while writing they are
// surfaced only to the affected caller.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "respipe: protocol error: " + e.Msg }

// TimeoutError is synthesized when Wait exceeds the configured
// sync-timeout. Detail, when non-empty, summarizes the oldest in-flight
// command (per Options.IncludeDetailInTimeouts).
type TimeoutError struct{ Detail string }

func (e *TimeoutError) Error() string {
	if e.Detail == "" {
		return "respipe: timeout"
	}
	return "respipe: timeout: " + e.Detail
}

// ErrClosed is returned by operations attempted after the engine has
// transitioned to Closed.
var ErrClosed = errors.New("respipe: connection closed")

// ErrAborted is delivered to messages still outstanding when an abortive
// close tears the connection down, and to any message enqueued while that
// close is in progress. Once the engine has reached Closed, Enqueue
// delivers ErrClosed instead.
var ErrAborted = errors.New("respipe: connection aborted")

// ErrServerTerminated is delivered to every message still in `sent` when
// the server closes the socket (EOF) before replying.
var ErrServerTerminated = errors.New("respipe: server terminated before reply")

// ErrNested signals a Multi call while another transaction is still open on
// the same Engine.
var ErrNested = errors.New("respipe: nested transactions are not supported")

// ErrQueueFull signals Options.MaxUnsent was exceeded (an advisory limit;
// see spec.md §9 Open Questions).
var ErrQueueFull = errors.New("respipe: unsent queue is full")

// ErrTxClosed is returned by Tx methods called after Execute or Discard.
var ErrTxClosed = errors.New("respipe: transaction already closed")
