package conn

import "sync/atomic"

// State is the connection engine's lifecycle state. Ordering is strict:
// New < Opening < Open < Closing < Closed. All transitions are performed
// with atomic compare-and-swap; illegal transitions fail and are reported
// to the caller as a Lifecycle error.
type State int32

const (
	StateNew State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State {
	return State(b.v.Load())
}

func (b *stateBox) cas(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}

// forceClosed unconditionally sets the state to Closed, used on the
// handshake-failure and fatal-shutdown paths where the prior state may be
// Opening or Closing but the precise prior value doesn't matter — Closed
// is terminal regardless.
func (b *stateBox) forceClosed() {
	b.v.Store(int32(StateClosed))
}
