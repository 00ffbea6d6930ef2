package conn

import (
	"sync"
	"time"

	"github.com/mickamy/respipe/message"
	"github.com/mickamy/respipe/resp"
)

// unsentQueue is the ordered queue of Messages enqueued before the writer
// consumed them. Guarded by a plain mutex: no signalling is needed because
// nothing blocks waiting for it to drain.
type unsentQueue struct {
	mu    sync.Mutex
	items []*message.Message
}

func (q *unsentQueue) push(m *message.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

// drain removes and returns every currently queued message, leaving the
// queue empty.
func (q *unsentQueue) drain() []*message.Message {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *unsentQueue) len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

// sentItem pairs a written message with the instant it was pushed, so the
// watchdog can measure how long it has been in flight.
type sentItem struct {
	msg *message.Message
	at  time.Time
}

// sentQueue is the strict FIFO of Messages written to the wire and
// awaiting reply. Its mutex doubles as a condition variable for the
// "drain-first" semantics a synthetic QUIT needs (spec.md §9): a writer
// that wants the queue to reach empty before proceeding calls
// waitDrained.
type sentQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []sentItem
}

func newSentQueue() *sentQueue {
	q := &sentQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sentQueue) push(m *message.Message) {
	q.mu.Lock()
	q.items = append(q.items, sentItem{msg: m, at: time.Now()})
	q.mu.Unlock()
}

// pop removes and returns the oldest pending message, or (nil, false) if
// the queue is empty. When the pop empties the queue, every goroutine
// blocked in waitDrained is woken.
func (q *sentQueue) pop() (*message.Message, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	m := q.items[0].msg
	q.items = q.items[1:]
	empty := len(q.items) == 0
	q.mu.Unlock()
	if empty {
		q.cond.Broadcast()
	}
	return m, true
}

// peekOldest returns the oldest pending message and the instant it was
// written, without removing it, or (nil, zero) if the queue is empty. Used
// by the timeout-detail watchdog.
func (q *sentQueue) peekOldest() (*message.Message, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, time.Time{}
	}
	return q.items[0].msg, q.items[0].at
}

func (q *sentQueue) len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

// waitDrained blocks until the queue is empty.
func (q *sentQueue) waitDrained() {
	q.mu.Lock()
	for len(q.items) != 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// drainWithError removes every pending message and completes each with
// err via its sink, used on fatal shutdown (spec.md §4.D "Shutdown path").
func (q *sentQueue) drainWithError(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	if len(items) > 0 {
		q.cond.Broadcast()
	}
	synthetic := resp.Reply{Kind: resp.KindError, Str: []byte(err.Error())}
	for _, it := range items {
		it.msg.Complete(synthetic)
	}
}
