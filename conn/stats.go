package conn

import (
	"sync"
	"sync/atomic"

	"github.com/mickamy/respipe/message"
)

// counters holds the atomic counters tracked by the engine (spec.md §3,
// §6). Each is read exactly once by Snapshot — the teacher's
// counter-snapshot bug (reading messagesSent twice, a copy-paste mistake
// per spec.md §9 Open Questions) is deliberately not reproduced here.
type counters struct {
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	queueJumpers      atomic.Int64
	messagesCancelled atomic.Int64
	errorMessages     atomic.Int64
	timeouts          atomic.Int64

	dbUsage dbUsageTable
}

// dbUsageTable tracks per-database command counts, protected by its own
// mutex per spec.md §3 "Ownership".
type dbUsageTable struct {
	mu     sync.Mutex
	counts map[int]int64
}

func (t *dbUsageTable) record(db int) {
	if db == message.NoDB {
		return
	}
	t.mu.Lock()
	if t.counts == nil {
		t.counts = make(map[int]int64)
	}
	t.counts[db]++
	t.mu.Unlock()
}

func (t *dbUsageTable) snapshot() map[int]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Stats is a point-in-time statistics snapshot (spec.md §6).
type Stats struct {
	MessagesSent      int64
	MessagesReceived  int64
	QueueJumpers      int64
	MessagesCancelled int64
	UnsentSize        int64
	ErrorMessages     int64
	Timeouts          int64
	PerDB             map[int]int64
}

// Snapshot returns the engine's current statistics.
func (e *Engine) Snapshot() Stats {
	return Stats{
		MessagesSent:      e.counters.messagesSent.Load(),
		MessagesReceived:  e.counters.messagesReceived.Load(),
		QueueJumpers:      e.counters.queueJumpers.Load(),
		MessagesCancelled: e.counters.messagesCancelled.Load(),
		UnsentSize:        int64(e.unsent.len()),
		ErrorMessages:     e.counters.errorMessages.Load(),
		Timeouts:          e.counters.timeouts.Load(),
		PerDB:             e.counters.dbUsage.snapshot(),
	}
}
