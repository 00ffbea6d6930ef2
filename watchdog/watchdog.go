// Package watchdog tracks how long the oldest in-flight command has been
// outstanding and raises a cooldown-gated stall alert once it crosses a
// threshold. It is the concrete implementation behind spec.md §6's
// IncludeDetailInTimeouts option and the "timed wait helper" sketched in
// §4.G/§9: rather than leave the timeout-detail behavior unspecified, the
// engine asks a Watchdog for the oldest pending command's age before
// raising a TimeoutError.
package watchdog

import (
	"sync"
	"time"
)

// Alert reports that a command has been outstanding past threshold.
type Alert struct {
	Command string
	Age     time.Duration
}

// Watchdog judges the start time of the in-flight command passed to each
// Check call, and gates repeat alerts with one cooldown shared by all
// commands (it does not track which command alerted last), the same
// shape as the teacher's N+1 query detector (threshold/window/cooldown)
// repurposed here for a single oldest-command slot instead of a
// per-template frequency table.
type Watchdog struct {
	mu        sync.Mutex
	threshold time.Duration
	cooldown  time.Duration
	lastAlert time.Time
}

// New creates a Watchdog. threshold is the minimum age before a command is
// considered stalled; cooldown is the minimum time between any two
// alerts.
func New(threshold, cooldown time.Duration) *Watchdog {
	return &Watchdog{threshold: threshold, cooldown: cooldown}
}

// Check reports whether the command started at startedAt (observed at
// now) has crossed the stall threshold, and — respecting cooldown — an
// Alert to surface to the caller. A zero-value startedAt (no command
// in flight) always returns not-stalled.
func (w *Watchdog) Check(command string, startedAt, now time.Time) (stalled bool, alert *Alert) {
	if startedAt.IsZero() {
		return false, nil
	}
	age := now.Sub(startedAt)
	if age < w.threshold {
		return false, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	stalled = true
	if w.lastAlert.IsZero() || now.Sub(w.lastAlert) >= w.cooldown {
		w.lastAlert = now
		alert = &Alert{Command: command, Age: age}
	}
	return stalled, alert
}
